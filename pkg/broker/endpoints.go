package broker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/relaybroker/pkg/log"
	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/metrics"
	"github.com/cuemby/relaybroker/pkg/module"
	"github.com/cuemby/relaybroker/pkg/rpcerr"
	"github.com/cuemby/relaybroker/pkg/service"
)

// insmodGrace is how long broker.insmod waits for a freshly loaded module
// to reach StateExited before concluding it is up and answering RUNNING.
// Insmod itself transitions a module to StateRunning synchronously, so this
// window exists only to catch a module that fails immediately.
const insmodGrace = 50 * time.Millisecond

// registerBuiltins installs every built-in RPC endpoint against the
// service switch under owner "". Built-ins are added with Switch.Add
// directly and never pass through Switch.Authorize, whose userid-prefix
// rule applies only to service.add and service.remove requests.
func (b *Broker) registerBuiltins() {
	builtins := map[string]service.HandlerFunc{
		"broker.insmod":     b.handleInsmod,
		"broker.rmmod":      b.handleRmmod,
		"broker.lsmod":      b.handleLsmod,
		"broker.panic":      b.handlePanic,
		"broker.disconnect": b.handleDisconnect,
		"broker.sub":        b.handleSub,
		"broker.unsub":      b.handleUnsub,
		"service.add":       b.handleServiceAdd,
		"service.remove":    b.handleServiceRemove,
		"overlay.topology":  b.handleOverlayTopology,
		"overlay.health":    b.handleOverlayHealth,
	}
	// event.pub only exists as a local switch entry at rank 0, which is
	// the only rank holding a Publisher. Leaving it unregistered on every
	// other rank means Switch.Send returns ErrNoService for it there, so
	// Router.RouteRequest's existing forward-UP fallback carries it toward
	// the root instead of a local handler answering ENOSYS immediately.
	if b.cfg.IsRoot() {
		builtins["event.pub"] = b.handleEventPub
	}
	for name, h := range builtins {
		if err := b.svc.Add(name, "", h); err != nil {
			// A duplicate built-in name is a programming error, not a
			// runtime condition: fail loudly at startup instead of
			// silently leaving an endpoint unregistered.
			panic(fmt.Sprintf("broker: register built-in %s: %v", name, err))
		}
	}
}

type insmodRequest struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
}

func (b *Broker) handleInsmod(m message.Message) error {
	var req insmodRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "malformed insmod request: %v", err)
		return nil
	}

	main, ok := b.lookupModuleMain(req.Path)
	if !ok {
		b.replyErr(m, int(rpcerr.ENOENT), "no module registered for path %s", req.Path)
		return nil
	}

	timer := metrics.NewTimer()
	mod, err := b.modules.Insmod(req.Path, main)
	if err != nil {
		b.replyErr(m, int(rpcerr.Of(err)), "%s", err.Error())
		return nil
	}

	go func(req message.Message, mod *module.Module) {
		select {
		case <-mod.Done():
			timer.ObserveDuration(metrics.ModuleInsmodDuration)
			if err := mod.ExitErr(); err != nil {
				b.replyErr(req, int(rpcerr.Of(err)), "module exited during startup: %v", err)
				return
			}
		case <-time.After(insmodGrace):
			timer.ObserveDuration(metrics.ModuleInsmodDuration)
		}
		b.reply(req, req.Respond(nil))
	}(m, mod)
	return nil
}

type rmmodRequest struct {
	Name string `json:"name"`
}

func (b *Broker) handleRmmod(m message.Message) error {
	var req rmmodRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "malformed rmmod request: %v", err)
		return nil
	}

	go func(req message.Message) {
		timer := metrics.NewTimer()
		err := b.modules.Rmmod(req.Name)
		timer.ObserveDuration(metrics.ModuleRmmodDuration)
		if err != nil {
			b.replyErr(req, int(rpcerr.Of(err)), "%s", err.Error())
			return
		}
		b.reply(req, req.Respond(nil))
	}(m)
	return nil
}

type lsmodEntry struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type lsmodResponse struct {
	Mods []lsmodEntry `json:"mods"`
}

func (b *Broker) handleLsmod(m message.Message) error {
	infos := b.modules.Lsmod()
	resp := lsmodResponse{Mods: make([]lsmodEntry, 0, len(infos))}
	for _, info := range infos {
		resp.Mods = append(resp.Mods, lsmodEntry{UUID: info.UUID, Name: info.Name, State: info.State.String()})
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "encode lsmod response: %v", err)
		return nil
	}
	b.reply(m, m.Respond(payload))
	return nil
}

type panicRequest struct {
	Reason string `json:"reason"`
	Flags  uint32 `json:"flags"`
}

func (b *Broker) handlePanic(m message.Message) error {
	var req panicRequest
	_ = json.Unmarshal(m.Payload, &req)
	if req.Reason == "" {
		req.Reason = "broker.panic requested"
	}

	if err := b.diag.RecordPanic(req.Reason, b.modules.Lsmod()); err != nil {
		log.WithComponent("broker").Warn().Err(err).Msg("failed to persist panic record before exit")
	}
	b.reply(m, m.Respond(nil))
	_ = b.diag.Close()
	os.Exit(1)
	return nil
}

// handleDisconnect terminates the module owned by the first uuid on the
// request's route stack — the originating handle's own identity — mirroring
// teardown of a client's subprocesses when its connection drops.
func (b *Broker) handleDisconnect(m message.Message) error {
	owner, ok := m.Route.Head()
	if !ok {
		b.reply(m, m.Respond(nil))
		return nil
	}
	if mod, ok := b.modules.LookupUUID(owner); ok {
		go func() { _ = b.modules.Rmmod(mod.Name) }()
	}
	b.reply(m, m.Respond(nil))
	return nil
}

type subRequest struct {
	Topic string `json:"topic"`
}

func (b *Broker) subscriber(m message.Message) string {
	if owner, ok := m.Route.Head(); ok {
		return owner
	}
	return brokerOwner
}

func (b *Broker) handleSub(m message.Message) error {
	var req subRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "malformed sub request: %v", err)
		return nil
	}
	_ = b.subs.Subscribe(b.subscriber(m), req.Topic)
	b.reply(m, m.Respond(nil))
	return nil
}

func (b *Broker) handleUnsub(m message.Message) error {
	var req subRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "malformed unsub request: %v", err)
		return nil
	}
	_ = b.subs.Unsubscribe(b.subscriber(m), req.Topic)
	b.reply(m, m.Respond(nil))
	return nil
}

type serviceNameRequest struct {
	Service string `json:"service"`
}

func (b *Broker) handleServiceAdd(m message.Message) error {
	var req serviceNameRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "malformed service.add request: %v", err)
		return nil
	}
	if err := b.svc.Authorize(req.Service, m.Cred); err != nil {
		b.replyErr(m, int(rpcerr.Of(err)), "%s", err.Error())
		return nil
	}

	owner := b.subscriber(m)
	handler := service.HandlerFunc(func(fwd message.Message) error {
		return b.modules.Dispatch(owner, fwd)
	})
	if err := b.svc.Add(req.Service, owner, handler); err != nil {
		b.replyErr(m, int(rpcerr.Of(err)), "%s", err.Error())
		return nil
	}
	if mod, ok := b.modules.LookupUUID(owner); ok {
		mod.MarkSent(req.Service)
	}
	b.reply(m, m.Respond(nil))
	return nil
}

func (b *Broker) handleServiceRemove(m message.Message) error {
	var req serviceNameRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "malformed service.remove request: %v", err)
		return nil
	}
	if err := b.svc.Authorize(req.Service, m.Cred); err != nil {
		b.replyErr(m, int(rpcerr.Of(err)), "%s", err.Error())
		return nil
	}
	if err := b.svc.Remove(req.Service); err != nil {
		b.replyErr(m, int(rpcerr.Of(err)), "%s", err.Error())
		return nil
	}
	b.reply(m, m.Respond(nil))
	return nil
}

type eventPubRequest struct {
	Topic   string        `json:"topic"`
	Flags   message.Flags `json:"flags"`
	Payload string        `json:"payload"`
}

type eventPubResponse struct {
	Seq uint32 `json:"seq"`
}

// handleEventPub is only ever reached at rank 0: registerBuiltins only
// installs event.pub into the switch when b.cfg.IsRoot(), and NewBroker
// constructs b.publisher under that same condition.
func (b *Broker) handleEventPub(m message.Message) error {
	var req eventPubRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "malformed event.pub request: %v", err)
		return nil
	}
	if req.Payload == "" {
		req.Payload = base64.StdEncoding.EncodeToString(nil)
	}

	origin := b.subscriber(m)
	seq, err := b.publisher.Publish(origin, req.Topic, req.Flags, req.Payload)
	if err != nil {
		b.replyErr(m, int(rpcerr.Of(err)), "%s", err.Error())
		return nil
	}
	payload, err := json.Marshal(eventPubResponse{Seq: seq})
	if err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "encode event.pub response: %v", err)
		return nil
	}
	b.reply(m, m.Respond(payload))
	return nil
}

type topologyResponse struct {
	Rank     int      `json:"rank"`
	Size     int      `json:"size"`
	Arity    int      `json:"arity"`
	Children int      `json:"children"`
	IsRoot   bool      `json:"is_root"`
	Modules  []string `json:"modules"`
}

func (b *Broker) handleOverlayTopology(m message.Message) error {
	infos := b.modules.Lsmod()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	resp := topologyResponse{
		Rank:     b.cfg.Rank,
		Size:     b.cfg.Size,
		Arity:    b.cfg.Arity,
		Children: b.overlay.ChildCount(),
		IsRoot:   b.cfg.IsRoot(),
		Modules:  names,
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "encode overlay.topology response: %v", err)
		return nil
	}
	b.reply(m, m.Respond(payload))
	return nil
}

func (b *Broker) handleOverlayHealth(m message.Message) error {
	payload, err := json.Marshal(metrics.GetHealth())
	if err != nil {
		b.replyErr(m, int(rpcerr.EPROTO), "encode overlay.health response: %v", err)
		return nil
	}
	b.reply(m, m.Respond(payload))
	return nil
}
