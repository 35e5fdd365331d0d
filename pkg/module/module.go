package module

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/relaybroker/pkg/log"
	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/rpcerr"
	"github.com/cuemby/relaybroker/pkg/service"
)

// State is a module's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StateRunning
	StateFinalizing
	StateExited
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// rxBacklog bounds how many undelivered messages a module's inbox holds
// before Dispatch starts returning ErrBusy instead of blocking the router.
const rxBacklog = 64

// Main is the entry point a module runs as. It blocks until ctx is
// cancelled (Rmmod was called) or it decides to exit on its own; its
// return value becomes the error reported to any pending rmmod caller.
type Main func(ctx context.Context, self *Module) error

// Subscriber is implemented by subscription.Registry. SubscribeSelf lets a
// module register its own topic interest without reaching back into
// broker internals, mirroring job-manager.c subscribing itself to its own
// job-state events at startup.
type Subscriber interface {
	Subscribe(uuid, topic string) error
	Unsubscribe(uuid, topic string) error
}

// Module is one loaded module's handle: its identity, mailbox, and the
// lifecycle state the host drives it through.
type Module struct {
	UUID string
	Name string

	Rx chan message.Message

	// Tags allocates the matchtags for requests this module originates as
	// a client of another service (e.g. the synthetic disconnect fired at
	// teardown). Its Close snapshot is what Host.teardown hands to the
	// diagnostics store.
	Tags *message.TagPool

	mu    sync.RWMutex
	state State
	mute  bool

	stopCh       chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	pendingRmmod []chan error
	exitErr      error

	sentToMu sync.Mutex
	sentTo   map[string]struct{}
}

// State returns the module's current lifecycle state.
func (m *Module) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Module) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Muted reports whether the host has stopped accepting new work for this
// module because it is finalizing.
func (m *Module) Muted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mute
}

// MarkSent records that m has sent a first-party request to the named
// service. On exit the host fires a synthetic disconnect to every such
// service so its handler can release per-client state (cached matchtags,
// streaming subscriptions) the departed module held.
func (m *Module) MarkSent(serviceName string) {
	m.sentToMu.Lock()
	m.sentTo[serviceName] = struct{}{}
	m.sentToMu.Unlock()
}

// Done returns a channel closed once the module has reached StateExited,
// for callers (such as a deferred broker.insmod response) that need to
// race "module is still running" against "module already exited".
func (m *Module) Done() <-chan struct{} {
	return m.done
}

// ExitErr returns the error main() returned, valid only after Done() is
// closed.
func (m *Module) ExitErr() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exitErr
}

// SubscribeSelf subscribes m to topic on sub, tagging the subscription
// with m's own uuid.
func (m *Module) SubscribeSelf(sub Subscriber, topic string) error {
	return sub.Subscribe(m.UUID, topic)
}

// Host owns every loaded module and the service switch they register
// against. There is one Host per broker.
type Host struct {
	mu         sync.RWMutex
	byUUID     map[string]*Module
	byName     map[string]*Module
	svc        *service.Switch
	onTeardown func(name string, stats message.TeardownStats)
}

// NewHost creates a module host bound to svc. Tearing a module down
// removes any service entries it owns from svc.
func NewHost(svc *service.Switch) *Host {
	return &Host{
		byUUID: make(map[string]*Module),
		byName: make(map[string]*Module),
		svc:    svc,
	}
}

// OnTeardown registers fn to be called with a module's matchtag teardown
// snapshot once it has exited and its Tags pool has been closed. The
// broker wires this to its diagnostics store. Must be called before the
// first Insmod.
func (h *Host) OnTeardown(fn func(name string, stats message.TeardownStats)) {
	h.onTeardown = fn
}

// deriveName derives a module's short display name from its load path,
// mirroring dlopen's soname convention: "./libfoo.so" -> "foo".
func deriveName(path string) string {
	name := filepath.Base(path)
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	return strings.TrimPrefix(name, "lib")
}

// Insmod loads the module found at path, starting main in its own
// goroutine. The module is registered under its derived short name (see
// deriveName) and returns rpcerr.ErrExists if that name is already loaded.
func (h *Host) Insmod(path string, main Main) (*Module, error) {
	name := deriveName(path)

	h.mu.Lock()
	if _, ok := h.byName[name]; ok {
		h.mu.Unlock()
		return nil, rpcerr.ErrExists
	}

	m := &Module{
		UUID:   uuid.NewString(),
		Name:   name,
		Tags:   message.NewTagPool(),
		state:  StateInit,
		Rx:     make(chan message.Message, rxBacklog),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		sentTo: make(map[string]struct{}),
	}
	h.byName[name] = m
	h.byUUID[m.UUID] = m
	h.mu.Unlock()

	m.setState(StateRunning)
	go h.run(m, main)
	return m, nil
}

func (h *Host) run(m *Module, main Main) {
	defer close(m.done)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-m.stopCh
		cancel()
	}()

	logger := log.WithModule(m.Name, m.UUID)
	logger.Info().Msg("module started")

	err := main(ctx, m)

	m.mu.Lock()
	m.exitErr = err
	m.state = StateExited
	m.mu.Unlock()
	h.teardown(m, err)

	if err != nil {
		logger.Error().Err(err).Msg("module exited with error")
	} else {
		logger.Info().Msg("module exited")
	}
}

func (h *Host) teardown(m *Module, runErr error) {
	h.mu.Lock()
	delete(h.byUUID, m.UUID)
	delete(h.byName, m.Name)
	h.mu.Unlock()

	removed := h.svc.RemoveByUUID(m.UUID)

	m.sentToMu.Lock()
	targets := make([]string, 0, len(m.sentTo))
	for name := range m.sentTo {
		targets = append(targets, name)
	}
	m.sentToMu.Unlock()

	for _, name := range targets {
		tag := m.Tags.Alloc()
		disconnect := message.Message{
			Type:     message.Request,
			Topic:    name + ".disconnect",
			Route:    message.RouteStack{m.UUID},
			Flags:    message.NoResponse,
			Matchtag: tag,
		}
		// Best-effort: a service that has already unregistered is not an
		// error here, the module is gone either way. NoResponse means no
		// reply will ever free the tag, so it is released as soon as the
		// request has been handed off.
		_ = h.svc.Send(disconnect)
		m.Tags.Free(tag)
	}

	stats := m.Tags.Close()
	if h.onTeardown != nil {
		h.onTeardown(m.Name, stats)
	}

	m.mu.Lock()
	waiters := m.pendingRmmod
	m.pendingRmmod = nil
	m.mu.Unlock()
	for _, w := range waiters {
		w <- runErr
	}

	if len(removed) > 0 {
		log.WithModule(m.Name, m.UUID).Info().Strs("services_removed", removed).Msg("service entries released")
	}
}

// Rmmod requests that the named module finalize and exit, blocking until
// it has. Calling Rmmod again on a module already finalizing joins the
// same wait rather than issuing a second stop signal. It returns
// rpcerr.ErrNotFound if name is not loaded.
func (h *Host) Rmmod(name string) error {
	h.mu.RLock()
	m, ok := h.byName[name]
	h.mu.RUnlock()
	if !ok {
		return rpcerr.ErrNotFound
	}
	return h.rmmod(m)
}

func (h *Host) rmmod(m *Module) error {
	m.mu.Lock()
	if m.state == StateExited {
		m.mu.Unlock()
		return nil
	}
	waiter := make(chan error, 1)
	m.pendingRmmod = append(m.pendingRmmod, waiter)
	alreadyFinalizing := m.state == StateFinalizing
	m.state = StateFinalizing
	m.mute = true
	m.mu.Unlock()

	if !alreadyFinalizing {
		m.stopOnce.Do(func() { close(m.stopCh) })
	}
	return <-waiter
}

// Dispatch delivers msg to the module identified by uuid. It returns
// rpcerr.ErrNotFound if no such module is loaded, and rpcerr.ErrBusy if
// the module is finalizing (muted) or its inbox is full.
func (h *Host) Dispatch(uuid string, msg message.Message) error {
	h.mu.RLock()
	m, ok := h.byUUID[uuid]
	h.mu.RUnlock()
	if !ok {
		return rpcerr.ErrNotFound
	}

	if m.Muted() {
		return rpcerr.ErrBusy
	}

	select {
	case m.Rx <- msg:
		return nil
	default:
		return rpcerr.ErrBusy
	}
}

// Info is a point-in-time snapshot of one loaded module, as returned by
// Lsmod.
type Info struct {
	UUID  string
	Name  string
	State State
}

// Lsmod lists every currently loaded module.
func (h *Host) Lsmod() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Info, 0, len(h.byName))
	for _, m := range h.byName {
		out = append(out, Info{UUID: m.UUID, Name: m.Name, State: m.State()})
	}
	return out
}

// Lookup returns the module registered under name, if any.
func (h *Host) Lookup(name string) (*Module, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.byName[name]
	return m, ok
}

// LookupUUID returns the module identified by uuid, if any loaded.
func (h *Host) LookupUUID(uuid string) (*Module, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.byUUID[uuid]
	return m, ok
}
