package broker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/relaybroker/pkg/config"
	"github.com/cuemby/relaybroker/pkg/diag"
	"github.com/cuemby/relaybroker/pkg/events"
	"github.com/cuemby/relaybroker/pkg/log"
	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/metrics"
	"github.com/cuemby/relaybroker/pkg/module"
	"github.com/cuemby/relaybroker/pkg/overlay"
	"github.com/cuemby/relaybroker/pkg/router"
	"github.com/cuemby/relaybroker/pkg/service"
	"github.com/cuemby/relaybroker/pkg/subscription"
)

// parentLinkUUID is the fixed uuid this broker's Adapter uses to recognize
// its own parent connection. There is exactly one such link per broker, so
// a negotiated identifier buys nothing a constant doesn't already give.
const parentLinkUUID = "parent"

// brokerOwner mirrors events.brokerOwner: the reserved subscription-registry
// key for the broker's own internal-handle subscriptions, kept here too so
// broker.sub/broker.unsub can tell a broker-owned subscription from a
// module-owned one when the owner in a request's route stack is empty.
const brokerOwner = "broker"

// Config bundles a broker's attribute store with the local filesystem
// location of its diagnostics database.
type Config struct {
	*config.Config
	DiagDir string
}

// Broker is a single running broker process: every package this module
// builds, wired together and addressable through one handle, in place of
// the package-level globals a C broker would reach for.
type Broker struct {
	cfg Config

	selfUUID string

	svc       *service.Switch
	modules   *module.Host
	subs      *subscription.Registry
	overlay   *overlay.Adapter
	transport *overlay.GRPCTransport
	publisher *events.Publisher
	dist      *events.Dist
	router    *router.Router
	diag      *diag.Store
	collector *metrics.Collector

	internalHandle chan message.Message
	stopInternal   chan struct{}

	regMu    sync.Mutex
	registry map[string]module.Main
}

// NewBroker wires a Broker from cfg but does not yet start listening or
// dialing its parent; call Start for that.
func NewBroker(cfg Config) (*Broker, error) {
	diagStore, err := diag.Open(cfg.DiagDir)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	svc := service.New()
	modules := module.NewHost(svc)
	modules.OnTeardown(func(name string, stats message.TeardownStats) {
		if err := diagStore.RecordTeardown(name, stats); err != nil {
			log.WithComponent("broker").Warn().Err(err).Str("module", name).Msg("failed to persist matchtag teardown stats")
		}
	})
	subs := subscription.New()
	internalHandle := make(chan message.Message, 256)

	ov := overlay.New(overlay.Config{
		Rank:       cfg.Rank,
		Size:       cfg.Size,
		Arity:      cfg.Arity,
		ParentUUID: parentLinkUUID,
	})
	transport := overlay.NewGRPCTransport(ov)
	ov.SetTransport(transport)

	requeue := func(m message.Message) {
		select {
		case internalHandle <- m:
		default:
			log.WithComponent("broker").Warn().Str("topic", m.Topic).Msg("internal handle full, broker subscription delivery dropped")
		}
	}
	dist := events.NewDistributor(ov, subs, modules, requeue)

	var publisher *events.Publisher
	if cfg.IsRoot() {
		publisher = events.NewPublisher(dist)
	}

	rtr := router.New(router.Config{
		Rank:           cfg.Rank,
		Switch:         svc,
		Modules:        modules,
		Overlay:        ov,
		Distributor:    dist,
		InternalHandle: internalHandle,
	})

	collector := metrics.NewCollector(modules, svc, subs, ov, cfg.Online)

	b := &Broker{
		cfg:            cfg,
		selfUUID:       uuid.NewString(),
		svc:            svc,
		modules:        modules,
		subs:           subs,
		overlay:        ov,
		transport:      transport,
		publisher:      publisher,
		dist:           dist,
		router:         rtr,
		diag:           diagStore,
		collector:      collector,
		internalHandle: internalHandle,
		stopInternal:   make(chan struct{}),
		registry:       make(map[string]module.Main),
	}
	b.registerBuiltins()
	return b, nil
}

// RegisterModule makes main loadable under name by a future broker.insmod
// request. There is no dlopen equivalent for a statically linked Go binary,
// so every module this broker can ever load must be registered up front.
func (b *Broker) RegisterModule(name string, main module.Main) {
	b.regMu.Lock()
	b.registry[name] = main
	b.regMu.Unlock()
}

func (b *Broker) lookupModuleMain(name string) (module.Main, bool) {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	main, ok := b.registry[name]
	return main, ok
}

// Start begins routing: it opens the overlay listener, dials the parent
// unless this broker is rank 0, starts the metrics collector, flips the
// online super-state, and begins draining the internal handle.
func (b *Broker) Start() error {
	logger := log.WithComponent("broker").With().Int("rank", b.cfg.Rank).Logger()

	if err := b.transport.Listen(b.cfg.ListenAddr); err != nil {
		metrics.RegisterComponent("overlay", false, err.Error())
		return fmt.Errorf("broker: start overlay listener: %w", err)
	}

	if !b.cfg.IsRoot() {
		if err := b.transport.DialParent(b.cfg.ParentURI, b.selfUUID, b.cfg.Rank); err != nil {
			metrics.RegisterComponent("overlay", false, err.Error())
			return fmt.Errorf("broker: dial parent: %w", err)
		}
	}
	metrics.RegisterComponent("overlay", true, "")
	metrics.RegisterComponent("router", true, "")
	metrics.RegisterComponent("modules", true, "")

	b.collector.Start()
	go b.drainInternal()

	b.router.SetOnline(true)
	b.cfg.SetOnline(true)
	metrics.OverlayOnline.Set(1)

	logger.Info().Msg("broker online")
	return nil
}

// Stop unwinds a Broker: it rmmods every loaded module, stops the metrics
// collector and overlay transport, and closes the diagnostics store. It
// does not wait for in-flight requests beyond what module teardown already
// guarantees.
func (b *Broker) Stop() {
	logger := log.WithComponent("broker")

	b.router.SetOnline(false)
	b.cfg.SetOnline(false)

	for _, info := range b.modules.Lsmod() {
		if err := b.modules.Rmmod(info.Name); err != nil {
			logger.Warn().Err(err).Str("module", info.Name).Msg("rmmod during shutdown failed")
		}
	}

	b.collector.Stop()
	close(b.stopInternal)
	b.transport.Stop()

	if err := b.diag.Close(); err != nil {
		logger.Warn().Err(err).Msg("diag store close failed")
	}

	logger.Info().Msg("broker stopped")
}

// drainInternal consumes messages routed to this broker's own internal
// handle: responses with an empty route stack, and events the broker has
// subscribed itself to via broker.sub. Neither case currently has a
// consumer beyond diagnostics, so both are logged at debug level.
func (b *Broker) drainInternal() {
	logger := log.WithComponent("broker")
	for {
		select {
		case m := <-b.internalHandle:
			logger.Debug().Str("topic", m.Topic).Str("type", m.Type.String()).Msg("internal handle message")
		case <-b.stopInternal:
			return
		}
	}
}

// reply routes resp along req's reverse path, honoring req's NoResponse
// flag. Every built-in handler that answers synchronously uses this
// instead of calling router.RouteResponse directly, mirroring the
// ownership convention: returning nil from Handle means the handler itself
// routes its own response.
func (b *Broker) reply(req, resp message.Message) {
	if req.Flags.Has(message.NoResponse) {
		return
	}
	b.router.RouteResponse(resp)
}

func (b *Broker) replyErr(req message.Message, errno int, format string, args ...interface{}) {
	b.reply(req, req.Errorf(errno, format, args...))
}
