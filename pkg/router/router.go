package router

import (
	"errors"
	"sync/atomic"

	"github.com/cuemby/relaybroker/pkg/events"
	"github.com/cuemby/relaybroker/pkg/log"
	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/metrics"
	"github.com/cuemby/relaybroker/pkg/module"
	"github.com/cuemby/relaybroker/pkg/overlay"
	"github.com/cuemby/relaybroker/pkg/rpcerr"
	"github.com/cuemby/relaybroker/pkg/service"
)

// notOnlineMessage is the fixed, human-readable body of the EAGAIN
// response a client-originated request receives before the broker has
// finished its own startup sequence.
const notOnlineMessage = "broker is still initializing, retry"

// Config wires a Router to the components it glues together.
type Config struct {
	Rank           int
	Switch         *service.Switch
	Modules        *module.Host
	Overlay        *overlay.Adapter
	Distributor    *events.Dist
	InternalHandle chan<- message.Message
}

// Router is the broker's top-level dispatcher. It holds no state of its
// own beyond the online gate; every routing decision reads the
// collaborators it was built with.
type Router struct {
	rank           int
	svc            *service.Switch
	modules        *module.Host
	overlay        *overlay.Adapter
	distributor    *events.Dist
	internalHandle chan<- message.Message

	online atomic.Bool
}

// New creates a Router. It registers itself as the overlay adapter's
// receive callback.
func New(cfg Config) *Router {
	r := &Router{
		rank:           cfg.Rank,
		svc:            cfg.Switch,
		modules:        cfg.Modules,
		overlay:        cfg.Overlay,
		distributor:    cfg.Distributor,
		internalHandle: cfg.InternalHandle,
	}
	if cfg.Overlay != nil {
		cfg.Overlay.OnReceive(func(m message.Message, from overlay.Direction) {
			r.Dispatch(m)
		})
	}
	return r
}

// SetOnline flips the broker's online super-state. Before it is set, the
// router rejects client-forwarded requests with EAGAIN; requests
// originating from the broker itself or a local module are never gated.
func (r *Router) SetOnline(online bool) { r.online.Store(online) }

// Online reports the broker's current online super-state.
func (r *Router) Online() bool { return r.online.Load() }

// Dispatch routes m according to its type. It is the single entry point
// every source — the overlay, a module's outbound channel, or the
// broker's own internal handle — funnels messages through.
func (r *Router) Dispatch(m message.Message) {
	switch m.Type {
	case message.Request:
		r.RouteRequest(m)
	case message.Response:
		r.RouteResponse(m)
	case message.Event:
		r.RouteEvent(m)
	case message.Keepalive:
		// Liveness/handshake frames are consumed by the transport layer;
		// nothing reaches here as a keepalive in steady state.
	}
}

// RouteRequest implements the request-routing algorithm: decide whether
// to dispatch locally, forward UP, or let the overlay choose, trying each
// fallback in the order the protocol specifies. Any terminal failure
// synthesizes and routes an error response; RouteRequest itself never
// returns an error to its caller.
func (r *Router) RouteRequest(m message.Message) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RouteDuration)

	if !r.Online() && m.Route.Depth() > 1 {
		metrics.RequestsRoutedTotal.WithLabelValues("not_online").Inc()
		r.respond(m, m.Errorf(int(rpcerr.EAGAIN), "%s", notOnlineMessage))
		return
	}

	selfRank := message.Rank(r.rank)

	switch {
	case m.Flags.Has(message.Upstream) && m.Nodeid == selfRank:
		if err := r.overlay.Send(m, overlay.Up); err != nil {
			metrics.RequestsRoutedTotal.WithLabelValues("no_service").Inc()
			r.respondNoService(m)
			return
		}
		metrics.RequestsRoutedTotal.WithLabelValues("forwarded_up").Inc()

	case (m.Flags.Has(message.Upstream) && m.Nodeid != selfRank) || m.Nodeid == message.Any:
		err := r.svc.Send(m)
		switch {
		case err == nil:
			metrics.RequestsRoutedTotal.WithLabelValues("success").Inc()
		case errors.Is(err, rpcerr.ErrNoService):
			if upErr := r.overlay.Send(m, overlay.Up); upErr != nil {
				// EHOSTUNREACH remapped to ENOSYS: from the client's
				// point of view "nowhere to forward to" and "no handler
				// registered" are the same outcome.
				metrics.RequestsRoutedTotal.WithLabelValues("no_service").Inc()
				r.respondNoService(m)
				return
			}
			metrics.RequestsRoutedTotal.WithLabelValues("forwarded_up").Inc()
		default:
			metrics.RequestsRoutedTotal.WithLabelValues("error").Inc()
			r.respondErr(m, err)
		}

	case m.Nodeid == selfRank:
		switch err := r.svc.Send(m); {
		case err == nil:
			metrics.RequestsRoutedTotal.WithLabelValues("success").Inc()
		case errors.Is(err, rpcerr.ErrNoService):
			metrics.RequestsRoutedTotal.WithLabelValues("no_service").Inc()
			r.respondNoService(m)
		default:
			metrics.RequestsRoutedTotal.WithLabelValues("error").Inc()
			r.respondErr(m, err)
		}

	default:
		if err := r.overlay.Send(m, overlay.AnyDirection); err != nil {
			metrics.RequestsRoutedTotal.WithLabelValues("no_service").Inc()
			r.respondNoService(m)
			return
		}
		metrics.RequestsRoutedTotal.WithLabelValues("forwarded_any").Inc()
	}
}

func (r *Router) respondNoService(m message.Message) {
	r.respond(m, m.Errorf(int(rpcerr.ENOSYS), "No service matching %s is registered", m.Topic))
}

func (r *Router) respondErr(m message.Message, err error) {
	r.respond(m, m.Errorf(int(rpcerr.Of(err)), "%s", err.Error()))
}

func (r *Router) respond(req message.Message, resp message.Message) {
	if req.Flags.Has(message.NoResponse) {
		return
	}
	r.RouteResponse(resp)
}

// RouteResponse delivers a response along the reverse path recorded in
// its route stack: to the internal handle if the stack is empty, else to
// whichever of parent, child, or local module owns the next uuid.
// Delivery failures are never turned into another response — there is no
// such thing as a response to a response.
func (r *Router) RouteResponse(m message.Message) {
	logger := log.WithComponent("router")

	if m.Route.Depth() == 0 {
		select {
		case r.internalHandle <- m:
		default:
			logger.Warn().Str("topic", m.Topic).Msg("internal handle full, response dropped")
		}
		return
	}

	tail, rest, _ := m.Route.Pop()
	next := m.WithRoute(rest)

	switch {
	case r.overlay.IsParent(tail):
		if err := r.overlay.Send(next, overlay.Up); err != nil {
			logger.Warn().Err(err).Str("topic", m.Topic).Msg("failed to deliver response upstream")
		}
	case r.overlay.IsChild(tail):
		if err := r.overlay.Send(next, overlay.Down); err != nil {
			logger.Warn().Err(err).Str("topic", m.Topic).Msg("failed to deliver response downstream")
		}
	default:
		if err := r.modules.Dispatch(tail, next); err != nil {
			if errors.Is(err, rpcerr.ErrNotFound) {
				// The module that would have received this response has
				// already exited; dropping it silently is the documented
				// behavior, not a bug.
				metrics.ResponsesDroppedTotal.Inc()
				return
			}
			logger.Warn().Err(err).Str("topic", m.Topic).Str("module", tail).Msg("failed to deliver response to module")
		}
	}
}

// RouteEvent hands an already-sequenced EVENT message to this rank's
// Distributor. Events only ever reach the router pre-sequenced: an
// event.pub request is routed as an ordinary request until it reaches
// rank 0's Publisher, which is what produces the EVENT message in the
// first place.
func (r *Router) RouteEvent(m message.Message) {
	if err := r.distributor.Distribute(m); err != nil {
		log.WithComponent("router").Warn().Err(err).Str("topic", m.Topic).Msg("event distribution failed")
	}
}
