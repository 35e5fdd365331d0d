package events

import (
	"sync"

	"github.com/cuemby/relaybroker/pkg/log"
	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/metrics"
	"github.com/cuemby/relaybroker/pkg/subscription"
)

// brokerOwner is the reserved subscription-registry owner key for the
// broker's own internal-handle subscription set, as distinct from a
// module uuid.
const brokerOwner = "broker"

// Overlay is the downward send capability the Distributor needs; the full
// overlay contract lives in package overlay, this is the minimal slice.
type Overlay interface {
	SendDown(m message.Message) error
}

// ModuleDispatcher delivers a message into a loaded module's inbox.
type ModuleDispatcher interface {
	Dispatch(uuid string, m message.Message) error
}

// EventHandler requeues an event onto the broker's own internal handle.
type EventHandler func(m message.Message)

// Dist is the per-rank Event Distributor: it observes every event that
// reaches this rank — whether it arrived from a parent or was just
// sequenced locally by the Publisher on rank 0 — and is responsible for
// per-rank dedup, gap logging, downstream fan-out, and local delivery.
type Dist struct {
	mu       sync.Mutex
	lastSeen uint32

	overlay Overlay
	subs    *subscription.Registry
	modules ModuleDispatcher
	requeue EventHandler
}

// NewDistributor creates a Distributor wired to the broker's overlay
// adapter, its combined broker/module subscription registry, its module
// host, and a requeue callback onto the internal handle.
func NewDistributor(overlay Overlay, subs *subscription.Registry, modules ModuleDispatcher, requeue EventHandler) *Dist {
	return &Dist{
		overlay: overlay,
		subs:    subs,
		modules: modules,
		requeue: requeue,
	}
}

// Distribute processes one sequenced event for this rank: dedup, gap log,
// downstream fan-out (unless Private), broker-subscription requeue (first
// match wins), and module multicast.
func (d *Dist) Distribute(m message.Message) error {
	logger := log.WithComponent("event-distributor")

	d.mu.Lock()
	switch {
	case d.lastSeen > 0 && m.Sequence <= d.lastSeen:
		d.mu.Unlock()
		metrics.EventsDroppedDuplicateTotal.Inc()
		logger.Debug().Uint32("seq", m.Sequence).Str("topic", m.Topic).Msg("duplicate event dropped")
		return nil
	case d.lastSeen > 0 && m.Sequence > d.lastSeen+1:
		logger.Warn().Uint32("from", d.lastSeen+1).Uint32("to", m.Sequence-1).Msg("lost event range")
	}
	d.lastSeen = m.Sequence
	d.mu.Unlock()

	if !m.Flags.Has(message.Private) && d.overlay != nil {
		if err := d.overlay.SendDown(m); err != nil {
			logger.Warn().Err(err).Str("topic", m.Topic).Msg("event fan-out to children failed")
		}
	}

	if d.subs.MatchesOwner(brokerOwner, m.Topic) && d.requeue != nil {
		d.requeue(m)
	}

	for _, uuid := range d.subs.Matches(m.Topic) {
		if uuid == brokerOwner {
			continue
		}
		if err := d.modules.Dispatch(uuid, m); err != nil {
			logger.Debug().Err(err).Str("uuid", uuid).Str("topic", m.Topic).Msg("event multicast to module skipped")
		}
	}

	metrics.EventsDistributedTotal.Inc()
	return nil
}

// LastSeen returns the highest sequence number observed so far, mainly
// for diagnostics and tests.
func (d *Dist) LastSeen() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}
