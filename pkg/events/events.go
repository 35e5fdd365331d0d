package events

import (
	"encoding/base64"
	"sync"

	"github.com/cuemby/relaybroker/pkg/log"
	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/metrics"
	"github.com/cuemby/relaybroker/pkg/rpcerr"
)

// maxOutstandingPerOrigin bounds how many event.pub requests a single
// originating handle may have in flight before the Publisher starts
// rejecting new ones with ErrBusy. Grounded on the original publisher's
// senders list, which served the same backpressure role.
const maxOutstandingPerOrigin = 32

// Distributor is the downstream consumer of freshly sequenced events. The
// concrete implementation in this package satisfies it.
type Distributor interface {
	Distribute(m message.Message) error
}

// Publisher is the rank-0 sequencer for event.pub requests. There is
// exactly one Publisher per cluster: only rank 0 runs it, every other
// rank forwards unsequenced events upward until they arrive here.
type Publisher struct {
	mu  sync.Mutex
	seq uint32

	sendersMu sync.Mutex
	senders   map[string]int

	dist Distributor
}

// NewPublisher creates a Publisher that hands freshly sequenced events to
// dist. The sequence counter starts at 0 so the first published event
// receives sequence 1.
func NewPublisher(dist Distributor) *Publisher {
	return &Publisher{
		senders: make(map[string]int),
		dist:    dist,
	}
}

// Publish assigns the next sequence number to an event published by
// origin under topic, with the given flags and base64-encoded payload,
// and hands it to the Distributor. Only the Private flag is legal on an
// event.pub request; any other bit is a protocol error.
//
// If decoding the payload fails, the sequence is restored: nothing was
// ever handed to the Distributor, so the counter must not show a gap. If
// the Distributor itself fails — the event was sequenced but never
// reached a rank — the sequence is NOT restored: the assignment already
// happened and handing a later event the same number would violate the
// monotonicity invariant more severely than a loggable gap would.
func (p *Publisher) Publish(origin, topic string, flags message.Flags, payloadB64 string) (uint32, error) {
	if flags&^message.Private != 0 {
		return 0, rpcerr.ErrProtocol
	}

	if err := p.arm(origin); err != nil {
		metrics.PublisherBackpressureTotal.Inc()
		return 0, err
	}
	defer p.disarm(origin)

	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		p.mu.Lock()
		p.seq--
		p.mu.Unlock()
		return 0, rpcerr.ErrProtocol
	}

	m := message.Message{
		Type:     message.Event,
		Topic:    topic,
		Payload:  payload,
		Flags:    flags,
		Sequence: seq,
	}

	if err := p.dist.Distribute(m); err != nil {
		log.Logger.Warn().Err(err).Str("topic", topic).Uint32("seq", seq).Msg("event distribution failed after sequencing")
		return seq, err
	}
	metrics.EventsPublishedTotal.Inc()
	metrics.EventSequence.Set(float64(seq))
	return seq, nil
}

func (p *Publisher) arm(origin string) error {
	p.sendersMu.Lock()
	defer p.sendersMu.Unlock()
	if p.senders[origin] >= maxOutstandingPerOrigin {
		return rpcerr.ErrBusy
	}
	p.senders[origin]++
	return nil
}

func (p *Publisher) disarm(origin string) {
	p.sendersMu.Lock()
	defer p.sendersMu.Unlock()
	p.senders[origin]--
	if p.senders[origin] <= 0 {
		delete(p.senders, origin)
	}
}
