package overlay

import (
	"sync"

	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/rpcerr"
)

// Direction selects which way a message travels across the overlay.
type Direction int

const (
	// Up sends toward the parent. Fails with ErrUnreachable at rank 0.
	Up Direction = iota
	// Down sends toward the child whose subtree contains the message's
	// target rank.
	Down
	// AnyDirection lets the adapter choose UP or DOWN based on whether
	// the message's target rank lies in this rank's subtree.
	AnyDirection
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case AnyDirection:
		return "any"
	default:
		return "unknown"
	}
}

// Transport is the network capability the Adapter drives. The concrete
// implementation in grpc.go dials the parent and accepts child streams;
// tests substitute a fake.
type Transport interface {
	SendUp(m message.Message) error
	SendToChild(childUUID string, m message.Message) error
}

// ReceiveCallback is invoked by the transport whenever a message arrives
// from a parent or child link.
type ReceiveCallback func(m message.Message, from Direction)

// Config describes this broker's fixed position in the overlay tree.
type Config struct {
	Rank       int
	Size       int
	Arity      int // k in parent-of(r) = (r-1)/k
	ParentUUID string
	Transport  Transport
}

// Adapter is the broker's view of the overlay: its own rank, its parent
// and children's uuids, and the k-ary arithmetic needed to route a
// message toward an arbitrary target rank.
type Adapter struct {
	rank       int
	size       int
	k          int
	parentUUID string
	transport  Transport

	mu       sync.RWMutex
	children map[string]int // child uuid -> rank
	onRecv   ReceiveCallback
}

// New creates an Adapter for the given fixed tree position.
func New(cfg Config) *Adapter {
	return &Adapter{
		rank:       cfg.Rank,
		size:       cfg.Size,
		k:          cfg.Arity,
		parentUUID: cfg.ParentUUID,
		transport:  cfg.Transport,
		children:   make(map[string]int),
	}
}

// Rank returns this broker's own rank.
func (a *Adapter) Rank() int { return a.rank }

// SetTransport binds the adapter's outbound transport after construction.
// Needed because GRPCTransport itself holds a reference back to the
// Adapter it serves, so the two cannot be built in a single expression.
func (a *Adapter) SetTransport(t Transport) {
	a.mu.Lock()
	a.transport = t
	a.mu.Unlock()
}

// ParentRank returns r's parent rank in a k-ary tree, or -1 if r is root.
func ParentRank(k, r int) int {
	if r == 0 {
		return -1
	}
	return (r - 1) / k
}

// ChildRanks returns the ranks that would be r's immediate children in a
// k-ary tree bounded by size, in increasing order.
func ChildRanks(k, r, size int) []int {
	var out []int
	for i := 1; i <= k; i++ {
		c := k*r + i
		if c >= size {
			break
		}
		out = append(out, c)
	}
	return out
}

// isAncestor reports whether rank a is an ancestor of rank d (or equals
// it) by walking d's parent chain up to the root.
func isAncestor(k, a, d int) bool {
	for {
		if d == a {
			return true
		}
		if d == 0 {
			return a == 0
		}
		d = ParentRank(k, d)
	}
}

// AddChild registers uuid as the live connection for child rank.
func (a *Adapter) AddChild(uuid string, rank int) {
	a.mu.Lock()
	a.children[uuid] = rank
	a.mu.Unlock()
}

// RemoveChild drops a child connection, e.g. on disconnect.
func (a *Adapter) RemoveChild(uuid string) {
	a.mu.Lock()
	delete(a.children, uuid)
	a.mu.Unlock()
}

// ChildCount reports the number of live child connections, for metrics
// and overlay.topology introspection.
func (a *Adapter) ChildCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.children)
}

// IsParent reports whether uuid identifies this broker's parent link.
func (a *Adapter) IsParent(uuid string) bool {
	return uuid != "" && uuid == a.parentUUID
}

// IsChild reports whether uuid identifies one of this broker's children.
func (a *Adapter) IsChild(uuid string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.children[uuid]
	return ok
}

// OnReceive registers the callback invoked when a message arrives from
// the overlay. There is exactly one receiver per adapter: the router.
func (a *Adapter) OnReceive(cb ReceiveCallback) {
	a.mu.Lock()
	a.onRecv = cb
	a.mu.Unlock()
}

// Deliver hands an inbound message to the registered receive callback.
// Called by the transport, never by router code.
func (a *Adapter) Deliver(m message.Message, from Direction) {
	a.mu.RLock()
	cb := a.onRecv
	a.mu.RUnlock()
	if cb != nil {
		cb(m, from)
	}
}

// Send routes m across the overlay in the requested direction. It
// returns rpcerr.ErrUnreachable if the direction is impossible: UP from
// rank 0, DOWN to a rank no connected child's subtree contains, or
// DOWN/ANY with the wildcard nodeid. ANY to this broker's own rank is also
// unreachable; ANY to a rank outside this broker's subtree goes UP.
func (a *Adapter) Send(m message.Message, dir Direction) error {
	switch dir {
	case Up:
		return a.sendUp(m)
	case Down:
		return a.sendDown(m)
	case AnyDirection:
		return a.sendAny(m)
	default:
		return rpcerr.ErrProtocol
	}
}

func (a *Adapter) sendUp(m message.Message) error {
	if a.rank == 0 {
		return rpcerr.ErrUnreachable
	}
	a.mu.RLock()
	t := a.transport
	a.mu.RUnlock()
	return t.SendUp(m)
}

func (a *Adapter) sendDown(m message.Message) error {
	if m.Nodeid == message.Any {
		return rpcerr.ErrUnreachable
	}
	child, ok := a.childTowards(int(m.Nodeid))
	if !ok {
		return rpcerr.ErrUnreachable
	}
	a.mu.RLock()
	t := a.transport
	a.mu.RUnlock()
	return t.SendToChild(child, m)
}

func (a *Adapter) sendAny(m message.Message) error {
	if m.Nodeid == message.Any {
		return rpcerr.ErrUnreachable
	}
	target := int(m.Nodeid)
	if target == a.rank {
		return rpcerr.ErrUnreachable
	}
	if isAncestor(a.k, a.rank, target) {
		return a.sendDown(m)
	}
	return a.sendUp(m)
}

// childTowards finds the immediate child whose subtree contains target.
func (a *Adapter) childTowards(target int) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for uuid, rank := range a.children {
		if isAncestor(a.k, rank, target) {
			return uuid, true
		}
	}
	return "", false
}

// SendDown implements events.Overlay: it broadcasts m to every connected
// child, used by the Event Distributor's downstream fan-out. It returns
// the first error encountered, if any, but always attempts every child.
func (a *Adapter) SendDown(m message.Message) error {
	a.mu.RLock()
	uuids := make([]string, 0, len(a.children))
	for uuid := range a.children {
		uuids = append(uuids, uuid)
	}
	t := a.transport
	a.mu.RUnlock()

	var firstErr error
	for _, uuid := range uuids {
		if err := t.SendToChild(uuid, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
