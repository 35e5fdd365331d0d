package overlay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/rpcerr"
)

type fakeTransport struct {
	up      []message.Message
	toChild map[string][]message.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{toChild: make(map[string][]message.Message)}
}

func (f *fakeTransport) SendUp(m message.Message) error {
	f.up = append(f.up, m)
	return nil
}

func (f *fakeTransport) SendToChild(childUUID string, m message.Message) error {
	f.toChild[childUUID] = append(f.toChild[childUUID], m)
	return nil
}

func TestParentAndChildRankArithmetic(t *testing.T) {
	assert.Equal(t, -1, ParentRank(2, 0))
	assert.Equal(t, 0, ParentRank(2, 1))
	assert.Equal(t, 0, ParentRank(2, 2))
	assert.Equal(t, 1, ParentRank(2, 3))

	assert.Equal(t, []int{1, 2}, ChildRanks(2, 0, 10))
	assert.Equal(t, []int{3, 4}, ChildRanks(2, 1, 10))
	assert.Empty(t, ChildRanks(2, 5, 6), "child ranks beyond size must be excluded")
}

func TestSendUpFromRootIsUnreachable(t *testing.T) {
	a := New(Config{Rank: 0, Size: 4, Arity: 2, Transport: newFakeTransport()})
	err := a.Send(message.Message{}, Up)
	assert.True(t, errors.Is(err, rpcerr.ErrUnreachable))
}

func TestSendUpFromNonRoot(t *testing.T) {
	tr := newFakeTransport()
	a := New(Config{Rank: 1, Size: 4, Arity: 2, ParentUUID: "root", Transport: tr})
	require.NoError(t, a.Send(message.Message{Topic: "x"}, Up))
	assert.Len(t, tr.up, 1)
}

func TestSendDownRoutesToCorrectChildSubtree(t *testing.T) {
	tr := newFakeTransport()
	a := New(Config{Rank: 0, Size: 7, Arity: 2, Transport: tr})
	a.AddChild("child-1", 1)
	a.AddChild("child-2", 2)

	// rank 5 is in child-2's subtree: for k=2, parent(5)=(5-1)/2=2.
	// (parent(3)=1, parent(4)=1, parent(5)=2, parent(6)=2.)
	require.NoError(t, a.Send(message.Message{Nodeid: 5}, Down))
	assert.Len(t, tr.toChild["child-2"], 1)
	assert.Empty(t, tr.toChild["child-1"])
}

func TestSendDownToUnknownSubtreeIsUnreachable(t *testing.T) {
	a := New(Config{Rank: 0, Size: 7, Arity: 2, Transport: newFakeTransport()})
	a.AddChild("child-1", 1)
	err := a.Send(message.Message{Nodeid: 99}, Down)
	assert.True(t, errors.Is(err, rpcerr.ErrUnreachable))
}

func TestSendAnyChoosesDirectionByNodeid(t *testing.T) {
	tr := newFakeTransport()
	a := New(Config{Rank: 1, Size: 7, Arity: 2, ParentUUID: "root", Transport: tr})
	a.AddChild("child-3", 3)
	a.AddChild("child-4", 4)

	// rank 3 is a descendant of rank 1 -> DOWN to child-3
	require.NoError(t, a.Send(message.Message{Nodeid: 3}, AnyDirection))
	assert.Len(t, tr.toChild["child-3"], 1)

	// rank 0 is an ancestor of rank 1 -> UP
	require.NoError(t, a.Send(message.Message{Nodeid: 0}, AnyDirection))
	assert.Len(t, tr.up, 1)
}

func TestSendAnyWithWildcardNodeidIsUnreachable(t *testing.T) {
	a := New(Config{Rank: 1, Size: 4, Arity: 2, ParentUUID: "root", Transport: newFakeTransport()})
	err := a.Send(message.Message{Nodeid: message.Any}, AnyDirection)
	assert.True(t, errors.Is(err, rpcerr.ErrUnreachable))
}

func TestIsParentIsChild(t *testing.T) {
	a := New(Config{Rank: 1, Size: 4, Arity: 2, ParentUUID: "root", Transport: newFakeTransport()})
	a.AddChild("c1", 3)
	assert.True(t, a.IsParent("root"))
	assert.False(t, a.IsParent("c1"))
	assert.True(t, a.IsChild("c1"))
	assert.False(t, a.IsChild("root"))

	a.RemoveChild("c1")
	assert.False(t, a.IsChild("c1"))
}

func TestSendDownBroadcastsToEveryChild(t *testing.T) {
	tr := newFakeTransport()
	a := New(Config{Rank: 0, Size: 7, Arity: 2, Transport: tr})
	a.AddChild("c1", 1)
	a.AddChild("c2", 2)

	require.NoError(t, a.SendDown(message.Message{Topic: "evt"}))
	assert.Len(t, tr.toChild["c1"], 1)
	assert.Len(t, tr.toChild["c2"], 1)
}

func TestDeliverInvokesRegisteredCallback(t *testing.T) {
	a := New(Config{Rank: 0, Size: 2, Arity: 2, Transport: newFakeTransport()})
	var got message.Message
	var gotDir Direction
	a.OnReceive(func(m message.Message, from Direction) {
		got = m
		gotDir = from
	})
	a.Deliver(message.Message{Topic: "hi"}, Down)
	assert.Equal(t, "hi", got.Topic)
	assert.Equal(t, Down, gotDir)
}
