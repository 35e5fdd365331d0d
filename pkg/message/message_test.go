package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteStackPushPop(t *testing.T) {
	var s RouteStack
	s = s.Push("a").Push("b").Push("c")
	require.Equal(t, 3, s.Depth())

	head, ok := s.Head()
	require.True(t, ok)
	assert.Equal(t, "a", head)

	tail, rest, ok := s.Pop()
	require.True(t, ok)
	assert.Equal(t, "c", tail)
	assert.Equal(t, RouteStack{"a", "b"}, rest)

	// original stack is untouched by Pop (value semantics)
	assert.Equal(t, 3, s.Depth())
}

func TestRouteStackPopEmpty(t *testing.T) {
	var s RouteStack
	_, _, ok := s.Pop()
	assert.False(t, ok)
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := Message{
		Topic:   "foo.bar",
		Payload: []byte("hello"),
		Route:   RouteStack{"x", "y"},
	}
	clone := m.Clone()
	clone.Payload[0] = 'H'
	clone.Route = clone.Route.Push("z")

	assert.Equal(t, byte('h'), m.Payload[0], "mutating the clone must not affect the original")
	assert.Equal(t, 2, m.Route.Depth())
}

func TestMessageRespondMirrorsRouteAndMatchtag(t *testing.T) {
	req := Message{
		Type:     Request,
		Topic:    "foo.bar",
		Matchtag: 42,
		Route:    RouteStack{"a", "b"},
	}
	resp := req.Respond([]byte("ok"))
	assert.Equal(t, Response, resp.Type)
	assert.Equal(t, uint32(42), resp.Matchtag)
	assert.Equal(t, req.Route, resp.Route)
}

func TestTagPoolAllocFreeRoundTrip(t *testing.T) {
	p := NewTagPool()
	var tags []uint32
	for i := 0; i < 10; i++ {
		tag := p.Alloc()
		require.NotEqual(t, NoneMatchtag, tag)
		tags = append(tags, tag)
	}
	assert.Equal(t, 10, p.Outstanding())
	assert.Equal(t, 10, p.HighWater())

	for _, tag := range tags {
		p.Free(tag)
	}
	assert.Equal(t, 0, p.Outstanding())
	assert.Equal(t, 10, p.HighWater(), "high-water mark must survive frees")
}

func TestTagPoolFreeUnknownIsNoop(t *testing.T) {
	p := NewTagPool()
	assert.NotPanics(t, func() { p.Free(9999) })
	assert.Equal(t, 0, p.Outstanding())
}

func TestTagPoolCloseReportsLeaks(t *testing.T) {
	p := NewTagPool()
	tag := p.Alloc()
	stats := p.Close()
	assert.Equal(t, 1, stats.Outstanding)
	assert.Equal(t, []uint32{tag}, stats.Leaked)
}
