package router

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/relaybroker/pkg/events"
	"github.com/cuemby/relaybroker/pkg/message"
	"github.com/cuemby/relaybroker/pkg/module"
	"github.com/cuemby/relaybroker/pkg/overlay"
	"github.com/cuemby/relaybroker/pkg/rpcerr"
	"github.com/cuemby/relaybroker/pkg/service"
	"github.com/cuemby/relaybroker/pkg/subscription"
)

func newTestRouter(rank int) (*Router, *service.Switch, *module.Host, chan message.Message) {
	svc := service.New()
	modules := module.NewHost(svc)
	internal := make(chan message.Message, 8)
	ov := overlay.New(overlay.Config{Rank: rank, Size: 4, Arity: 2, ParentUUID: "parent-uuid", Transport: noopTransport{}})
	dist := events.NewDistributor(ov, subscription.New(), modules, nil)
	r := New(Config{
		Rank:           rank,
		Switch:         svc,
		Modules:        modules,
		Overlay:        ov,
		Distributor:    dist,
		InternalHandle: internal,
	})
	r.SetOnline(true)
	return r, svc, modules, internal
}

type noopTransport struct{}

func (noopTransport) SendUp(m message.Message) error                  { return nil }
func (noopTransport) SendToChild(childUUID string, m message.Message) error { return nil }

func TestRouteRequestLocalDispatchSuccess(t *testing.T) {
	r, svc, _, _ := newTestRouter(0)
	var handled bool
	require.NoError(t, svc.Add("job-manager", "", service.HandlerFunc(func(m message.Message) error {
		handled = true
		return nil
	})))

	r.RouteRequest(message.Message{Type: message.Request, Topic: "job-manager.list", Nodeid: 0})
	assert.True(t, handled)
}

func TestRouteRequestNoServiceProducesENOSYSResponse(t *testing.T) {
	r, _, _, internal := newTestRouter(0)
	r.RouteRequest(message.Message{Type: message.Request, Topic: "nope.do", Nodeid: 0})

	select {
	case resp := <-internal:
		assert.Equal(t, message.Response, resp.Type)
		assert.Contains(t, string(resp.Payload), strconv.Itoa(int(rpcerr.ENOSYS)))
		assert.Contains(t, string(resp.Payload), "No service matching nope.do is registered",
			"local dispatch ErrNoService must use the same message as every other no-service branch")
	default:
		t.Fatal("expected an error response on the internal handle")
	}
}

func TestRouteRequestNoResponseFlagSuppressesErrorReply(t *testing.T) {
	r, _, _, internal := newTestRouter(0)
	r.RouteRequest(message.Message{Type: message.Request, Topic: "nope.do", Nodeid: 0, Flags: message.NoResponse})

	select {
	case <-internal:
		t.Fatal("NORESPONSE request must not produce a reply")
	default:
	}
}

func TestRouteRequestOnlineGateRejectsDeepRoutes(t *testing.T) {
	r, svc, modules, _ := newTestRouter(0)
	r.SetOnline(false)
	require.NoError(t, svc.Add("x", "", service.HandlerFunc(func(message.Message) error { return nil })))

	// The connector hop is a loaded module, so the EAGAIN response that
	// unwinds the route stack is delivered to its inbox.
	block := make(chan struct{})
	defer close(block)
	connector, err := modules.Insmod("connector", func(ctx context.Context, self *module.Module) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	req := message.Message{Type: message.Request, Topic: "x.y", Nodeid: 0, Route: message.RouteStack{"client", connector.UUID}}
	r.RouteRequest(req)

	select {
	case resp := <-connector.Rx:
		assert.Equal(t, message.Response, resp.Type)
	default:
		t.Fatal("expected EAGAIN response")
	}
}

func TestRouteRequestOnlineGateAllowsShallowRoutes(t *testing.T) {
	r, svc, _, _ := newTestRouter(0)
	r.SetOnline(false)
	var handled bool
	require.NoError(t, svc.Add("x", "", service.HandlerFunc(func(message.Message) error {
		handled = true
		return nil
	})))

	req := message.Message{Type: message.Request, Topic: "x.y", Nodeid: 0, Route: message.RouteStack{"module-uuid"}}
	r.RouteRequest(req)
	assert.True(t, handled, "depth-1 requests are never gated by online state")
}

func TestRouteResponseEmptyStackGoesToInternalHandle(t *testing.T) {
	r, _, _, internal := newTestRouter(0)
	r.RouteResponse(message.Message{Type: message.Response, Topic: "x"})

	select {
	case resp := <-internal:
		assert.Equal(t, "x", resp.Topic)
	default:
		t.Fatal("expected delivery to internal handle")
	}
}

func TestRouteResponseToParent(t *testing.T) {
	r, _, _, _ := newTestRouter(1)
	// parent-uuid is configured as this router's overlay parent; sending
	// should not panic and should consume the route stack entry.
	r.RouteResponse(message.Message{Type: message.Response, Topic: "x", Route: message.RouteStack{"parent-uuid"}})
}

func TestRouteResponseToUnknownModuleIsSilentlyDropped(t *testing.T) {
	r, _, _, _ := newTestRouter(0)
	// Neither parent nor child nor a loaded module: Dispatch returns
	// ErrNotFound, which must not panic or log as an error.
	r.RouteResponse(message.Message{Type: message.Response, Topic: "x", Route: message.RouteStack{"ghost-uuid"}})
}

func TestRouteEventDeliversToDistributor(t *testing.T) {
	r, _, _, _ := newTestRouter(0)
	r.RouteEvent(message.Message{Type: message.Event, Topic: "a", Sequence: 1})
	// No panic, no assertion on internal distributor state needed here —
	// Distribute's own behavior is covered by the events package tests.
}

func TestRouteRequestErrorFromHandlerIsSurfaced(t *testing.T) {
	r, svc, _, internal := newTestRouter(0)
	require.NoError(t, svc.Add("x", "", service.HandlerFunc(func(message.Message) error {
		return rpcerr.ErrBusy
	})))

	r.RouteRequest(message.Message{Type: message.Request, Topic: "x.y", Nodeid: 0})
	select {
	case resp := <-internal:
		assert.Equal(t, message.Response, resp.Type)
	default:
		t.Fatal("expected an error response")
	}
}
