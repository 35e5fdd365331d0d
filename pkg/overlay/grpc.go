package overlay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/relaybroker/pkg/log"
	"github.com/cuemby/relaybroker/pkg/message"
)

// Peer authentication across the overlay link is explicitly out of scope
// for this component (credentials travel in-message and only the service
// switch's Authorize reads them, not the transport); the link is dialed
// and served with insecure.NewCredentials rather than wiring mTLS here.

const linkServiceName = "relaybroker.overlay.Link"
const linkMethodName = "/" + linkServiceName + "/Link"

// linkServer is what a concrete server-side handler implements; grpc's
// generated stubs normally spell this out per RPC, here there is exactly
// one bidi-streaming method.
type linkServer interface {
	Link(stream LinkStream) error
}

// LinkStream is the bidi-streaming handle both client and server sides
// present, mirroring the shape protoc-gen-go-grpc emits for a streaming
// RPC — Send/Recv over the embedded grpc stream, typed to message.Message
// instead of a generated proto type.
type LinkStream interface {
	Send(*message.Message) error
	Recv() (*message.Message, error)
}

type serverLinkStream struct {
	grpc.ServerStream
}

func (s *serverLinkStream) Send(m *message.Message) error { return s.ServerStream.SendMsg(m) }

func (s *serverLinkStream) Recv() (*message.Message, error) {
	m := new(message.Message)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type clientLinkStream struct {
	grpc.ClientStream
}

func (c *clientLinkStream) Send(m *message.Message) error { return c.ClientStream.SendMsg(m) }

func (c *clientLinkStream) Recv() (*message.Message, error) {
	m := new(message.Message)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func linkHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(linkServer).Link(&serverLinkStream{stream})
}

// linkServiceDesc is hand-written in place of a .proto-generated
// grpc.ServiceDesc: one bidi-streaming method, a single handler. This
// shape is stable across grpc-go versions, which keeps the risk of
// imitating generated code by hand low.
var linkServiceDesc = grpc.ServiceDesc{
	ServiceName: linkServiceName,
	HandlerType: (*linkServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Link",
			Handler:       linkHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "overlay.proto",
}

// GRPCTransport is the grpc-backed implementation of the Transport
// interface: a server accepting one Link stream per child, and a client
// stream to the parent (absent at rank 0).
type GRPCTransport struct {
	adapter *Adapter

	mu           sync.RWMutex
	childStreams map[string]LinkStream

	server     *grpc.Server
	parentConn *grpc.ClientConn
	parentLink LinkStream
}

// NewGRPCTransport creates a transport bound to adapter. Call Listen to
// accept children and DialParent to connect upward; adapter.Deliver is
// invoked for every message read off either side.
func NewGRPCTransport(adapter *Adapter) *GRPCTransport {
	return &GRPCTransport{
		adapter:      adapter,
		childStreams: make(map[string]LinkStream),
	}
}

// Link implements linkServer: one invocation per child connection. The
// child's first frame is expected to carry its uuid in Route[0]; every
// subsequent frame is delivered to the adapter as an UPSTREAM-direction
// message (from the adapter's perspective, it arrived from below).
func (t *GRPCTransport) Link(stream LinkStream) error {
	hello, err := stream.Recv()
	if err != nil {
		return err
	}
	childUUID, ok := hello.Route.Head()
	if !ok {
		return fmt.Errorf("overlay: link handshake missing child uuid")
	}
	childRank := int(hello.Nodeid)

	t.mu.Lock()
	t.childStreams[childUUID] = stream
	t.mu.Unlock()
	t.adapter.AddChild(childUUID, childRank)
	defer func() {
		t.mu.Lock()
		delete(t.childStreams, childUUID)
		t.mu.Unlock()
		t.adapter.RemoveChild(childUUID)
	}()

	logger := log.WithComponent("overlay-link")
	for {
		m, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			logger.Warn().Err(err).Str("child", childUUID).Msg("link read failed")
			return err
		}
		t.adapter.Deliver(*m, Down)
	}
}

// Listen starts accepting child connections on addr.
func (t *GRPCTransport) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("overlay: listen %s: %w", addr, err)
	}
	t.server = grpc.NewServer(grpc.Creds(insecure.NewCredentials()))
	t.server.RegisterService(&linkServiceDesc, t)
	go func() {
		if err := t.server.Serve(lis); err != nil {
			log.WithComponent("overlay-link").Error().Err(err).Msg("overlay server exited")
		}
	}()
	return nil
}

// Stop gracefully shuts the listening server down, if any.
func (t *GRPCTransport) Stop() {
	if t.server != nil {
		t.server.GracefulStop()
	}
	if t.parentConn != nil {
		t.parentConn.Close()
	}
}

// DialParent connects upward to addr, identifying this broker as selfUUID
// at selfRank in the handshake frame, and starts a goroutine delivering
// every frame the parent sends back down.
func (t *GRPCTransport) DialParent(addr, selfUUID string, selfRank int) error {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return fmt.Errorf("overlay: dial parent %s: %w", addr, err)
	}

	stream, err := conn.NewStream(context.Background(), &linkServiceDesc.Streams[0], linkMethodName,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		conn.Close()
		return fmt.Errorf("overlay: open link to parent %s: %w", addr, err)
	}
	link := &clientLinkStream{stream}

	hello := message.Message{Type: message.Keepalive, Route: message.RouteStack{selfUUID}, Nodeid: message.Rank(selfRank)}
	if err := link.Send(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("overlay: handshake with parent %s: %w", addr, err)
	}

	t.parentConn = conn
	t.parentLink = link

	go func() {
		logger := log.WithComponent("overlay-link")
		for {
			m, err := link.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				logger.Warn().Err(err).Msg("parent link read failed")
				return
			}
			t.adapter.Deliver(*m, Up)
		}
	}()
	return nil
}

// SendUp implements overlay.Transport.
func (t *GRPCTransport) SendUp(m message.Message) error {
	t.mu.RLock()
	link := t.parentLink
	t.mu.RUnlock()
	if link == nil {
		return fmt.Errorf("overlay: no parent link established")
	}
	return link.Send(&m)
}

// SendToChild implements overlay.Transport.
func (t *GRPCTransport) SendToChild(childUUID string, m message.Message) error {
	t.mu.RLock()
	link, ok := t.childStreams[childUUID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("overlay: no link for child %s", childUUID)
	}
	return link.Send(&m)
}
