/*
Package overlay implements the broker's overlay adapter: directional send
across the tree-based overlay network (TBON), parent/child uuid membership
tests, and the k-ary rank arithmetic that decides which child owns a given
target rank's subtree.

The adapter itself (Adapter, in overlay.go) is transport-agnostic — it
depends only on the small Transport interface, so routing-direction and
membership-math logic can be tested without a network. The concrete
transport (grpc.go) carries the same traffic over a real
google.golang.org/grpc connection: since no generated protobuf stubs for
this service exist in this tree, it hand-writes the grpc.ServiceDesc a
bidi-streaming method compiles to — the same shape protoc-gen-go-grpc has
produced for years — paired with a custom gob-based grpc.Codec (codec.go)
so a plain message.Message can travel over a real grpc.Server and
grpc.ClientConn without a .proto file.
*/
package overlay
