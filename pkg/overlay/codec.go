package overlay

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is the grpc content-subtype this package registers its codec
// under. Every call across the overlay link must set
// grpc.CallContentSubtype(codecName) so client and server negotiate the
// same wire format — there is no .proto file and no generated
// proto.Message type behind message.Message, so the default protobuf
// codec cannot carry it.
const codecName = "gob"

// gobCodec marshals values with encoding/gob instead of protobuf. This is
// the one piece of the grpc stack this package cannot borrow from a
// generated stub: plain Go structs need an encoding.Codec that does not
// require them to implement proto.Message.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
