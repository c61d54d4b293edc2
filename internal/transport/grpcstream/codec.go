package grpcstream

import (
	"google.golang.org/grpc/encoding"

	"github.com/cory-johannsen/matchmaking/internal/protocol"
)

// CodecName is the gRPC content subtype of the matchmaking stream.
const CodecName = "cbor"

func init() {
	encoding.RegisterCodec(Codec{})
}

// RawMessage is an undecoded stream message. The server receives into it
// so that malformed input is answered with a BadRequestException rather
// than failing the stream.
type RawMessage []byte

// Codec is a gRPC codec carrying CBOR-encoded protocol messages. Values of
// type *RawMessage pass through unchanged.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	if raw, ok := v.(*RawMessage); ok {
		return *raw, nil
	}
	return protocol.CBORCodec{}.Marshal(v)
}

// Unmarshal implements encoding.Codec. gRPC may reuse data after this
// returns, so raw messages are copied.
func (Codec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return protocol.CBORCodec{}.Unmarshal(data, v)
}
