package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes messages for one transport.
type Codec interface {
	// Name identifies the codec, e.g. as a gRPC content subtype.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is used for text transports such as WebSocket.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Marshal implements Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// cborEnc uses Core Deterministic Encoding so identical messages produce
// identical bytes.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec is used for binary transports: TCP, UDP and gRPC. Struct
// fields are keyed by their json tag names.
type CBORCodec struct{}

// Name implements Codec.
func (CBORCodec) Name() string { return "cbor" }

// Marshal implements Codec.
func (CBORCodec) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

// Unmarshal implements Codec.
func (CBORCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }

// DecodeRequest decodes a request envelope. Payload validation is left to
// the handler that claims the request, so unknown kinds still reach the
// dispatcher.
//
// Postcondition: Returns a Request with a non-empty Kind, or an error
// wrapping ErrBadRequest. When the envelope decodes but names no kind, the
// decoded request is returned with the error so its RequestID can still
// be echoed.
func DecodeRequest(c Codec, data []byte) (*Request, error) {
	var req Request
	if err := c.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: decoding %s request: %v", ErrBadRequest, c.Name(), err)
	}
	if req.Kind == "" {
		return &req, BadRequestf("request kind is empty")
	}
	return &req, nil
}
