package quota

import "encoding/json"

// jsonCodec is a grpc encoding.Codec that marshals request and response
// messages as JSON. The quota protocol is a single unary RPC with flat
// messages, so JSON framing keeps the client free of generated stubs
// while still riding gRPC's multiplexed HTTP/2 transport.
type jsonCodec struct{}

// Marshal implements encoding.Codec.
func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements encoding.Codec.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name implements encoding.Codec.
func (jsonCodec) Name() string {
	return "json"
}
