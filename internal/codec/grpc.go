package codec

import "google.golang.org/grpc/encoding"

// Name is the gRPC content subtype served and requested by the cloud
// service ("application/grpc+cbor").
const Name = "cbor"

func init() {
	encoding.RegisterCodec(grpcCodec{})
}

type grpcCodec struct{}

func (grpcCodec) Marshal(v any) ([]byte, error) { return Marshal(v) }

func (grpcCodec) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }

func (grpcCodec) Name() string { return Name }
