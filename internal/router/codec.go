package router

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package and selected
// per-call via grpc.CallContentSubtype, letting this client speak
// gRPC's real framing and keepalive machinery without depending on
// protoc-generated message types.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("router: marshaling %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("router: unmarshaling into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
