// Package rpc exposes the session core over connectrpc.com/connect: a
// client-facing BusService for local processes and a b2b
// LinkService sibling daemons dial over h2c.
//
// This daemon's wire messages are DBus a{sv} dicts and tuples, not
// protobuf, and this environment has no protoc toolchain available to
// generate .pb.go stubs from scratch. Rather than fabricate hand-rolled
// proto.Message implementations, every request/response type here is a
// plain Go struct and jsonCodec below registers as Connect's "json" codec
// so connect.NewUnaryHandler carries them without needing protobuf at all.
// This keeps the real dependency (connectrpc.com/connect, h2c, grpchealth)
// and only swaps out the serialization, which Connect's Codec interface
// exists precisely to let callers do.
package rpc

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// jsonCodecName is the Connect codec name this package registers under.
// It intentionally shadows Connect's built-in "json" codec (which requires
// proto.Message) so every handler constructed with connect.WithCodec(jsonCodec{})
// uses encoding/json directly against plain structs.
const jsonCodecName = "json"

// jsonCodec implements connect.Codec against encoding/json, without
// requiring messages to implement proto.Message.
type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
 return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if err := json.Unmarshal(data, msg); err != nil {
 return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

// NewJSONCodec exposes jsonCodec to callers outside this package, namely
// busctl, which needs connect.WithCodec(rpc.NewJSONCodec) on the
// client side to speak the same wire format as BusService/LinkService.
func NewJSONCodec() connect.Codec { return jsonCodec{} }
