package containmentpb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec is the wire codec for the Containment service. LockdownRequest
// and LockdownResponse are plain JSON-tagged structs, not protoc-gen-go
// output implementing proto.Message — the protoc toolchain is unavailable
// in this build, and hand-authoring a correct proto.Message (descriptor
// bytes and all) without it isn't realistic. grpc-go's default "proto"
// codec type-asserts every message to proto.Message before marshaling, so
// it cannot carry these structs; jsonCodec is forced on both ends instead
// (grpc.ForceCodec on the client, grpc.ForceServerCodec on the server) so a
// call never falls back to content-type negotiation and the default codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "containment-json" }

// Codec is the shared codec instance internal/containment's client and
// server both force for Containment RPCs.
var Codec = jsonCodec{}

func init() {
	encoding.RegisterCodec(Codec)
}
