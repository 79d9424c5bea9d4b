// Package v1 is the wire contract of the coordination service: messages, the gRPC service
// description and the codec they travel with.
package v1

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// content subtype every call of the service uses, requests go out as application/grpc+json
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}
