// Package api defines the walletd gRPC service: wire messages, a JSON codec, the
// service descriptor and a typed client.
package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the wallet API.
const CodecName = "json"

// Codec marshals messages as JSON.
type Codec struct{}

func init() { encoding.RegisterCodec(Codec{}) }

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return CodecName }
