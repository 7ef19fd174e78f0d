// Package wire describes the gRPC agent stream. Frames travel as raw JSON
// bytes under a "json" content subtype, so no generated message types are
// involved.
package wire

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	CodecName    = "json"
	ServiceName  = "silofleet.AgentService"
	StreamName   = "Stream"
	StreamMethod = "/" + ServiceName + "/" + StreamName
)

// Frame carries one encoded protocol frame.
type Frame struct {
	Data []byte
}

// Codec passes *Frame payloads through untouched and falls back to JSON for
// anything else.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	if f, ok := v.(*Frame); ok {
		return f.Data, nil
	}
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*Frame); ok {
		// the transport may reuse data after Unmarshal returns
		f.Data = append(f.Data[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}

// StreamDesc is the single bidirectional stream of the agent service.
var StreamDesc = grpc.StreamDesc{
	StreamName:    StreamName,
	ServerStreams: true,
	ClientStreams: true,
}
