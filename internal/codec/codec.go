// Package codec serializes event payloads. The event registry and the bus
// share one Codec so that bodies written by a publisher decode on the
// consumer side without knowing the concrete type up front.
package codec

import "encoding/json"

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// ContentType is carried on the wire next to the payload.
	ContentType() string
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) ContentType() string             { return "application/json" }

// Default is the codec used when none is configured.
var Default Codec = JSONCodec{}
