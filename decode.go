package a2abus

import "context"

// DecodePayload converts an opaque payload into T by round-tripping it through
// the Codec found in ctx, falling back to JSON when none was injected.
func DecodePayload[T any](ctx context.Context, p Payload) (T, error) {
	var v T
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	b, err := c.Marshal(p)
	if err != nil {
		return v, err
	}
	if err := c.Unmarshal(b, &v); err != nil {
		return v, err
	}
	return v, nil
}

// EncodePayload converts a typed value into a Payload using JSON field names.
func EncodePayload(v any) (Payload, error) {
	c := JSONCodec{}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := c.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return p, nil
}
