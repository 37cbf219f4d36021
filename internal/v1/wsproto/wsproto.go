// Package wsproto implements the binary compact-object envelope carried over
// the single bidirectional channel per client, per spec.md §6: every
// message is `{event, ackId, payload}`, msgpack-encoded.
package wsproto

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

var mpHandle codec.MsgpackHandle

// Envelope is the wire frame for both client-to-server requests and
// server-to-client events/acks. AckID is empty for fire-and-forget events
// (e.g. room:action, presence:update) and carries the client's correlation
// id for request/response pairs (room:join, room:command, ...).
type Envelope struct {
	Event   string `codec:"event"`
	AckID   string `codec:"ackId,omitempty"`
	Payload []byte `codec:"payload"`
}

// Encode serializes payload into a msgpack Envelope ready to write to the
// connection.
func Encode(event, ackID string, payload any) ([]byte, error) {
	inner, err := marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for event %q: %w", event, err)
	}

	env := Envelope{Event: event, AckID: ackID, Payload: inner}
	out, err := marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope for event %q: %w", event, err)
	}
	return out, nil
}

// Decode reads the envelope from a raw message. Callers then pass
// env.Payload to DecodePayload against the concrete request type for
// env.Event.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

// DecodePayload decodes an envelope's payload into dst.
func DecodePayload(payload []byte, dst any) error {
	if err := unmarshal(payload, dst); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

func marshal(v any) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshal(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, &mpHandle)
	return dec.Decode(v)
}
