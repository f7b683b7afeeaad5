package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1024 * 1024
	// DefaultKeepAliveInterval sends a ping on every channel this often.
	DefaultKeepAliveInterval = 25 * time.Second
	// DefaultKeepAliveTimeout waits this long past the interval for any
	// inbound traffic before the channel is declared dead.
	DefaultKeepAliveTimeout = 20 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultAckTimeout bounds how long a client waits for an ack.
	DefaultAckTimeout = 15 * time.Second
	// DefaultRequestTimeout bounds server-side handling of one request.
	DefaultRequestTimeout = 10 * time.Second
)

const (
	EventRoomsJoin   = "rooms:join"
	EventMessageSend = "message:send"
	EventMessageNew  = "message:new"
	EventAck         = "ack"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidEvent indicates the event name is missing or unknown.
	ErrInvalidEvent = errors.New("network: invalid event")
)

// Frame is one JSON text message on a channel. Requests carry a non-zero
// Seq which the matching ack echoes back.
type Frame struct {
	Event string          `json:"event"`
	Seq   uint64          `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeJSON marshals a protocol value.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// EncodeFrame builds a frame payload for event with data as its body.
func EncodeFrame(event string, seq uint64, data any) ([]byte, error) {
	if event == "" {
		return nil, ErrInvalidEvent
	}
	body, err := EncodeJSON(data)
	if err != nil {
		return nil, err
	}
	payload, err := EncodeJSON(Frame{Event: event, Seq: seq, Data: body})
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// DecodeFrame parses one inbound frame.
func DecodeFrame(payload []byte) (Frame, error) {
	if len(payload) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Event == "" {
		return Frame{}, ErrInvalidEvent
	}
	return frame, nil
}

// DecodeData unmarshals a frame body into out.
func (f Frame) DecodeData(out any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("decode %s payload: empty body", f.Event)
	}
	if err := json.Unmarshal(f.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return nil
}
