package ipc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind discriminates protocol messages.
type Kind string

const (
	// KindRequest asks the peer to run a method. ID is the correlation id.
	KindRequest Kind = "request"
	// KindResponse answers a request with Data, or with Error and Code.
	KindResponse Kind = "response"
	// KindStreamOpen asks the peer to run a streaming method. ID is the stream id.
	KindStreamOpen Kind = "stream_open"
	// KindChunk carries one piece of a stream in Chunk.
	KindChunk Kind = "chunk"
	// KindEnd terminates a stream successfully.
	KindEnd Kind = "end"
	// KindError terminates a stream with Error and Code.
	KindError Kind = "error"
	// KindEvent is a fire-and-forget notification.
	KindEvent Kind = "event"
)

// Message is the single wire shape for every frame.
type Message struct {
	Type   Kind               `msgpack:"type"`
	ID     string             `msgpack:"id,omitempty"`
	Method string             `msgpack:"method,omitempty"`
	Data   msgpack.RawMessage `msgpack:"data,omitempty"`
	Chunk  []byte             `msgpack:"chunk,omitempty"`
	Error  string             `msgpack:"error,omitempty"`
	Code   string             `msgpack:"code,omitempty"`
}

// Validate checks the fields each kind requires.
func (m *Message) Validate() error {
	switch m.Type {
	case KindRequest, KindStreamOpen:
		if m.ID == "" || m.Method == "" {
			return fmt.Errorf("%s requires id and method", m.Type)
		}
	case KindResponse, KindChunk, KindEnd, KindError:
		if m.ID == "" {
			return fmt.Errorf("%s requires id", m.Type)
		}
	case KindEvent:
		if m.Method == "" {
			return fmt.Errorf("event requires method")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// EncodeMessage validates and msgpack-encodes m.
func EncodeMessage(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, &FrameError{Kind: FrameErrorInvalid, Msg: "invalid message", Err: err}
	}
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode message", Err: err}
	}
	return payload, nil
}

// DecodeMessage decodes and validates a payload.
func DecodeMessage(payload []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode message",
			Err:  err,
		}
	}
	if err := m.Validate(); err != nil {
		return nil, &FrameError{Kind: FrameErrorInvalid, Msg: "invalid message", Err: err}
	}
	return &m, nil
}

// MarshalData encodes v for the Data field. A nil v yields nil.
func MarshalData(v any) (msgpack.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return b, nil
}

// UnmarshalData decodes a Data field into v. Empty data leaves v untouched.
func UnmarshalData(data msgpack.RawMessage, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
