package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestFrameEncoder_RoundTripMessages(t *testing.T) {
	data, err := MarshalData(map[string]any{"name": "auth", "file": "zkey"})
	if err != nil {
		t.Fatal(err)
	}
	messages := []*Message{
		{Type: KindRequest, ID: "1", Method: "circuits.get", Data: data},
		{Type: KindStreamOpen, ID: "0b7c", Method: "files.load", Data: data},
		{Type: KindChunk, ID: "0b7c", Chunk: []byte{0, 1, 2, 3}},
		{Type: KindEnd, ID: "0b7c"},
		{Type: KindResponse, ID: "1", Error: "no handler for method: x", Code: "no_handler"},
		{Type: KindEvent, Method: "event"},
	}

	var buf bytes.Buffer
	enc := NewFrameEncoder(&buf)
	for _, m := range messages {
		if err := enc.WriteMessage(m); err != nil {
			t.Fatalf("WriteMessage(%s): %v", m.Type, err)
		}
	}

	dec := NewFrameDecoder(&buf)
	for i, want := range messages {
		got, err := dec.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if got.Type != want.Type || got.ID != want.ID || got.Method != want.Method ||
			got.Error != want.Error || got.Code != want.Code || !bytes.Equal(got.Chunk, want.Chunk) {
			t.Errorf("message %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := dec.ReadFrame(); err != io.EOF {
		t.Errorf("after last frame err = %v, want io.EOF", err)
	}
}

func TestFrameEncoder_SingleWriteLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFrameEncoder(&buf).WriteFrame([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	got := buf.Bytes()
	if len(got) != LengthPrefixSize+3 {
		t.Fatalf("frame length = %d", len(got))
	}
	if n := binary.BigEndian.Uint32(got[:LengthPrefixSize]); n != 3 {
		t.Errorf("prefix = %d, want 3", n)
	}
}

func TestMessage_DataRoundTrip(t *testing.T) {
	type descriptor struct {
		URL     string `msgpack:"url"`
		Version string `msgpack:"version"`
	}
	raw, err := MarshalData(descriptor{URL: "https://x/a.wasm", Version: "4"})
	if err != nil {
		t.Fatal(err)
	}
	payload, err := EncodeMessage(&Message{Type: KindRequest, ID: "9", Method: "m", Data: raw})
	if err != nil {
		t.Fatal(err)
	}
	m, err := DecodeMessage(payload)
	if err != nil {
		t.Fatal(err)
	}
	var out descriptor
	if err := UnmarshalData(m.Data, &out); err != nil {
		t.Fatal(err)
	}
	if out.URL != "https://x/a.wasm" || out.Version != "4" {
		t.Errorf("decoded data = %+v", out)
	}
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"request ok", Message{Type: KindRequest, ID: "1", Method: "ping"}, false},
		{"request without method", Message{Type: KindRequest, ID: "1"}, true},
		{"stream open without id", Message{Type: KindStreamOpen, Method: "files.load"}, true},
		{"chunk without id", Message{Type: KindChunk}, true},
		{"end ok", Message{Type: KindEnd, ID: "s"}, false},
		{"event ok", Message{Type: KindEvent, Method: "event"}, false},
		{"event without method", Message{Type: KindEvent}, true},
		{"unknown type", Message{Type: "bogus", ID: "1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeMessage_RejectsInvalid(t *testing.T) {
	_, err := EncodeMessage(&Message{Type: KindChunk})
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameErrorInvalid {
		t.Fatalf("err = %v, want FrameErrorInvalid", err)
	}
	if fe.IsFatal() {
		t.Error("invalid message must not be fatal")
	}
}

func TestFrameDecoder_TooLarge(t *testing.T) {
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], MaxPayloadSize+1)

	_, err := NewFrameDecoder(bytes.NewReader(prefix[:])).ReadFrame()
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameErrorTooLarge {
		t.Fatalf("err = %v, want FrameErrorTooLarge", err)
	}
	if !IsFatalFrameError(err) {
		t.Error("oversized frame should be fatal")
	}
}

func TestFrameEncoder_TooLarge(t *testing.T) {
	err := NewFrameEncoder(io.Discard).WriteFrame(make([]byte, MaxPayloadSize+1))
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameErrorTooLarge {
		t.Fatalf("err = %v, want FrameErrorTooLarge", err)
	}
}

func TestFrameDecoder_Partial(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"partial prefix", []byte{0, 0}},
		{"partial payload", []byte{0, 0, 0, 10, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFrameDecoder(bytes.NewReader(tt.input)).ReadFrame()
			var fe *FrameError
			if !errors.As(err, &fe) || fe.Kind != FrameErrorPartial {
				t.Fatalf("err = %v, want FrameErrorPartial", err)
			}
			if !fe.IsFatal() {
				t.Error("partial frame should be fatal")
			}
		})
	}
}

func TestDecodeMessage_Garbage(t *testing.T) {
	_, err := DecodeMessage([]byte{0xc1})
	var fe *FrameError
	if !errors.As(err, &fe) || fe.Kind != FrameErrorDecode {
		t.Fatalf("err = %v, want FrameErrorDecode", err)
	}
	if IsFatalFrameError(err) {
		t.Error("decode error should not be fatal")
	}

	payload, _ := msgpack.Marshal(map[string]any{"type": "request"})
	if _, err := DecodeMessage(payload); !errors.As(err, &fe) || fe.Kind != FrameErrorInvalid {
		t.Errorf("err = %v, want FrameErrorInvalid", err)
	}
}
