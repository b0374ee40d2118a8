package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	msgs := []Message{
		{Type: MsgRequestIdentities},
		{Type: MsgSignRequest, Payload: []byte{1, 2, 3}},
		Failure(),
		Success(),
		{Type: 99, Payload: []byte("opaque payload for an unknown type")},
	}

	for _, want := range msgs {
		got, n, err := Decode(want.Encode())
		if err != nil {
			t.Fatalf("type %d: %v", want.Type, err)
		}
		if n != len(want.Encode()) {
			t.Errorf("type %d: consumed %d of %d bytes", want.Type, n, len(want.Encode()))
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("type %d: message did not survive roundtrip", want.Type)
		}
	}
}

func TestDecodeIncomplete(t *testing.T) {
	full := Message{Type: MsgSignRequest, Payload: []byte{1, 2, 3}}.Encode()
	for i := 0; i < len(full); i++ {
		_, n, err := Decode(full[:i])
		if err != nil {
			t.Fatalf("prefix of %d bytes: %v", i, err)
		}
		if n != 0 {
			t.Fatalf("prefix of %d bytes: consumed %d", i, n)
		}
	}
}

func TestDecodeZeroLength(t *testing.T) {
	_, _, err := Decode([]byte{0, 0, 0, 0})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeOversized(t *testing.T) {
	_, _, err := Decode([]byte{0xff, 0xff, 0xff, 0xff})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeConsumesExactly(t *testing.T) {
	first := Message{Type: MsgRequestIdentities}.Encode()
	second := Message{Type: MsgLock, Payload: []byte("pw")}.Encode()
	buf := append(append([]byte{}, first...), second...)

	msg, n, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgRequestIdentities || n != len(first) {
		t.Fatalf("first decode consumed %d, type %d", n, msg.Type)
	}

	msg, n, err = Decode(buf[n:])
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgLock || n != len(second) {
		t.Fatalf("second decode consumed %d, type %d", n, msg.Type)
	}
}

func TestReadWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	want := Message{Type: MsgSignResponse, Payload: []byte("sig")}
	if err := WriteMessage(&buf, want); err != nil {
		t.Fatal(err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
		t.Error("message did not survive stream roundtrip")
	}

	// A clean close reads as io.EOF.
	if _, err := ReadMessage(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadMessageTruncatedFrame(t *testing.T) {
	// Declared length 10, only 3 payload bytes present.
	r := bytes.NewReader([]byte{0, 0, 0, 10, 11, 1, 2})
	_, err := ReadMessage(r)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestReadMessageZeroLength(t *testing.T) {
	r := bytes.NewReader([]byte{0, 0, 0, 0})
	_, err := ReadMessage(r)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
