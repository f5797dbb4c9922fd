package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Message{
		{"hello": "world"},
		{"n": float64(42), "nested": map[string]interface{}{"a": []interface{}{float64(1), float64(2)}}},
		{},
	}

	for _, obj := range cases {
		var buf bytes.Buffer
		if err := NewFrameWriter(&buf).WriteFrame(obj); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := NewFrameReader(&buf).ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if len(got) != len(obj) {
			t.Fatalf("round trip mismatch: got %v want %v", got, obj)
		}
		for k, v := range obj {
			if !reflect.DeepEqual(got[k], v) {
				t.Fatalf("round trip mismatch on key %q: got %v want %v", k, got[k], v)
			}
		}
	}
}

func TestFrameReaderEOSOnCleanClose(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewFrameReader(&buf).ReadFrame()
	if !errors.Is(err, ErrEOS) {
		t.Fatalf("expected ErrEOS on empty stream, got %v", err)
	}
}

func TestFrameReaderRejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err := NewFrameReader(buf).ReadFrame()
	if !errors.Is(err, ErrZeroLengthFrame) {
		t.Fatalf("expected ErrZeroLengthFrame, got %v", err)
	}
}

func TestFrameReaderRejectsOversizedFrame(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := NewFrameReader(buf).ReadFrame()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameReaderMidFrameEOFIsFatal(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFrameWriter(&buf).WriteFrame(Message{"a": "b"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])
	_, err := NewFrameReader(truncated).ReadFrame()
	if err == nil || errors.Is(err, ErrEOS) {
		t.Fatalf("expected a fatal (non-EOS) error for a truncated frame, got %v", err)
	}
}
