// Package wire implements the broker's length-prefixed JSON frame codec,
// the bidirectional Channel built on it, and the session multiplexer layered
// above a single base Channel.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes is the default ceiling on a single frame's payload,
// matching the wire contract's 16 MiB bound.
const DefaultMaxFrameBytes = 16 << 20

// ErrEOS signals a clean end of stream: the peer closed the connection
// between frames. It is not a transport failure and must not be logged as
// one.
var ErrEOS = errors.New("wire: end of stream")

// ErrFrameTooLarge is returned when an incoming frame's declared length
// exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ErrZeroLengthFrame is returned for a frame whose declared length is zero,
// which the wire contract treats as invalid rather than an empty object.
var ErrZeroLengthFrame = errors.New("wire: zero-length frame")

// Message is a single JSON object exchanged over the wire.
type Message = map[string]interface{}

// FrameReader reads length-prefixed JSON objects from r.
type FrameReader struct {
	r            io.Reader
	maxFrameSize uint32
}

// NewFrameReader wraps r with the default maximum frame size.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, maxFrameSize: DefaultMaxFrameBytes}
}

// WithMaxFrameSize overrides the maximum accepted frame size.
func (fr *FrameReader) WithMaxFrameSize(n uint32) *FrameReader {
	fr.maxFrameSize = n
	return fr
}

// ReadFrame reads one length-prefixed frame and parses it as a JSON object.
// It returns ErrEOS if the stream ends cleanly before any bytes of a new
// frame are read.
func (fr *FrameReader) ReadFrame() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEOS
		}
		return nil, fmt.Errorf("wire: reading frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, ErrZeroLengthFrame
	}
	if n > fr.maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("wire: reading frame payload: %w", err)
	}

	var obj Message
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("wire: decoding frame: %w", err)
	}
	return obj, nil
}

// FrameWriter writes length-prefixed JSON objects to w.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes obj as JSON and writes it length-prefixed.
func (fw *FrameWriter) WriteFrame(obj Message) error {
	payload, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("wire: encoding frame: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: writing frame length: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing frame payload: %w", err)
	}
	return nil
}
