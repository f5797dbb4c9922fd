package wire

import (
	"io"
	"sync"
)

// Channel is a bidirectional, framed message stream: write(obj) frames and
// writes; read() reads and unframes; close() closes the underlying stream.
// Reads and writes may be called concurrently with each other, but each
// side serializes its own calls internally.
type Channel struct {
	reader *FrameReader
	writer *FrameWriter
	closer io.Closer

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewChannel builds a Channel over rwc, which must support concurrent
// independent read and write (as net.Conn does).
func NewChannel(rwc io.ReadWriteCloser) *Channel {
	return &Channel{
		reader: NewFrameReader(rwc),
		writer: NewFrameWriter(rwc),
		closer: rwc,
	}
}

// Read blocks for the next message, returning ErrEOS on a clean end of
// stream.
func (c *Channel) Read() (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.reader.ReadFrame()
}

// Write frames and sends obj.
func (c *Channel) Write(obj Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.WriteFrame(obj)
}

// Close closes the underlying stream. Any blocked Read returns promptly
// with an error (or ErrEOS, depending on how the transport reports
// concurrent closure).
func (c *Channel) Close() error {
	return c.closer.Close()
}
