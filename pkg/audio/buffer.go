package audio

import (
	"io"
	"log/slog"
	"sync"
)

// defaultHighWater is where buffered-but-unread audio stops being normal
// jitter and starts looking like a stalled recognizer: 10 s of 8 kHz
// 16 bit mono.
const defaultHighWater = 10 * 8000 * 2

// CaptureBuffer is the push-style buffer between the media ingest path and
// the speech recognizer. It has exactly one writer (Bridge.Ingest) and one
// reader (the recognition pump). Writes never block; if the reader falls
// behind, the buffer grows and logs once past the high-water mark.
type CaptureBuffer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte
	closed    bool
	highWater int
	warned    bool
	logger    *slog.Logger
}

// NewCaptureBuffer creates a buffer with the default high-water mark.
func NewCaptureBuffer(logger *slog.Logger) *CaptureBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &CaptureBuffer{
		highWater: defaultHighWater,
		logger:    logger,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends decoded PCM without ever blocking the media thread.
func (b *CaptureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	b.buf = append(b.buf, p...)
	if !b.warned && len(b.buf) > b.highWater {
		b.warned = true
		b.logger.Warn("capture_buffer_high_water",
			slog.Int("buffered_bytes", len(b.buf)),
			slog.Int("high_water", b.highWater))
	}
	b.cond.Signal()
	b.mu.Unlock()
	return len(p), nil
}

// Read blocks until audio is available or the buffer is closed, then
// drains as much as fits into p. After Close it serves remaining audio
// and then io.EOF.
func (b *CaptureBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) == 0 {
		if b.closed {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	if len(b.buf) == 0 {
		// Allow the backing array to be reclaimed between bursts.
		b.buf = nil
		b.warned = false
	}
	return n, nil
}

// Close releases the buffer and wakes a blocked reader. Idempotent.
func (b *CaptureBuffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

// Buffered reports how many bytes are waiting for the reader.
func (b *CaptureBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
