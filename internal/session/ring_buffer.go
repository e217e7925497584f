package session

import (
	"context"
	"io"
	"sync"

	"github.com/jamsocket/forevervm/internal/protocol"
)

const defaultOutputCapacity = 50

// outputBuffer is a fixed-capacity circular queue of output chunks for one
// instruction. Writes never block: when the reader lags and the buffer is
// full, the oldest chunk is overwritten and counted in dropped.
type outputBuffer struct {
	mu       sync.Mutex
	buf      []protocol.StandardOutput
	capacity int
	start    int // oldest unread chunk
	count    int
	dropped  uint64

	closed bool
	err    error // nil means the stream ended normally

	// notify is closed and replaced whenever a chunk arrives or the buffer
	// closes, waking any blocked reader.
	notify chan struct{}
}

func newOutputBuffer(capacity int) *outputBuffer {
	if capacity <= 0 {
		capacity = defaultOutputCapacity
	}
	return &outputBuffer{
		buf:      make([]protocol.StandardOutput, capacity),
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Write appends a chunk. Writes after close are ignored.
func (b *outputBuffer) Write(chunk protocol.StandardOutput) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	pos := (b.start + b.count) % b.capacity
	b.buf[pos] = chunk
	if b.count == b.capacity {
		b.start = (b.start + 1) % b.capacity
		b.dropped++
	} else {
		b.count++
	}
	b.wake()
}

// CloseWithError ends the stream. Buffered chunks stay readable; once they
// are drained Next returns err, or io.EOF when err is nil. Only the first
// close takes effect.
func (b *outputBuffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.wake()
}

func (b *outputBuffer) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Next returns the oldest unread chunk, blocking until one arrives, the
// stream ends, or ctx is done.
func (b *outputBuffer) Next(ctx context.Context) (protocol.StandardOutput, error) {
	for {
		b.mu.Lock()
		if b.count > 0 {
			chunk := b.buf[b.start]
			b.buf[b.start] = protocol.StandardOutput{}
			b.start = (b.start + 1) % b.capacity
			b.count--
			b.mu.Unlock()
			return chunk, nil
		}
		if b.closed {
			err := b.err
			b.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return protocol.StandardOutput{}, err
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return protocol.StandardOutput{}, ctx.Err()
		}
	}
}

// Dropped reports how many chunks were overwritten before being read.
func (b *outputBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
