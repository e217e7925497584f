package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/jamsocket/forevervm/internal/protocol"
)

func makeChunk(seq int) protocol.StandardOutput {
	return protocol.StandardOutput{
		Stream: protocol.Stdout,
		Data:   fmt.Sprintf("line-%d", seq),
		Seq:    protocol.OutputSeq(seq),
	}
}

// drain closes b and reads every buffered chunk.
func drain(t *testing.T, b *outputBuffer) []protocol.StandardOutput {
	t.Helper()
	b.CloseWithError(nil)

	var chunks []protocol.StandardOutput
	for {
		chunk, err := b.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestOutputBuffer_EmptyRead(t *testing.T) {
	b := newOutputBuffer(10)
	if chunks := drain(t, b); len(chunks) != 0 {
		t.Errorf("expected empty buffer, got %d chunks", len(chunks))
	}
}

func TestOutputBuffer_PartialFill(t *testing.T) {
	b := newOutputBuffer(10)
	for i := 0; i < 5; i++ {
		b.Write(makeChunk(i))
	}

	chunks := drain(t, b)
	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		expected := fmt.Sprintf("line-%d", i)
		if c.Data != expected {
			t.Errorf("chunk %d: expected %s, got %s", i, expected, c.Data)
		}
	}
}

func TestOutputBuffer_Overflow(t *testing.T) {
	b := newOutputBuffer(5)
	for i := 0; i < 8; i++ {
		b.Write(makeChunk(i))
	}

	chunks := drain(t, b)
	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(chunks))
	}

	// Should have chunks 3,4,5,6,7 (oldest dropped).
	for i, c := range chunks {
		if c.Seq != protocol.OutputSeq(i+3) {
			t.Errorf("chunk %d: expected seq %d, got %d", i, i+3, c.Seq)
		}
	}
	if b.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", b.Dropped())
	}
}

func TestOutputBuffer_ExactCapacity(t *testing.T) {
	b := newOutputBuffer(3)
	for i := 0; i < 3; i++ {
		b.Write(makeChunk(i))
	}

	chunks := drain(t, b)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if b.Dropped() != 0 {
		t.Errorf("expected nothing dropped, got %d", b.Dropped())
	}
}

func TestOutputBuffer_NextDrainsBeforeEOF(t *testing.T) {
	b := newOutputBuffer(4)
	b.Write(makeChunk(0))
	b.Write(makeChunk(1))
	b.CloseWithError(nil)
	b.Write(makeChunk(2)) // ignored after close

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		c, err := b.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if c.Seq != protocol.OutputSeq(i) {
			t.Errorf("expected seq %d, got %d", i, c.Seq)
		}
	}
	if _, err := b.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
	if _, err := b.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF to repeat, got %v", err)
	}
}

func TestOutputBuffer_CloseWithError(t *testing.T) {
	b := newOutputBuffer(4)
	b.Write(makeChunk(0))
	b.CloseWithError(ErrInstructionInterrupted)

	if _, err := b.Next(context.Background()); err != nil {
		t.Fatalf("expected buffered chunk first, got %v", err)
	}
	if _, err := b.Next(context.Background()); !errors.Is(err, ErrInstructionInterrupted) {
		t.Errorf("expected interruption, got %v", err)
	}
}

func TestOutputBuffer_NextBlocksUntilWrite(t *testing.T) {
	b := newOutputBuffer(4)

	got := make(chan protocol.StandardOutput, 1)
	go func() {
		c, err := b.Next(context.Background())
		if err == nil {
			got <- c
		}
	}()

	time.Sleep(20 * time.Millisecond)
	b.Write(makeChunk(7))

	select {
	case c := <-got:
		if c.Seq != 7 {
			t.Errorf("expected seq 7, got %d", c.Seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Next")
	}
}

func TestOutputBuffer_NextHonoursContext(t *testing.T) {
	b := newOutputBuffer(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
