package audio

import (
	"testing"
	"time"
)

func TestSchedulerWholeChunks(t *testing.T) {
	scheduler := NewScheduler("sess-1", 16000, 1600)

	chunks := scheduler.Submit(make([]float32, 1600))
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk from exact-size submit, got %d", len(chunks))
	}

	chunk := chunks[0]
	if chunk.Sequence != 0 {
		t.Errorf("Expected sequence 0, got %d", chunk.Sequence)
	}
	if chunk.SessionID != "sess-1" {
		t.Errorf("Expected session sess-1, got %s", chunk.SessionID)
	}
	if len(chunk.Samples) != 1600 {
		t.Errorf("Expected 1600 samples, got %d", len(chunk.Samples))
	}
	if chunk.Terminal {
		t.Error("Regular chunk must not be terminal")
	}

	// 100ms at 16kHz, within one-sample rounding.
	if d := chunk.Duration(); d != 100*time.Millisecond {
		t.Errorf("Expected 100ms duration, got %v", d)
	}
}

func TestSchedulerPartialBuffering(t *testing.T) {
	scheduler := NewScheduler("sess-1", 16000, 1600)

	chunks := scheduler.Submit(make([]float32, 1000))
	if len(chunks) != 0 {
		t.Fatalf("Expected no chunks from partial submit, got %d", len(chunks))
	}
	if scheduler.PendingSamples() != 1000 {
		t.Errorf("Expected 1000 pending samples, got %d", scheduler.PendingSamples())
	}

	chunks = scheduler.Submit(make([]float32, 1000))
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk after completing a period, got %d", len(chunks))
	}
	if scheduler.PendingSamples() != 400 {
		t.Errorf("Expected 400 pending samples, got %d", scheduler.PendingSamples())
	}
}

func TestSchedulerMultipleChunksOneSubmit(t *testing.T) {
	scheduler := NewScheduler("sess-1", 16000, 1600)

	chunks := scheduler.Submit(make([]float32, 5*1600+37))
	if len(chunks) != 5 {
		t.Fatalf("Expected 5 chunks, got %d", len(chunks))
	}

	for i, chunk := range chunks {
		if chunk.Sequence != uint64(i) {
			t.Errorf("Chunk %d: expected sequence %d, got %d", i, i, chunk.Sequence)
		}
	}
	if scheduler.PendingSamples() != 37 {
		t.Errorf("Expected 37 pending samples, got %d", scheduler.PendingSamples())
	}
}

func TestSchedulerSamplesAreCopied(t *testing.T) {
	scheduler := NewScheduler("sess-1", 16000, 4)

	input := []float32{1, 2, 3, 4}
	chunks := scheduler.Submit(input)
	input[0] = 99

	if chunks[0].Samples[0] != 1 {
		t.Error("Chunk samples must be independent of the caller's slice")
	}
}

func TestSchedulerFlushTerminal(t *testing.T) {
	scheduler := NewScheduler("sess-1", 16000, 1600)

	scheduler.Submit(make([]float32, 700))
	chunk := scheduler.Flush()
	if chunk == nil {
		t.Fatal("Expected terminal chunk from Flush")
	}

	if !chunk.Terminal {
		t.Error("Flushed chunk must be tagged terminal")
	}
	if len(chunk.Samples) != 1600 {
		t.Errorf("Terminal chunk must be padded to 1600 samples, got %d", len(chunk.Samples))
	}
	for i := 700; i < 1600; i++ {
		if chunk.Samples[i] != 0 {
			t.Fatalf("Expected zero padding at sample %d, got %f", i, chunk.Samples[i])
		}
	}

	if scheduler.Flush() != nil {
		t.Error("Second Flush with nothing pending must return nil")
	}
}

func TestSchedulerSequenceMonotonicAcrossFlush(t *testing.T) {
	scheduler := NewScheduler("sess-1", 16000, 100)

	scheduler.Submit(make([]float32, 250))
	terminal := scheduler.Flush()
	if terminal.Sequence != 2 {
		t.Errorf("Expected terminal sequence 2, got %d", terminal.Sequence)
	}

	if scheduler.ChunksEmitted() != 3 {
		t.Errorf("Expected 3 chunks emitted, got %d", scheduler.ChunksEmitted())
	}
}
