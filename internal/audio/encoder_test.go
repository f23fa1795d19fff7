package audio

import (
	"io"
	"log"
	"testing"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func sineish(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%100)/200 - 0.25
	}
	return out
}

func collect(ch <-chan Chunk) []Chunk {
	var out []Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestEncoderSequenceContiguous(t *testing.T) {
	enc := NewEncoder(testLogger())
	in := make(chan RawFrame, 64)

	// 2 seconds of 16 kHz input in 1600-sample frames: no resampling, so
	// exactly 20 full 100 ms chunks.
	for i := 0; i < 20; i++ {
		in <- RawFrame{Samples: sineish(1600), SampleRate: 16000, Index: uint64(i)}
	}
	close(in)

	chunks := collect(enc.Run(in))
	if len(chunks) != 20 {
		t.Fatalf("got %d chunks, want 20", len(chunks))
	}
	for i, c := range chunks {
		if c.Sequence != i {
			t.Errorf("chunk %d has sequence %d, want %d", i, c.Sequence, i)
		}
		if c.SampleRate != TargetSampleRate {
			t.Errorf("chunk %d sample rate = %d, want %d", i, c.SampleRate, TargetSampleRate)
		}
		if len(c.PCM) != 1600*BytesPerSample {
			t.Errorf("chunk %d has %d bytes, want %d", i, len(c.PCM), 1600*BytesPerSample)
		}
	}
}

func TestEncoderResamplesTo16k(t *testing.T) {
	enc := NewEncoder(testLogger())
	in := make(chan RawFrame, 64)

	// 1 second of 48 kHz audio must come out as ~1 second of 16 kHz audio.
	for i := 0; i < 10; i++ {
		in <- RawFrame{Samples: sineish(4800), SampleRate: 48000, Index: uint64(i)}
	}
	close(in)

	var total int
	for _, c := range collect(enc.Run(in)) {
		total += len(c.PCM) / BytesPerSample
	}
	if total < 15900 || total > 16100 {
		t.Errorf("resampled to %d samples, want ~16000", total)
	}
}

func TestEncoderLogsSequenceGapOnDroppedFrames(t *testing.T) {
	enc := NewEncoder(testLogger())
	in := make(chan RawFrame, 64)

	// Frames 0..4, then a hole of 32 frames (2 full windows at 1600 samples
	// each... 32*1600 = 51200 samples = 32 windows), then more frames. The
	// sequence must jump so the drop is detectable.
	for i := 0; i < 5; i++ {
		in <- RawFrame{Samples: sineish(1600), SampleRate: 16000, Index: uint64(i)}
	}
	for i := 37; i < 42; i++ {
		in <- RawFrame{Samples: sineish(1600), SampleRate: 16000, Index: uint64(i)}
	}
	close(in)

	chunks := collect(enc.Run(in))
	gap := false
	prev := -1
	for _, c := range chunks {
		if prev >= 0 && c.Sequence != prev+1 {
			gap = true
		}
		prev = c.Sequence
	}
	if !gap {
		t.Error("expected a sequence gap after dropped frames, got contiguous sequences")
	}
}

func TestClampSample(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{2.0, 32767},
		{-2.0, -32768},
		{1.0, 32767},
	}
	for _, tt := range tests {
		if got := clampSample(tt.in); got != tt.want {
			t.Errorf("clampSample(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
