package langdetect

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mvasko/medscribe/internal/audio"
)

type fakeDetector struct {
	calls   atomic.Int32
	lang    string
	err     error
	release chan struct{} // when non-nil, DetectLanguage blocks until closed
}

func (f *fakeDetector) DetectLanguage(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.lang, f.err
}

type recorder struct {
	mu     sync.Mutex
	chunks []TaggedChunk
}

func (r *recorder) emit(c TaggedChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
}

func (r *recorder) snapshot() []TaggedChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaggedChunk, len(r.chunks))
	copy(out, r.chunks)
	return out
}

func chunkOf(seq, size int) audio.Chunk {
	return audio.Chunk{PCM: make([]byte, size), SampleRate: 16000, Sequence: seq}
}

func newTestPrebuffer(det Detector, emit func(TaggedChunk)) *Prebuffer {
	return New(Config{
		Detector:       det,
		Supported:      []string{"en", "cs", "de"},
		Fallback:       "en",
		ThresholdBytes: 48000,
		Logger:         log.New(io.Discard, "", 0),
	}, emit)
}

func waitResolved(t *testing.T, p *Prebuffer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == StateResolved {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("prebuffer did not resolve, state=%v", p.State())
}

func TestDetectionIssuedExactlyOnce(t *testing.T) {
	det := &fakeDetector{lang: "cs", release: make(chan struct{})}
	rec := &recorder{}
	p := newTestPrebuffer(det, rec.emit)

	// Ten 6000-byte chunks: threshold crossed at the eighth, the rest keep
	// buffering behind the in-flight call.
	for i := 0; i < 10; i++ {
		p.Add(context.Background(), chunkOf(i, 6000))
	}
	close(det.release)
	waitResolved(t, p)

	if got := det.calls.Load(); got != 1 {
		t.Errorf("DetectLanguage called %d times, want 1", got)
	}
	if p.Language() != "cs" {
		t.Errorf("Language() = %q, want cs", p.Language())
	}
}

func TestBufferedFlushPreservesOrder(t *testing.T) {
	det := &fakeDetector{lang: "de", release: make(chan struct{})}
	rec := &recorder{}
	p := newTestPrebuffer(det, rec.emit)

	for i := 0; i < 12; i++ {
		p.Add(context.Background(), chunkOf(i, 6000))
	}
	close(det.release)
	waitResolved(t, p)

	// Post-resolution chunk must come after the whole backlog.
	p.Add(context.Background(), chunkOf(12, 6000))

	chunks := rec.snapshot()
	if len(chunks) != 13 {
		t.Fatalf("emitted %d chunks, want 13", len(chunks))
	}
	for i, c := range chunks {
		if c.Sequence != i {
			t.Errorf("position %d holds sequence %d, want %d", i, c.Sequence, i)
		}
		if c.Language != "de" {
			t.Errorf("chunk %d tagged %q, want de", i, c.Language)
		}
	}
}

func TestDetectionFailureFallsBack(t *testing.T) {
	det := &fakeDetector{err: errors.New("provider unavailable")}
	rec := &recorder{}
	p := newTestPrebuffer(det, rec.emit)

	for i := 0; i < 8; i++ {
		p.Add(context.Background(), chunkOf(i, 6000))
	}
	waitResolved(t, p)

	if p.Language() != "en" {
		t.Errorf("Language() = %q, want fallback en", p.Language())
	}
}

func TestUnsupportedLanguageFallsBack(t *testing.T) {
	det := &fakeDetector{lang: "xx"}
	rec := &recorder{}
	p := newTestPrebuffer(det, rec.emit)

	for i := 0; i < 8; i++ {
		p.Add(context.Background(), chunkOf(i, 6000))
	}
	waitResolved(t, p)

	if p.Language() != "en" {
		t.Errorf("Language() = %q, want fallback en", p.Language())
	}
}

func TestChunksBelowThresholdStayPending(t *testing.T) {
	det := &fakeDetector{lang: "en"}
	rec := &recorder{}
	p := newTestPrebuffer(det, rec.emit)

	p.Add(context.Background(), chunkOf(0, 6000))
	p.Add(context.Background(), chunkOf(1, 6000))

	if p.State() != StatePending {
		t.Errorf("state = %v, want pending", p.State())
	}
	if det.calls.Load() != 0 {
		t.Errorf("DetectLanguage called %d times before threshold, want 0", det.calls.Load())
	}
	if len(rec.snapshot()) != 0 {
		t.Error("chunks emitted before resolution")
	}
}

func TestDrainFlushesPendingBacklog(t *testing.T) {
	det := &fakeDetector{lang: "cs"}
	rec := &recorder{}
	p := newTestPrebuffer(det, rec.emit)

	p.Add(context.Background(), chunkOf(0, 6000))
	p.Add(context.Background(), chunkOf(1, 6000))

	p.Drain()

	if p.State() != StateResolved {
		t.Fatalf("state after Drain = %v, want resolved", p.State())
	}
	if p.Language() != "en" {
		t.Errorf("Language() = %q, want fallback en", p.Language())
	}
	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("emitted %d chunks, want 2", len(got))
	}
	for i, c := range got {
		if c.Sequence != i || c.Language != "en" {
			t.Errorf("chunk %d: seq=%d lang=%q, want seq=%d lang=en", i, c.Sequence, c.Language, i)
		}
	}
	if det.calls.Load() != 0 {
		t.Errorf("DetectLanguage called %d times, want 0", det.calls.Load())
	}

	// Drain after resolution is a no-op.
	p.Drain()
	if len(rec.snapshot()) != 2 {
		t.Error("second Drain re-emitted chunks")
	}
}
