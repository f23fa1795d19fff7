// Package langdetect withholds the first moments of session audio until the
// spoken language is known, then releases the backlog in order with the
// detected tag applied.
package langdetect

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mvasko/medscribe/internal/audio"
)

// DefaultThresholdBytes is ~1.5 s of 16 kHz mono PCM16, enough audio for a
// single classification pass.
const DefaultThresholdBytes = 48000

// State of the prebuffer.
type State int

const (
	StatePending State = iota
	StateDetecting
	StateResolved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDetecting:
		return "detecting"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Detector classifies the language of a buffered audio sample.
type Detector interface {
	DetectLanguage(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// TaggedChunk is an audio chunk annotated with the session language.
type TaggedChunk struct {
	audio.Chunk
	Language string
}

// Config for a Prebuffer.
type Config struct {
	Detector       Detector
	Supported      []string // allowed language tags
	Fallback       string   // used when detection fails or returns an unknown tag
	ThresholdBytes int      // default DefaultThresholdBytes
	Timeout        time.Duration
	Logger         *log.Logger
}

// Prebuffer implements the Pending → Detecting → Resolved machine. Chunks
// added before resolution are held in arrival order; exactly one detection
// call is issued per session, and the transition to Resolved happens once.
type Prebuffer struct {
	cfg Config

	mu       sync.Mutex
	state    State
	buffered []audio.Chunk
	bytes    int
	language string

	emit func(TaggedChunk)
}

// New builds a prebuffer that hands tagged chunks to emit. The emit callback
// is invoked in chunk order, under the prebuffer's lock, so it must not call
// back into the prebuffer.
func New(cfg Config, emit func(TaggedChunk)) *Prebuffer {
	if cfg.ThresholdBytes <= 0 {
		cfg.ThresholdBytes = DefaultThresholdBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Prebuffer{cfg: cfg, emit: emit}
}

// State reports the current stage.
func (p *Prebuffer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Language returns the resolved tag, or "" before resolution.
func (p *Prebuffer) Language() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.language
}

// Add accepts the next chunk in sequence order. Before resolution the chunk
// is buffered; afterwards it is tagged and emitted immediately. Add never
// blocks on the in-flight detection call.
func (p *Prebuffer) Add(ctx context.Context, c audio.Chunk) {
	p.mu.Lock()

	if p.state == StateResolved {
		lang := p.language
		p.emit(TaggedChunk{Chunk: c, Language: lang})
		p.mu.Unlock()
		return
	}

	p.buffered = append(p.buffered, c)
	p.bytes += len(c.PCM)

	if p.state == StatePending && p.bytes >= p.cfg.ThresholdBytes {
		p.state = StateDetecting
		sample := p.snapshotLocked()
		rate := c.SampleRate
		p.mu.Unlock()
		go p.detect(ctx, sample, rate)
		return
	}
	p.mu.Unlock()
}

// snapshotLocked concatenates the buffered PCM for the classification call.
func (p *Prebuffer) snapshotLocked() []byte {
	out := make([]byte, 0, p.bytes)
	for _, c := range p.buffered {
		out = append(out, c.PCM...)
	}
	return out
}

func (p *Prebuffer) detect(ctx context.Context, sample []byte, sampleRate int) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	lang, err := p.cfg.Detector.DetectLanguage(ctx, sample, sampleRate)
	if err != nil {
		p.cfg.Logger.Printf("langdetect: detection failed, falling back to %q: %v", p.cfg.Fallback, err)
		lang = p.cfg.Fallback
	} else if !p.supported(lang) {
		p.cfg.Logger.Printf("langdetect: detected unsupported language %q, falling back to %q", lang, p.cfg.Fallback)
		lang = p.cfg.Fallback
	}
	p.resolve(lang)
}

func (p *Prebuffer) supported(lang string) bool {
	for _, s := range p.cfg.Supported {
		if s == lang {
			return true
		}
	}
	return false
}

// Drain force-resolves a still-pending prebuffer with the fallback tag so
// the held backlog is emitted rather than lost. Called at session stop; a
// no-op once resolved.
func (p *Prebuffer) Drain() {
	p.resolve(p.cfg.Fallback)
}

// resolve applies the tag retroactively to the backlog and flushes it in
// original order. Runs at most once; late calls are ignored.
func (p *Prebuffer) resolve(lang string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateResolved {
		return
	}
	p.state = StateResolved
	p.language = lang

	for _, c := range p.buffered {
		p.emit(TaggedChunk{Chunk: c, Language: lang})
	}
	p.buffered = nil
	p.bytes = 0
}
