package audio

import (
	"encoding/binary"
	"log"
	"math"
	"time"
)

const (
	// TargetSampleRate is the fixed rate the streaming protocol carries.
	TargetSampleRate = 16000
	// BytesPerSample is the width of a 16-bit signed PCM sample.
	BytesPerSample = 2
	// DefaultChunkWindow is the wall-clock duration batched into one chunk.
	DefaultChunkWindow = 100 * time.Millisecond
)

// Chunk is a fixed-duration batch of 16 kHz s16le PCM. Immutable once
// produced; ownership transfers to whichever stage holds it.
type Chunk struct {
	PCM          []byte
	SampleRate   int
	Sequence     int
	CapturedAtMs int64
}

// Encoder converts native-rate float frames into fixed-rate PCM chunks on its
// own goroutine, so resampling never runs on the caller's thread. Chunk
// sequence numbers are strictly increasing from 0; audio lost upstream shows
// up as a sequence gap and is logged, never silently swallowed.
type Encoder struct {
	window time.Duration
	logger *log.Logger
	now    func() time.Time
}

// NewEncoder builds an encoder with the default 100 ms batching window.
func NewEncoder(logger *log.Logger) *Encoder {
	return NewEncoderWithWindow(DefaultChunkWindow, logger)
}

// NewEncoderWithWindow builds an encoder with a custom batching window.
func NewEncoderWithWindow(window time.Duration, logger *log.Logger) *Encoder {
	if window <= 0 {
		window = DefaultChunkWindow
	}
	return &Encoder{
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Run starts the encode loop over in and returns the chunk channel. The
// output channel is closed once in closes and the final partial window (if
// any) has been flushed.
func (e *Encoder) Run(in <-chan RawFrame) <-chan Chunk {
	out := make(chan Chunk, 16)
	go e.loop(in, out)
	return out
}

func (e *Encoder) loop(in <-chan RawFrame, out chan<- Chunk) {
	defer close(out)

	samplesPerWindow := int(e.window.Seconds() * TargetSampleRate)
	var (
		rs          resampler
		pcm         = make([]int16, 0, samplesPerWindow)
		seq         int
		windowStart = e.now()
		nextIndex   uint64
		sawFrame    bool
	)

	flush := func() {
		if len(pcm) == 0 {
			return
		}
		buf := make([]byte, len(pcm)*BytesPerSample)
		for i, s := range pcm {
			binary.LittleEndian.PutUint16(buf[i*BytesPerSample:], uint16(s))
		}
		out <- Chunk{
			PCM:          buf,
			SampleRate:   TargetSampleRate,
			Sequence:     seq,
			CapturedAtMs: windowStart.UnixMilli(),
		}
		seq++
		pcm = pcm[:0]
		windowStart = e.now()
	}

	for frame := range in {
		if sawFrame && frame.Index != nextIndex {
			lost := frame.Index - nextIndex
			lostSamples := int(float64(lost) * float64(len(frame.Samples)) * TargetSampleRate / frame.SampleRate)
			skipped := lostSamples / samplesPerWindow
			e.logger.Printf("audio: dropped %d frame(s) upstream (~%d samples), skipping %d sequence slot(s)", lost, lostSamples, skipped)
			// Leave a hole in the sequence so the drop is detectable downstream.
			flush()
			seq += skipped
		}
		nextIndex = frame.Index + 1
		sawFrame = true

		for _, s := range rs.resample(frame.Samples, frame.SampleRate) {
			pcm = append(pcm, s)
			if len(pcm) == samplesPerWindow {
				flush()
			}
		}
	}
	flush()
}

// resampler is a streaming linear resampler from an arbitrary native rate to
// TargetSampleRate, carrying interpolation state across frame boundaries.
type resampler struct {
	pos    float64
	last   float32
	primed bool
}

func (r *resampler) resample(in []float32, srcRate float64) []int16 {
	if len(in) == 0 {
		return nil
	}
	if srcRate == TargetSampleRate {
		out := make([]int16, len(in))
		for i, s := range in {
			out[i] = clampSample(s)
		}
		return out
	}

	step := srcRate / TargetSampleRate
	out := make([]int16, 0, int(float64(len(in))/step)+1)

	// Virtual input: previous frame's final sample prepended for continuity.
	sampleAt := func(i int) float32 {
		if i < 0 {
			if r.primed {
				return r.last
			}
			return in[0]
		}
		if i >= len(in) {
			return in[len(in)-1]
		}
		return in[i]
	}

	for ; r.pos < float64(len(in)); r.pos += step {
		i := int(math.Floor(r.pos))
		frac := float32(r.pos - float64(i))
		s := sampleAt(i-1)*(1-frac) + sampleAt(i)*frac
		out = append(out, clampSample(s))
	}
	r.pos -= float64(len(in))
	r.last = in[len(in)-1]
	r.primed = true
	return out
}

func clampSample(s float32) int16 {
	switch {
	case s > 1:
		return math.MaxInt16
	case s < -1:
		return math.MinInt16
	default:
		return int16(s * math.MaxInt16)
	}
}
