package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mvasko/medscribe/internal/audio"
	"github.com/mvasko/medscribe/internal/clientcfg"
	"github.com/mvasko/medscribe/internal/extract"
	"github.com/mvasko/medscribe/internal/langdetect"
	"github.com/mvasko/medscribe/internal/note"
	"github.com/mvasko/medscribe/internal/session"
	"github.com/mvasko/medscribe/internal/stream"
)

// supportedLanguages is the detection vocabulary; anything else resolves to
// the fallback tag.
var supportedLanguages = []string{"en", "cs", "de"}

const fallbackLanguage = "en"

// capturePipeline wires the capture device, encoder, language prebuffer,
// duplex stream client, and WAV spool fallback into one unit the session
// controller can drive. It implements session.Pipeline.
type capturePipeline struct {
	cfg       *clientcfg.Config
	patientID string
	gateway   *gatewayAPI
	logger    *log.Logger

	// onRateLimit is invoked when the server orders a stop for provider
	// backpressure. Set before Acquire; called from a pump goroutine.
	onRateLimit func(retryAfter time.Duration, message string)

	sessionID string
	capture   *audio.Capture
	client    *stream.Client
	spooler   *stream.Spooler
	prebuffer *langdetect.Prebuffer
	assembler *note.Assembler

	// spoolMode flips when the live channel dies; from then on every chunk
	// goes to the spooler instead of the wire.
	spoolMode atomic.Bool
	stopping  atomic.Bool
	paused    atomic.Bool

	sendWG sync.WaitGroup
	recvWG sync.WaitGroup
}

func newCapturePipeline(cfg *clientcfg.Config, patientID string, gateway *gatewayAPI, logger *log.Logger) *capturePipeline {
	return &capturePipeline{
		cfg:       cfg,
		patientID: patientID,
		gateway:   gateway,
		logger:    logger,
		assembler: note.NewAssembler(extract.NewHeuristic(nil, nil), logger),
	}
}

// SessionID returns the gateway session id, or "" before Acquire.
func (p *capturePipeline) SessionID() string { return p.sessionID }

// Note returns the current local view of the live note.
func (p *capturePipeline) Note() note.LiveNote { return p.assembler.Note() }

// Acquire registers the session, opens the capture device, and dials the
// duplex channel. Any failure after the device opens hands it back.
func (p *capturePipeline) Acquire(ctx context.Context) error {
	source, err := p.cfg.Capture.ParseSource()
	if err != nil {
		return err
	}

	sessionID, err := p.gateway.CreateSession(ctx, p.patientID, p.cfg.Language.Mode, p.cfg.Language.Language)
	if err != nil {
		return err
	}
	p.sessionID = sessionID
	p.logger.Printf("scribe: session %s created for patient %s", sessionID, p.patientID)

	capture, err := audio.StartCapture(audio.CaptureConfig{Source: source})
	if err != nil {
		return err
	}

	if p.cfg.Fallback.Enabled {
		spooler, err := stream.NewSpooler(p.cfg.Fallback.SpoolDir, sessionID, p.logger)
		if err != nil {
			_ = capture.Stop()
			return err
		}
		p.spooler = spooler
	}

	client, err := stream.Dial(ctx, p.gateway.wsURL(sessionID), p.gateway.token, sessionID, p.logger)
	if err != nil {
		if p.spooler == nil {
			_ = capture.Stop()
			return fmt.Errorf("dial stream: %w", err)
		}
		// No live channel, but the spool fallback can still record.
		p.logger.Printf("scribe: live channel unavailable, recording to spool: %v", err)
		p.spoolMode.Store(true)
	} else {
		p.client = client
	}
	p.capture = capture

	emit := p.emitChunk
	if p.cfg.Language.Mode == clientcfg.LanguageModeAuto {
		p.prebuffer = langdetect.New(langdetect.Config{
			Detector:       p.gateway,
			Supported:      supportedLanguages,
			Fallback:       fallbackLanguage,
			ThresholdBytes: p.cfg.Language.ThresholdBytes,
			Logger:         p.logger,
		}, emit)
	}

	window := time.Duration(p.cfg.Capture.ChunkWindowMs) * time.Millisecond
	encoder := audio.NewEncoderWithWindow(window, p.logger)
	chunks := encoder.Run(capture.Frames())

	p.sendWG.Add(1)
	go p.sendLoop(chunks)

	if p.client != nil {
		p.recvWG.Add(1)
		go p.recvLoop()
	}
	return nil
}

// sendLoop routes encoded chunks through the language stage onto the wire.
// It drains until the encoder closes, which happens when capture stops.
func (p *capturePipeline) sendLoop(chunks <-chan audio.Chunk) {
	defer p.sendWG.Done()
	ctx := context.Background()
	for c := range chunks {
		if p.paused.Load() {
			continue
		}
		if p.prebuffer != nil {
			p.prebuffer.Add(ctx, c)
			continue
		}
		p.emitChunk(langdetect.TaggedChunk{Chunk: c, Language: p.cfg.Language.Language})
	}
}

// emitChunk writes one tagged chunk to the live channel, or spools it when
// the channel is gone. A send failure flips spool mode permanently; the
// failed chunk is spooled rather than dropped.
func (p *capturePipeline) emitChunk(tc langdetect.TaggedChunk) {
	if p.spoolMode.Load() {
		p.spool(tc)
		return
	}
	if err := p.client.SendChunk(tc); err != nil {
		p.logger.Printf("scribe: send failed, switching to spool: %v", err)
		p.spoolMode.Store(true)
		p.spool(tc)
	}
}

func (p *capturePipeline) spool(tc langdetect.TaggedChunk) {
	if p.spooler == nil {
		return
	}
	p.spooler.Add(tc)
}

// recvLoop surfaces server frames: transcripts to the terminal, note updates
// into the local assembler, error frames into the rate-limit handler, and a
// transport failure into spool mode.
func (p *capturePipeline) recvLoop() {
	defer p.recvWG.Done()
	for {
		select {
		case t, ok := <-p.client.Transcripts():
			if !ok {
				return
			}
			p.applyTranscript(t)
		case u, ok := <-p.client.Notes():
			if !ok {
				return
			}
			n := p.assembler.ApplyServerUpdate(u)
			if n.ChiefComplaint != "" {
				p.logger.Printf("scribe: note updated, chief complaint: %s", n.ChiefComplaint)
			}
		case e, ok := <-p.client.StreamErrors():
			if !ok {
				return
			}
			p.logger.Printf("scribe: server error %d: %s", e.Code, e.Message)
			if (e.RateLimited() || e.ShouldStop) && p.onRateLimit != nil {
				go p.onRateLimit(time.Duration(e.RetryAfterMs)*time.Millisecond, e.Message)
			}
		case err := <-p.client.TransportErrors():
			if p.stopping.Load() {
				// The gateway closes the channel after a stop frame.
				return
			}
			p.logger.Printf("scribe: live channel lost, spooling remainder: %v", err)
			p.spoolMode.Store(true)
			return
		}
	}
}

// applyTranscript prints the transcript and folds final segments into the
// local note through the heuristic extractor. The fold only fills empty
// fields; authoritative note_update frames overwrite on arrival.
func (p *capturePipeline) applyTranscript(t stream.TranscriptFrame) {
	printTranscript(t)
	if !t.IsFinal {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.assembler.AddFinalSegment(ctx, t.Text)
}

func printTranscript(t stream.TranscriptFrame) {
	marker := " "
	if t.IsFinal {
		marker = "*"
	}
	fmt.Printf("%s [spk%d %6.2fs] %s\n", marker, t.Speaker, t.StartTime, t.Text)
}

// Release stops capture, drains the audio path, and flushes any spooled
// audio to disk for the background uploader.
func (p *capturePipeline) Release() {
	if p.capture != nil {
		if err := p.capture.Stop(); err != nil {
			p.logger.Printf("scribe: capture stop: %v", err)
		}
	}
	p.sendWG.Wait()

	if p.prebuffer != nil && p.prebuffer.State() != langdetect.StateResolved {
		p.logger.Printf("scribe: session ended before language resolution, flushing backlog as %s", fallbackLanguage)
		p.prebuffer.Drain()
	}
	if p.spooler != nil {
		path, err := p.spooler.Flush()
		if err != nil {
			p.logger.Printf("scribe: spool flush: %v", err)
		} else if path != "" {
			p.logger.Printf("scribe: spooled audio written to %s", path)
		}
	}
}

// Pause stops chunk emission at the source; capture and the channel stay
// up. The gateway is told so the session row reflects the paused state,
// but a spool-mode session pauses locally regardless.
func (p *capturePipeline) Pause(ctx context.Context) error {
	p.paused.Store(true)
	if p.sessionID != "" && !p.spoolMode.Load() {
		if err := p.gateway.PauseSession(ctx, p.sessionID); err != nil {
			p.logger.Printf("scribe: pause not recorded server-side: %v", err)
		}
	}
	return nil
}

// Resume re-enables chunk emission after a Pause.
func (p *capturePipeline) Resume(ctx context.Context) error {
	p.paused.Store(false)
	if p.sessionID != "" && !p.spoolMode.Load() {
		if err := p.gateway.ResumeSession(ctx, p.sessionID); err != nil {
			p.logger.Printf("scribe: resume not recorded server-side: %v", err)
		}
	}
	return nil
}

// SendStop signals end-of-audio and closes the duplex channel.
func (p *capturePipeline) SendStop() {
	if p.client == nil {
		return
	}
	p.stopping.Store(true)
	if err := p.client.SendStop(); err != nil {
		p.logger.Printf("scribe: stop frame: %v", err)
	}
	// Give the server a moment to deliver the closing note update.
	deadline := time.After(3 * time.Second)
	done := make(chan struct{})
	go func() {
		p.recvWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
	}
	_ = p.client.Close()
	p.recvWG.Wait()
}

// Finalize asks the gateway to close the session.
func (p *capturePipeline) Finalize(ctx context.Context) error {
	if p.sessionID == "" {
		return nil
	}
	return p.gateway.FinalizeSession(ctx, p.sessionID)
}

var _ session.Pipeline = (*capturePipeline)(nil)
