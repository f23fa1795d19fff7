package stream

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/mvasko/medscribe/internal/langdetect"
	"github.com/mvasko/medscribe/internal/note"
)

// Client owns the single duplex channel for one recording session. On a
// transport failure it surfaces the error once and stops; it never
// reconnects on its own — the caller falls back to buffer-and-upload.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	logger    *log.Logger

	writeMu sync.Mutex

	transcripts  chan TranscriptFrame
	notes        chan note.ServerUpdate
	streamErrs   chan ErrorFrame
	transportErr chan error

	halted atomic.Bool // set on shouldStop/rate-limit; sends refuse afterwards

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens the duplex channel for sessionID, presenting the bearer token
// during the handshake. The gateway authenticates before accepting audio.
func Dial(ctx context.Context, url, token, sessionID string, logger *log.Logger) (*Client, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		conn:         conn,
		sessionID:    sessionID,
		logger:       logger,
		transcripts:  make(chan TranscriptFrame, 64),
		notes:        make(chan note.ServerUpdate, 16),
		streamErrs:   make(chan ErrorFrame, 4),
		transportErr: make(chan error, 1),
		done:         make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// SendChunk frames a tagged chunk and writes it. Fire-and-forget from the
// capture pipeline's point of view: backpressure is the transport's flow
// control, not a block on the caller's audio path.
func (c *Client) SendChunk(tc langdetect.TaggedChunk) error {
	if c.halted.Load() {
		return fmt.Errorf("stream halted by server")
	}
	return c.writeFrame(Frame{
		Type: TypeAudioChunk,
		AudioChunk: &AudioChunkFrame{
			SessionID:  c.sessionID,
			PCM:        tc.PCM,
			SampleRate: tc.SampleRate,
			Language:   tc.Language,
			Sequence:   tc.Sequence,
		},
	})
}

// SendStop tells the gateway the audio stream is over.
func (c *Client) SendStop() error {
	return c.writeFrame(Frame{
		Type: TypeStopStream,
		Stop: &StopFrame{SessionID: c.sessionID},
	})
}

func (c *Client) writeFrame(f Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("stream client closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// Transcripts returns transcript events in server order.
func (c *Client) Transcripts() <-chan TranscriptFrame { return c.transcripts }

// Notes returns authoritative note updates.
func (c *Client) Notes() <-chan note.ServerUpdate { return c.notes }

// StreamErrors returns transcription_error frames. A ShouldStop or
// rate-limited frame has already halted sends by the time it is delivered.
func (c *Client) StreamErrors() <-chan ErrorFrame { return c.streamErrs }

// TransportErrors delivers at most one transport failure. Receipt means the
// channel is dead and the caller should switch to the upload fallback.
func (c *Client) TransportErrors() <-chan error { return c.transportErr }

// Close tears down the channel and drains the read loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
		close(c.transcripts)
		close(c.notes)
		close(c.streamErrs)
	})
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				return
			case c.transportErr <- fmt.Errorf("read: %w", err):
			default:
			}
			return
		}

		if err := f.Validate(); err != nil {
			c.logger.Printf("stream: dropping malformed frame: %v", err)
			continue
		}

		switch f.Type {
		case TypeTranscriptUpdate:
			c.deliverTranscript(*f.Transcript)
		case TypeNoteUpdate:
			select {
			case c.notes <- *f.Note:
			case <-c.done:
				return
			}
		case TypeTranscriptionError:
			e := *f.Error
			if e.ShouldStop || e.RateLimited() {
				// Halt before delivery so no chunk races past the signal.
				c.halted.Store(true)
			}
			select {
			case c.streamErrs <- e:
			case <-c.done:
				return
			}
		default:
			c.logger.Printf("stream: ignoring unexpected frame type %q from server", f.Type)
		}
	}
}

func (c *Client) deliverTranscript(t TranscriptFrame) {
	select {
	case c.transcripts <- t:
	case <-c.done:
	}
}
