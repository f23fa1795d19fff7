package stream

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mvasko/medscribe/internal/audio"
	"github.com/mvasko/medscribe/internal/langdetect"
)

// Spooler is the non-real-time fallback: when the live channel is lost,
// chunks are accumulated and written out as WAV files for later upload
// instead of being dropped.
type Spooler struct {
	dir       string
	sessionID string
	logger    *log.Logger

	mu         sync.Mutex
	pcm        []byte
	sampleRate int
	language   string
}

// NewSpooler creates a spooler writing under dir. The directory is created
// if missing.
func NewSpooler(dir, sessionID string, logger *log.Logger) (*Spooler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spooler{dir: dir, sessionID: sessionID, logger: logger}, nil
}

// Add appends a chunk to the in-memory segment.
func (s *Spooler) Add(tc langdetect.TaggedChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pcm = append(s.pcm, tc.PCM...)
	s.sampleRate = tc.SampleRate
	if tc.Language != "" {
		s.language = tc.Language
	}
}

// Buffered reports the number of PCM bytes waiting to be flushed.
func (s *Spooler) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pcm)
}

// Flush writes the buffered audio as a WAV file and clears the buffer. The
// file lands under a temporary name and is renamed into place so the upload
// watcher only ever sees complete files. Returns the final path, or "" when
// there was nothing to write.
func (s *Spooler) Flush() (string, error) {
	s.mu.Lock()
	pcm := s.pcm
	rate := s.sampleRate
	lang := s.language
	s.pcm = nil
	s.mu.Unlock()

	if len(pcm) == 0 {
		return "", nil
	}
	if lang == "" {
		lang = "und"
	}

	name := fmt.Sprintf("%s_%s_%d_%s.wav", s.sessionID, lang, time.Now().UnixMilli(), uuid.NewString()[:8])
	tmpPath := filepath.Join(s.dir, name+".tmp")
	finalPath := filepath.Join(s.dir, name)

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	if err := audio.WriteWAV(f, pcm, rate); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close spool file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("publish spool file: %w", err)
	}

	s.logger.Printf("stream: spooled %d bytes of session %s audio to %s", len(pcm), s.sessionID, finalPath)
	return finalPath, nil
}

// SpoolFileSession parses the session id and language back out of a spool
// file name produced by Flush.
func SpoolFileSession(path string) (sessionID, language string, ok bool) {
	base := filepath.Base(path)
	if filepath.Ext(base) != ".wav" {
		return "", "", false
	}
	base = base[:len(base)-len(".wav")]
	parts := strings.SplitN(base, "_", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
