package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mvasko/medscribe/internal/asr"
	"github.com/mvasko/medscribe/internal/findings"
	"github.com/mvasko/medscribe/internal/note"
	"github.com/mvasko/medscribe/internal/store"
)

// fakeStore is an in-memory SessionStore for handler tests.
type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]store.Session
	segments  map[string][]store.Segment
	notes     map[string]note.LiveNote
	findings  []findings.Finding
	consents  map[string]bool
	nextID    int
	finalizes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]store.Session),
		segments: make(map[string][]store.Segment),
		notes:    make(map[string]note.LiveNote),
		consents: make(map[string]bool),
	}
}

func (f *fakeStore) CreateSession(_ context.Context, patientID, accountID, languageMode, language string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sess := store.Session{
		ID:              fmt.Sprintf("sess-%d", f.nextID),
		PatientID:       patientID,
		AccountID:       accountID,
		State:           store.SessionRecording,
		LanguageMode:    languageMode,
		Language:        language,
		ConsentVerified: true,
		StartedAt:       time.Now().UTC(),
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (f *fakeStore) SetDetectedLanguage(_ context.Context, id, language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.DetectedLanguage == nil {
		sess.DetectedLanguage = &language
		f.sessions[id] = sess
	}
	return nil
}

func (f *fakeStore) UpdateSessionState(_ context.Context, id, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok || sess.State == store.SessionClosed {
		return store.ErrNotFound
	}
	sess.State = state
	f.sessions[id] = sess
	return nil
}

func (f *fakeStore) FinalizeSession(_ context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if sess.State == store.SessionClosed {
		return false, nil
	}
	sess.State = store.SessionClosed
	sess.FinalizedAt = &at
	f.sessions[id] = sess
	f.finalizes++
	return true, nil
}

func (f *fakeStore) InsertSegment(_ context.Context, sessionID string, seg store.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments[sessionID] = append(f.segments[sessionID], seg)
	return nil
}

func (f *fakeStore) ListSegments(_ context.Context, sessionID string) ([]store.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Segment(nil), f.segments[sessionID]...), nil
}

func (f *fakeStore) AppendFinding(_ context.Context, fd findings.Finding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findings = append(f.findings, fd)
	return nil
}

func (f *fakeStore) VerifyConsent(_ context.Context, patientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consents[patientID], nil
}

func (f *fakeStore) SaveNote(_ context.Context, sessionID string, n note.LiveNote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[sessionID] = n
	return nil
}

func (f *fakeStore) GetNote(_ context.Context, sessionID string) (note.LiveNote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[sessionID]
	if !ok {
		return note.LiveNote{}, store.ErrNotFound
	}
	return n, nil
}

// fakeASRStream replays scripted transcript results.
type fakeASRStream struct {
	results chan asr.TranscriptResult
	errs    chan error

	mu       sync.Mutex
	received [][]byte
	closed   bool
}

func newFakeASRStream() *fakeASRStream {
	return &fakeASRStream{
		results: make(chan asr.TranscriptResult, 16),
		errs:    make(chan error, 1),
	}
}

func (f *fakeASRStream) StreamAudio(_ context.Context, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, append([]byte(nil), audio...))
	return nil
}

func (f *fakeASRStream) Results() <-chan asr.TranscriptResult { return f.results }
func (f *fakeASRStream) Errors() <-chan error                 { return f.errs }

func (f *fakeASRStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.results)
		close(f.errs)
	}
	return nil
}

// fakeProvider hands out a single scripted stream.
type fakeProvider struct {
	stream  *fakeASRStream
	openErr error

	mu     sync.Mutex
	opened []asr.StreamConfig
}

func (f *fakeProvider) OpenStream(_ context.Context, cfg asr.StreamConfig) (asr.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened = append(f.opened, cfg)
	return f.stream, nil
}

func (f *fakeProvider) DetectLanguage(context.Context, []byte, int) (string, error) {
	return "en", nil
}

func (f *fakeProvider) TranscribeWAV(context.Context, []byte, string) ([]asr.TranscriptResult, error) {
	return nil, nil
}
