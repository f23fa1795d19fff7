// Package findings writes the auditable trail of extraction results,
// throttled so bursty extraction does not hammer storage.
package findings

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// DefaultMinInterval is the minimum spacing between persisted findings for a
// session. The finalize write ignores it.
const DefaultMinInterval = 1500 * time.Millisecond

// Source labels which extractor produced a finding.
const (
	SourceHeuristic = "heuristic"
	SourceServer    = "server"
)

// Finding is one append-only audit record of an extraction pass.
type Finding struct {
	SessionID      string          `json:"session_id"`
	TimestampMs    int64           `json:"timestamp_ms"`
	Source         string          `json:"source"`
	ChiefComplaint string          `json:"chief_complaint,omitempty"`
	Symptoms       []string        `json:"symptoms"`
	Diagnoses      []string        `json:"diagnoses"`
	RawEntities    json.RawMessage `json:"raw_entities,omitempty"`
}

// Sink is the append-only storage boundary.
type Sink interface {
	AppendFinding(ctx context.Context, f Finding) error
}

// Throttler gates finding writes per session. A call inside the window is
// dropped, not queued; the next extraction supersedes it anyway. Persist
// failures are logged and the window is rolled back, so the next eligible
// call retries.
type Throttler struct {
	sink        Sink
	minInterval time.Duration
	logger      *log.Logger
	now         func() time.Time

	mu            sync.Mutex
	lastPersisted map[string]time.Time
}

// NewThrottler creates a throttler. minInterval <= 0 selects the default.
func NewThrottler(sink Sink, minInterval time.Duration, logger *log.Logger) *Throttler {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Throttler{
		sink:          sink,
		minInterval:   minInterval,
		logger:        logger,
		now:           time.Now,
		lastPersisted: make(map[string]time.Time),
	}
}

// Record persists the finding if the session's window has elapsed. Returns
// true when the finding was written.
func (t *Throttler) Record(ctx context.Context, f Finding) bool {
	t.mu.Lock()
	now := t.now()
	last, had := t.lastPersisted[f.SessionID]
	if had && now.Sub(last) < t.minInterval {
		t.mu.Unlock()
		return false
	}
	// Claim the window before the write so a concurrent Record for the same
	// session cannot slip inside the interval.
	t.lastPersisted[f.SessionID] = now
	t.mu.Unlock()

	if err := t.sink.AppendFinding(ctx, f); err != nil {
		t.logger.Printf("findings: persist failed for session %s: %v", f.SessionID, err)
		t.mu.Lock()
		if had {
			t.lastPersisted[f.SessionID] = last
		} else {
			delete(t.lastPersisted, f.SessionID)
		}
		t.mu.Unlock()
		return false
	}
	return true
}

// Finalize persists unconditionally, bypassing the window, so the last state
// of a session is always captured. The session's window entry is cleared.
func (t *Throttler) Finalize(ctx context.Context, f Finding) error {
	err := t.sink.AppendFinding(ctx, f)
	if err != nil {
		t.logger.Printf("findings: finalize persist failed for session %s: %v", f.SessionID, err)
	}

	t.mu.Lock()
	delete(t.lastPersisted, f.SessionID)
	t.mu.Unlock()
	return err
}
