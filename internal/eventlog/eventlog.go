package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionPaused    EventType = "session_paused"
	EventSessionResumed   EventType = "session_resumed"
	EventLanguageDetected EventType = "language_detected"
	EventSegmentFinal     EventType = "segment_final"
	EventNoteUpdate       EventType = "note_update"
	EventFindingPersisted EventType = "finding_persisted"
	EventRateLimited      EventType = "rate_limited"
	EventFallbackEngaged  EventType = "fallback_engaged"
	EventFallbackUploaded EventType = "fallback_uploaded"
	EventSessionFinalized EventType = "session_finalized"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l.db == nil || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l.db == nil || sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}
