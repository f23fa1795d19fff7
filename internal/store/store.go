package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mvasko/medscribe/internal/findings"
	"github.com/mvasko/medscribe/internal/note"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Session states persisted in clinical_sessions.state.
const (
	SessionRecording  = "recording"
	SessionPaused     = "paused"
	SessionFinalizing = "finalizing"
	SessionClosed     = "closed"
)

// Language modes for a session.
const (
	LanguageModeAuto  = "auto"
	LanguageModeFixed = "fixed"
)

// Session is one clinical recording session.
type Session struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	AccountID        string     `json:"account_id"`
	State            string     `json:"state"`
	LanguageMode     string     `json:"language_mode"`
	Language         string     `json:"language,omitempty"` // fixed-mode tag
	DetectedLanguage *string    `json:"detected_language,omitempty"`
	ConsentVerified  bool       `json:"consent_verified"`
	StartedAt        time.Time  `json:"started_at"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
}

// Segment is one finalized transcript segment.
type Segment struct {
	Speaker    int       `json:"speaker"`
	Text       string    `json:"text"`
	Sequence   int       `json:"sequence"`
	StartTimeS float64   `json:"start_time_s"`
	EndTimeS   float64   `json:"end_time_s"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateSession inserts a new recording session. Callers must have
// established consent through VerifyConsent first.
func (s *Store) CreateSession(ctx context.Context, patientID, accountID, languageMode, language string) (Session, error) {
	sess := Session{
		PatientID:       patientID,
		AccountID:       accountID,
		State:           SessionRecording,
		LanguageMode:    languageMode,
		Language:        language,
		ConsentVerified: true,
		StartedAt:       time.Now().UTC(),
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO clinical_sessions (id, patient_id, account_id, state, language_mode, language, consent_verified, started_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, true, $6)
		RETURNING id
	`, patientID, accountID, sess.State, languageMode, language, sess.StartedAt).Scan(&sess.ID)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.QueryRow(ctx, `
		SELECT id, patient_id, account_id, state, language_mode, language, detected_language, consent_verified, started_at, finalized_at
		FROM clinical_sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.PatientID, &sess.AccountID, &sess.State, &sess.LanguageMode,
		&sess.Language, &sess.DetectedLanguage, &sess.ConsentVerified, &sess.StartedAt, &sess.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// SetDetectedLanguage records the auto-detected language. First write wins;
// once set the detected language is immutable.
func (s *Store) SetDetectedLanguage(ctx context.Context, id, language string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE clinical_sessions SET detected_language = $2
		WHERE id = $1 AND detected_language IS NULL
	`, id, language)
	if err != nil {
		return fmt.Errorf("set detected language: %w", err)
	}
	return nil
}

// UpdateSessionState moves a session between non-terminal states. Closed
// sessions are immutable.
func (s *Store) UpdateSessionState(ctx context.Context, id, state string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE clinical_sessions SET state = $2
		WHERE id = $1 AND state <> $3
	`, id, state, SessionClosed)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeSession closes the session. Idempotent: the first caller wins and
// gets true; repeats observe the closed row and get false without error.
func (s *Store) FinalizeSession(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE clinical_sessions SET state = $2, finalized_at = $3
		WHERE id = $1 AND state <> $2
	`, id, SessionClosed, at)
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReapStaleSessions force-closes sessions that started before cutoff and
// never finalized, returning their ids. The client that abandoned them may
// still upload spooled audio afterwards; uploads work against closed rows.
func (s *Store) ReapStaleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE clinical_sessions SET state = $2, finalized_at = $3
		WHERE state <> $2 AND started_at < $1
		RETURNING id
	`, cutoff, SessionClosed, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reap stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reap stale sessions: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertSegment appends a finalized transcript segment.
func (s *Store) InsertSegment(ctx context.Context, sessionID string, seg Segment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_segments (id, session_id, speaker, text, sequence, start_time_s, end_time_s, confidence, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
	`, sessionID, seg.Speaker, seg.Text, seg.Sequence, seg.StartTimeS, seg.EndTimeS, seg.Confidence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// ListSegments returns a session's segments in sequence order.
func (s *Store) ListSegments(ctx context.Context, sessionID string) ([]Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT speaker, text, sequence, start_time_s, end_time_s, confidence, created_at
		FROM session_segments WHERE session_id = $1 ORDER BY sequence
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.Speaker, &seg.Text, &seg.Sequence, &seg.StartTimeS, &seg.EndTimeS, &seg.Confidence, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// AppendFinding writes one finding to the append-only audit trail. There is
// no update or delete path for session_findings.
func (s *Store) AppendFinding(ctx context.Context, f findings.Finding) error {
	symptoms, err := json.Marshal(f.Symptoms)
	if err != nil {
		return fmt.Errorf("marshal symptoms: %w", err)
	}
	diagnoses, err := json.Marshal(f.Diagnoses)
	if err != nil {
		return fmt.Errorf("marshal diagnoses: %w", err)
	}
	raw := f.RawEntities
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO session_findings (id, session_id, recorded_at_ms, source, chief_complaint, symptoms, diagnoses, raw_entities, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
	`, f.SessionID, f.TimestampMs, f.Source, f.ChiefComplaint, symptoms, diagnoses, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append finding: %w", err)
	}
	return nil
}

// VerifyConsent reads the patient's consent record. Consent lives in its
// own auditable table and is never derived locally.
func (s *Store) VerifyConsent(ctx context.Context, patientID string) (bool, error) {
	var granted bool
	err := s.db.QueryRow(ctx, `
		SELECT granted FROM patient_consents
		WHERE patient_id = $1 AND revoked_at IS NULL
		ORDER BY recorded_at DESC LIMIT 1
	`, patientID).Scan(&granted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify consent: %w", err)
	}
	return granted, nil
}

// SaveNote upserts the session's live note snapshot.
func (s *Store) SaveNote(ctx context.Context, sessionID string, n note.LiveNote) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal note: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO session_notes (session_id, note, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET
			note = EXCLUDED.note,
			updated_at = EXCLUDED.updated_at
	`, sessionID, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save note: %w", err)
	}
	return nil
}

// GetNote loads the session's latest note snapshot.
func (s *Store) GetNote(ctx context.Context, sessionID string) (note.LiveNote, error) {
	var body []byte
	err := s.db.QueryRow(ctx, `
		SELECT note FROM session_notes WHERE session_id = $1
	`, sessionID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return note.LiveNote{}, ErrNotFound
	}
	if err != nil {
		return note.LiveNote{}, fmt.Errorf("get note: %w", err)
	}
	var n note.LiveNote
	if err := json.Unmarshal(body, &n); err != nil {
		return note.LiveNote{}, fmt.Errorf("unmarshal note: %w", err)
	}
	return n, nil
}
