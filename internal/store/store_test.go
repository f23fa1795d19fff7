package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mvasko/medscribe/internal/findings"
	"github.com/mvasko/medscribe/internal/note"
)

// getTestDB returns a database pool for testing.
// Skips the test if DATABASE_URL is not set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func TestSessionLifecycle(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "patient-1", "account-1", LanguageModeAuto, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("session ID should not be empty")
	}
	if sess.State != SessionRecording {
		t.Errorf("state = %q, want %q", sess.State, SessionRecording)
	}

	retrieved, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if retrieved.PatientID != "patient-1" {
		t.Errorf("patient_id = %q, want %q", retrieved.PatientID, "patient-1")
	}
	if retrieved.DetectedLanguage != nil {
		t.Errorf("detected_language should start nil, got %q", *retrieved.DetectedLanguage)
	}

	if err := s.UpdateSessionState(ctx, sess.ID, SessionPaused); err != nil {
		t.Fatalf("UpdateSessionState failed: %v", err)
	}
	retrieved, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if retrieved.State != SessionPaused {
		t.Errorf("state = %q, want %q", retrieved.State, SessionPaused)
	}
}

func TestDetectedLanguageSetOnce(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "patient-lang", "account-1", LanguageModeAuto, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := s.SetDetectedLanguage(ctx, sess.ID, "cs"); err != nil {
		t.Fatalf("SetDetectedLanguage failed: %v", err)
	}
	// A second detection must not overwrite the first.
	if err := s.SetDetectedLanguage(ctx, sess.ID, "en"); err != nil {
		t.Fatalf("second SetDetectedLanguage failed: %v", err)
	}

	retrieved, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if retrieved.DetectedLanguage == nil || *retrieved.DetectedLanguage != "cs" {
		t.Errorf("detected_language = %v, want cs", retrieved.DetectedLanguage)
	}
}

func TestFinalizeSessionIdempotent(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "patient-fin", "account-1", LanguageModeFixed, "en")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	won, err := s.FinalizeSession(ctx, sess.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("FinalizeSession failed: %v", err)
	}
	if !won {
		t.Error("first finalize should win")
	}

	won, err = s.FinalizeSession(ctx, sess.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("second FinalizeSession failed: %v", err)
	}
	if won {
		t.Error("second finalize should not win")
	}

	retrieved, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if retrieved.State != SessionClosed {
		t.Errorf("state = %q, want %q", retrieved.State, SessionClosed)
	}
	if retrieved.FinalizedAt == nil {
		t.Error("finalized_at should be set")
	}

	// Closed sessions reject further state changes.
	if err := s.UpdateSessionState(ctx, sess.ID, SessionRecording); err != ErrNotFound {
		t.Errorf("UpdateSessionState on closed session = %v, want ErrNotFound", err)
	}
}

func TestSegments(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "patient-seg", "account-1", LanguageModeAuto, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	segs := []Segment{
		{Speaker: 0, Text: "Good morning, what brings you in today?", Sequence: 0, StartTimeS: 0.1, EndTimeS: 2.4, Confidence: 0.97},
		{Speaker: 1, Text: "I have had a persistent cough for two weeks.", Sequence: 1, StartTimeS: 2.9, EndTimeS: 6.1, Confidence: 0.95},
	}
	for _, seg := range segs {
		if err := s.InsertSegment(ctx, sess.ID, seg); err != nil {
			t.Fatalf("InsertSegment failed: %v", err)
		}
	}

	listed, err := s.ListSegments(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("got %d segments, want 2", len(listed))
	}
	for i, seg := range listed {
		if seg.Sequence != i {
			t.Errorf("segment %d has sequence %d", i, seg.Sequence)
		}
		if seg.Text != segs[i].Text {
			t.Errorf("segment %d text = %q, want %q", i, seg.Text, segs[i].Text)
		}
	}
}

func TestFindingsAppendOnly(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "patient-find", "account-1", LanguageModeAuto, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	f := findings.Finding{
		SessionID:      sess.ID,
		TimestampMs:    time.Now().UnixMilli(),
		Source:         findings.SourceHeuristic,
		ChiefComplaint: "cough",
		Symptoms:       []string{"cough", "fatigue"},
		Diagnoses:      []string{},
	}
	if err := s.AppendFinding(ctx, f); err != nil {
		t.Fatalf("AppendFinding failed: %v", err)
	}
	if err := s.AppendFinding(ctx, f); err != nil {
		t.Fatalf("second AppendFinding failed: %v", err)
	}
}

func TestNoteRoundTrip(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "patient-note", "account-1", LanguageModeAuto, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := s.GetNote(ctx, sess.ID); err != ErrNotFound {
		t.Errorf("GetNote before save = %v, want ErrNotFound", err)
	}

	n := note.LiveNote{
		ChiefComplaint:    "persistent cough",
		ExtractedSymptoms: []string{"cough", "fatigue"},
		Subjective:        "Patient reports a two week cough.",
	}
	if err := s.SaveNote(ctx, sess.ID, n); err != nil {
		t.Fatalf("SaveNote failed: %v", err)
	}

	n.Assessment = "Likely acute bronchitis."
	if err := s.SaveNote(ctx, sess.ID, n); err != nil {
		t.Fatalf("second SaveNote failed: %v", err)
	}

	got, err := s.GetNote(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if got.ChiefComplaint != "persistent cough" {
		t.Errorf("chief_complaint = %q, want %q", got.ChiefComplaint, "persistent cough")
	}
	if got.Assessment != "Likely acute bronchitis." {
		t.Errorf("assessment = %q, want %q", got.Assessment, "Likely acute bronchitis.")
	}
}

func TestReapStaleSessions(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	stale, err := s.CreateSession(ctx, "patient-reap", "account-reap", LanguageModeAuto, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	fresh, err := s.CreateSession(ctx, "patient-reap", "account-reap", LanguageModeAuto, "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Backdate the stale session past the cutoff.
	if _, err := db.Exec(ctx, `UPDATE clinical_sessions SET started_at = $2 WHERE id = $1`,
		stale.ID, time.Now().UTC().Add(-9*time.Hour)); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	ids, err := s.ReapStaleSessions(ctx, time.Now().UTC().Add(-8*time.Hour))
	if err != nil {
		t.Fatalf("ReapStaleSessions failed: %v", err)
	}

	reaped := false
	for _, id := range ids {
		if id == fresh.ID {
			t.Error("fresh session was reaped")
		}
		if id == stale.ID {
			reaped = true
		}
	}
	if !reaped {
		t.Error("stale session was not reaped")
	}

	got, err := s.GetSession(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State != SessionClosed {
		t.Errorf("reaped session state = %q, want %q", got.State, SessionClosed)
	}
	if got.FinalizedAt == nil {
		t.Error("reaped session has no finalized_at")
	}
}
