package note

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/mvasko/medscribe/internal/extract"
)

// Fold merges a final transcript segment and its extraction into the note.
// Pure: the input note is not mutated. Heuristic results fill empty fields
// and never replace occupied ones.
func Fold(n LiveNote, segmentText string, ex extract.Extraction) LiveNote {
	if n.ChiefComplaint == "" {
		switch {
		case len(ex.Symptoms) > 0:
			n.ChiefComplaint = ex.Symptoms[0]
		case len(ex.Diagnoses) > 0:
			n.ChiefComplaint = ex.Diagnoses[0]
		}
	}

	n.ExtractedSymptoms = unionOrdered(n.ExtractedSymptoms, ex.Symptoms)

	if n.Subjective == "" {
		n.Subjective = strings.TrimSpace(segmentText)
	}
	if n.Assessment == "" && len(ex.Diagnoses) > 0 {
		n.Assessment = strings.Join(ex.Diagnoses, "; ")
	}
	return n
}

// ApplyServer merges an authoritative update. Non-nil fields overwrite
// regardless of what a heuristic fold put there earlier.
func ApplyServer(n LiveNote, u ServerUpdate) LiveNote {
	if u.ChiefComplaint != nil {
		n.ChiefComplaint = *u.ChiefComplaint
	}
	if u.Subjective != nil {
		n.Subjective = *u.Subjective
	}
	if u.Objective != nil {
		n.Objective = *u.Objective
	}
	if u.Assessment != nil {
		n.Assessment = *u.Assessment
	}
	if u.Plan != nil {
		n.Plan = *u.Plan
	}
	if len(u.ExtractedSymptoms) > 0 {
		n.ExtractedSymptoms = unionOrdered(n.ExtractedSymptoms, u.ExtractedSymptoms)
	}
	if u.VitalSigns != nil {
		vs := *u.VitalSigns
		n.VitalSigns = &vs
	}
	return n
}

// Assembler owns a session's live note and drives extraction over final
// segments. Safe for concurrent use.
type Assembler struct {
	extractor extract.Extractor
	logger    *log.Logger

	mu   sync.Mutex
	note LiveNote
}

// NewAssembler creates an assembler with an empty note.
func NewAssembler(extractor extract.Extractor, logger *log.Logger) *Assembler {
	return &Assembler{extractor: extractor, logger: logger}
}

// AddFinalSegment extracts entities from the segment and folds them in.
// Extraction failure degrades to an empty extraction; the segment text still
// contributes to the note. Returns the updated note and the extraction.
func (a *Assembler) AddFinalSegment(ctx context.Context, text string) (LiveNote, extract.Extraction) {
	ex, err := a.extractor.Extract(ctx, text)
	if err != nil {
		a.logger.Printf("note: extraction failed, continuing with empty result: %v", err)
		ex = extract.Extraction{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.note = Fold(a.note, text, ex)
	return a.note, ex
}

// ApplyServerUpdate folds in an authoritative update and returns the note.
func (a *Assembler) ApplyServerUpdate(u ServerUpdate) LiveNote {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.note = ApplyServer(a.note, u)
	return a.note
}

// Note returns a snapshot of the current note.
func (a *Assembler) Note() LiveNote {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.note
	n.ExtractedSymptoms = append([]string(nil), a.note.ExtractedSymptoms...)
	if a.note.VitalSigns != nil {
		vs := *a.note.VitalSigns
		n.VitalSigns = &vs
	}
	return n
}
