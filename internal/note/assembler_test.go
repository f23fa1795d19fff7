package note

import (
	"context"
	"errors"
	"io"
	"log"
	"reflect"
	"testing"

	"github.com/mvasko/medscribe/internal/extract"
)

func strptr(s string) *string { return &s }

func TestFoldFillsEmptyFields(t *testing.T) {
	n := Fold(LiveNote{}, "I've had a headache since Monday.", extract.Extraction{
		Symptoms: []string{"headache"},
	})

	if n.ChiefComplaint != "headache" {
		t.Errorf("ChiefComplaint = %q, want headache", n.ChiefComplaint)
	}
	if n.Subjective != "I've had a headache since Monday." {
		t.Errorf("Subjective = %q", n.Subjective)
	}
	if !reflect.DeepEqual(n.ExtractedSymptoms, []string{"headache"}) {
		t.Errorf("ExtractedSymptoms = %v", n.ExtractedSymptoms)
	}
}

func TestFoldPrefersSymptomThenDiagnosisForChiefComplaint(t *testing.T) {
	n := Fold(LiveNote{}, "likely migraine", extract.Extraction{Diagnoses: []string{"migraine"}})
	if n.ChiefComplaint != "migraine" {
		t.Errorf("ChiefComplaint = %q, want migraine (first diagnosis)", n.ChiefComplaint)
	}

	n = Fold(LiveNote{}, "...", extract.Extraction{
		Symptoms:  []string{"nausea"},
		Diagnoses: []string{"migraine"},
	})
	if n.ChiefComplaint != "nausea" {
		t.Errorf("ChiefComplaint = %q, want nausea (symptom wins)", n.ChiefComplaint)
	}
}

func TestFoldNeverReplacesOccupiedFields(t *testing.T) {
	existing := LiveNote{
		ChiefComplaint: "chest pain",
		Subjective:     "set by server",
	}
	n := Fold(existing, "also some dizziness", extract.Extraction{Symptoms: []string{"dizziness"}})

	if n.ChiefComplaint != "chest pain" {
		t.Errorf("ChiefComplaint = %q, heuristic fold must not replace it", n.ChiefComplaint)
	}
	if n.Subjective != "set by server" {
		t.Errorf("Subjective = %q, heuristic fold must not replace it", n.Subjective)
	}
	if !reflect.DeepEqual(n.ExtractedSymptoms, []string{"dizziness"}) {
		t.Errorf("ExtractedSymptoms = %v, union still applies", n.ExtractedSymptoms)
	}
}

func TestSymptomUnionOrderPreservingDeduplicated(t *testing.T) {
	n := LiveNote{ExtractedSymptoms: []string{"fever", "cough"}}
	n = Fold(n, "...", extract.Extraction{Symptoms: []string{"cough", "fatigue"}})

	want := []string{"fever", "cough", "fatigue"}
	if !reflect.DeepEqual(n.ExtractedSymptoms, want) {
		t.Errorf("ExtractedSymptoms = %v, want %v", n.ExtractedSymptoms, want)
	}
}

func TestServerUpdateOverwritesHeuristic(t *testing.T) {
	n := Fold(LiveNote{}, "headache for a week", extract.Extraction{Symptoms: []string{"headache"}})

	n = ApplyServer(n, ServerUpdate{ChiefComplaint: strptr("cluster headache")})
	if n.ChiefComplaint != "cluster headache" {
		t.Errorf("ChiefComplaint = %q, server update must overwrite", n.ChiefComplaint)
	}

	// A later heuristic fold must not claw it back.
	n = Fold(n, "also tired", extract.Extraction{Symptoms: []string{"fatigue"}})
	if n.ChiefComplaint != "cluster headache" {
		t.Errorf("ChiefComplaint = %q after heuristic fold, want cluster headache", n.ChiefComplaint)
	}

	// But another server update may.
	n = ApplyServer(n, ServerUpdate{ChiefComplaint: strptr("tension headache")})
	if n.ChiefComplaint != "tension headache" {
		t.Errorf("ChiefComplaint = %q, want tension headache", n.ChiefComplaint)
	}
}

func TestServerUpdateNilFieldsLeaveNoteUntouched(t *testing.T) {
	n := LiveNote{ChiefComplaint: "fever", Plan: "rest and fluids"}
	n = ApplyServer(n, ServerUpdate{Assessment: strptr("viral infection")})

	if n.ChiefComplaint != "fever" || n.Plan != "rest and fluids" {
		t.Errorf("nil fields must not clear values: %+v", n)
	}
	if n.Assessment != "viral infection" {
		t.Errorf("Assessment = %q", n.Assessment)
	}
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string) (extract.Extraction, error) {
	return extract.Extraction{}, errors.New("model offline")
}

func TestAssemblerDegradesOnExtractionFailure(t *testing.T) {
	a := NewAssembler(failingExtractor{}, log.New(io.Discard, "", 0))

	n, ex := a.AddFinalSegment(context.Background(), "patient feels unwell")
	if !ex.Empty() {
		t.Errorf("extraction = %+v, want empty", ex)
	}
	if n.Subjective != "patient feels unwell" {
		t.Errorf("Subjective = %q, segment text must still land", n.Subjective)
	}
}

func TestAssemblerSnapshotIsolated(t *testing.T) {
	a := NewAssembler(failingExtractor{}, log.New(io.Discard, "", 0))
	a.ApplyServerUpdate(ServerUpdate{ExtractedSymptoms: []string{"cough"}})

	snap := a.Note()
	snap.ExtractedSymptoms[0] = "mutated"

	if got := a.Note().ExtractedSymptoms[0]; got != "cough" {
		t.Errorf("internal note mutated through snapshot: %q", got)
	}
}
