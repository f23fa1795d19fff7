package extract

import (
	"context"
	"strings"
)

// defaultSymptomTerms is a small lexicon of common presenting complaints.
// It is a low-confidence placeholder for the server-side model, good enough
// to populate the live note while the authoritative extraction is pending.
var defaultSymptomTerms = []string{
	"headache", "fever", "cough", "fatigue", "nausea", "vomiting",
	"dizziness", "chest pain", "shortness of breath", "abdominal pain",
	"back pain", "sore throat", "runny nose", "chills", "diarrhea",
	"rash", "palpitations", "insomnia", "joint pain", "swelling",
}

var defaultDiagnosisTerms = []string{
	"hypertension", "diabetes", "asthma", "migraine", "bronchitis",
	"pneumonia", "influenza", "anemia", "arthritis", "sinusitis",
	"gastritis", "depression", "anxiety", "angina", "copd",
}

// Heuristic is a lexicon-based extractor used on the client while streaming.
type Heuristic struct {
	symptoms  []string
	diagnoses []string
}

// NewHeuristic builds a lexicon extractor. Empty slices select the defaults.
func NewHeuristic(symptoms, diagnoses []string) *Heuristic {
	if len(symptoms) == 0 {
		symptoms = defaultSymptomTerms
	}
	if len(diagnoses) == 0 {
		diagnoses = defaultDiagnosisTerms
	}
	return &Heuristic{symptoms: symptoms, diagnoses: diagnoses}
}

// Extract scans the text for lexicon terms in text order.
func (h *Heuristic) Extract(_ context.Context, text string) (Extraction, error) {
	lower := strings.ToLower(text)
	return Extraction{
		Symptoms:  matchInOrder(lower, h.symptoms),
		Diagnoses: matchInOrder(lower, h.diagnoses),
	}, nil
}

// matchInOrder returns matched terms ordered by first occurrence in the text.
func matchInOrder(lower string, terms []string) []string {
	type hit struct {
		term string
		pos  int
	}
	var hits []hit
	for _, term := range terms {
		if pos := strings.Index(lower, term); pos >= 0 {
			hits = append(hits, hit{term: term, pos: pos})
		}
	}
	// Insertion sort by position; lexicons are small.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.term)
	}
	return out
}
