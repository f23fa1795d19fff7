// Package extract is the clinical entity extraction boundary. The model
// behind it is pluggable; the pipeline only sees symptoms and diagnoses.
package extract

import "context"

// Extraction is the result of one extraction pass over transcript text.
type Extraction struct {
	Symptoms  []string `json:"symptoms"`
	Diagnoses []string `json:"diagnoses"`
}

// Empty reports whether the pass found nothing.
func (e Extraction) Empty() bool {
	return len(e.Symptoms) == 0 && len(e.Diagnoses) == 0
}

// Extractor extracts clinical entities from text. Implementations must be
// side-effect free; callers degrade failures to an empty extraction rather
// than aborting the pipeline.
type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}
