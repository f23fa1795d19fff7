// Package note assembles the live clinical note from final transcript
// segments. Local heuristic extraction only fills empty fields; authoritative
// server updates may overwrite anything.
package note

// VitalSigns holds the vitals mentioned during the consultation.
type VitalSigns struct {
	BloodPressure    string `json:"blood_pressure,omitempty"`
	HeartRate        string `json:"heart_rate,omitempty"`
	Temperature      string `json:"temperature,omitempty"`
	RespiratoryRate  string `json:"respiratory_rate,omitempty"`
	OxygenSaturation string `json:"oxygen_saturation,omitempty"`
}

// LiveNote is the incrementally assembled structured note.
type LiveNote struct {
	ChiefComplaint    string      `json:"chief_complaint,omitempty"`
	Subjective        string      `json:"subjective,omitempty"`
	Objective         string      `json:"objective,omitempty"`
	Assessment        string      `json:"assessment,omitempty"`
	Plan              string      `json:"plan,omitempty"`
	ExtractedSymptoms []string    `json:"extracted_symptoms,omitempty"`
	VitalSigns        *VitalSigns `json:"vital_signs,omitempty"`
}

// ServerUpdate is an authoritative note fragment produced by server-side
// extraction. Nil fields leave the note untouched; non-nil fields overwrite.
type ServerUpdate struct {
	ChiefComplaint    *string     `json:"chief_complaint,omitempty"`
	Subjective        *string     `json:"subjective,omitempty"`
	Objective         *string     `json:"objective,omitempty"`
	Assessment        *string     `json:"assessment,omitempty"`
	Plan              *string     `json:"plan,omitempty"`
	ExtractedSymptoms []string    `json:"extracted_symptoms,omitempty"`
	VitalSigns        *VitalSigns `json:"vital_signs,omitempty"`
}

// unionOrdered appends items from add that are not already in base,
// preserving first-seen order.
func unionOrdered(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(add))
	for _, s := range base {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
