// Package prescription implements the read-only prescription model issued by
// the doctor side and consumed by fulfillment.
package prescription

import (
	"strings"
	"time"
)

// Medication is a single prescribed item
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Prescription is an issued prescription. It is never mutated here.
type Prescription struct {
	ID           string       `json:"id"`
	DoctorName   string       `json:"doctorName"`
	PatientName  string       `json:"patientName"`
	PatientID    string       `json:"patientId,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	Medications  []Medication `json:"medications"`
	Instructions string       `json:"instructions,omitempty"`
	FollowUp     string       `json:"followUp,omitempty"`
	Source       Source       `json:"source,omitempty"`
}

// Source records where a prescription came from
type Source string

const (
	SourceDoctor  Source = "doctor"
	SourceScanned Source = "scanned"
)

// MedicineNames returns the non-empty medication names in prescription order.
func (p Prescription) MedicineNames() []string {
	names := make([]string, 0, len(p.Medications))
	for _, m := range p.Medications {
		if n := strings.TrimSpace(m.Name); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// Empty reports whether the prescription lists no medications
func (p Prescription) Empty() bool {
	return len(p.MedicineNames()) == 0
}
