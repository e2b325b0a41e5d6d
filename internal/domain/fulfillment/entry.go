// Package fulfillment drives a patient from browsing or a prescription to
// a priced, stock-validated order at one pharmacy.
package fulfillment

import (
	"github.com/drfirst/careflow/internal/domain/prescription"
)

// Entry selects how a session starts. It is one of BrowseEntry,
// MedicineEntry, SearchEntry or SendEntry.
type Entry interface {
	entry()
}

// BrowseEntry starts with every pharmacy listed
type BrowseEntry struct{}

// MedicineEntry starts with a pharmacy and medicine already chosen
type MedicineEntry struct {
	PharmacyID string
	Medicine   string
}

// SearchEntry ranks pharmacies by how many of Medicines they stock
type SearchEntry struct {
	Medicines []string
}

// SendEntry sends a whole prescription to a pharmacy of the patient's choice
type SendEntry struct {
	Prescription prescription.Prescription
}

func (BrowseEntry) entry()   {}
func (MedicineEntry) entry() {}
func (SearchEntry) entry()   {}
func (SendEntry) entry()     {}

// State is a fulfillment workflow state
type State int

const (
	Browsing State = iota
	PharmacySelected
	MedicineSelected
	Reviewing
	Confirmed
	SendingPrescription
	SendConfirmed
)

func (s State) String() string {
	switch s {
	case Browsing:
		return "browsing"
	case PharmacySelected:
		return "pharmacy_selected"
	case MedicineSelected:
		return "medicine_selected"
	case Reviewing:
		return "reviewing"
	case Confirmed:
		return "confirmed"
	case SendingPrescription:
		return "sending_prescription"
	case SendConfirmed:
		return "send_confirmed"
	}
	return "unknown"
}
