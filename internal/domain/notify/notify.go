// Package notify derives user notifications from observed order and
// appointment transitions and appends them to the store.
package notify

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/careflow/internal/domain/model"
)

// WhenLayout formats appointment times in notification text
const WhenLayout = "02 Jan 2006, 03:04 PM"

// Observed is the part of a tracked record that notification rules read
type Observed struct {
	Kind         model.Kind
	ID           string
	OwnerID      string
	Status       model.Status
	CancelledBy  model.Party
	Reason       string
	Counterparty string
	When         time.Time
}

// FromOrder projects an order
func FromOrder(o model.Order) Observed {
	return Observed{
		Kind:         model.KindOrder,
		ID:           o.ID,
		OwnerID:      o.UserID,
		Status:       o.Status,
		CancelledBy:  o.CancelledBy,
		Reason:       o.CancellationReason,
		Counterparty: o.PharmacyName,
		When:         o.CreatedAt,
	}
}

// FromAppointment projects an appointment
func FromAppointment(a model.Appointment) Observed {
	return Observed{
		Kind:         model.KindAppointment,
		ID:           a.ID,
		OwnerID:      a.PatientID,
		Status:       a.Status,
		CancelledBy:  a.CancelledBy,
		Reason:       a.CancellationReason,
		Counterparty: a.DoctorName,
		When:         a.ScheduledAt,
	}
}

func (o Observed) key() string {
	return string(o.Kind) + "/" + o.ID
}

func (o Observed) vars() map[string]string {
	reason := strings.TrimSpace(o.Reason)
	if reason == "" {
		reason = "not specified"
	}
	return map[string]string{
		"pharmacy": o.Counterparty,
		"doctor":   o.Counterparty,
		"reason":   reason,
		"when":     o.When.Format(WhenLayout),
	}
}

// Evaluate returns the notification owed for the change prev -> next, or
// nil. Only a transition into cancelled made by the counterparty produces
// one. A nil prev is a first sighting and never produces one.
func Evaluate(prev *Observed, next Observed) *model.Notification {
	if prev == nil || prev.Status == model.StatusCancelled {
		return nil
	}
	return Cancellation(next)
}

// Cancellation returns the notification owed to the owner of a record the
// counterparty has cancelled, or nil. Its ID is fixed per record, so
// storing it with CreateOnce keeps one copy however often it is derived.
func Cancellation(o Observed) *model.Notification {
	if o.Status != model.StatusCancelled || !o.CancelledBy.Counterparty() {
		return nil
	}

	tpl := TplOrderCancelledBy
	if o.Kind == model.KindAppointment {
		tpl = TplAppointmentCancelledBy
	}
	n, ok := Render(tpl, o.OwnerID, o.vars())
	if !ok {
		return nil
	}
	n.ID = CancellationID(o)
	return &n
}

// CancellationID is the notification id for a counterparty cancellation
// of the record o.
func CancellationID(o Observed) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("careflow:cancelled:"+o.key())).String()
}

// Confirmation is the message shown to a patient who cancelled a record
// themselves. It is never persisted.
func Confirmation(o Observed) model.Notification {
	tpl := TplOrderSelfCancel
	if o.Kind == model.KindAppointment {
		tpl = TplAppointmentSelfCancel
	}
	n, _ := Render(tpl, o.OwnerID, o.vars())
	return n
}

// Ledger holds the last-known state of every record seen by a watcher.
// A nil Ledger means nothing has been observed yet.
type Ledger map[string]Observed

// Reduce folds a full snapshot into the ledger and returns the updated
// ledger with the notifications owed. The first snapshot only primes the
// ledger. Records absent from the snapshot keep their last-known state so
// a record that drops out and reappears is not mistaken for a new
// transition.
func Reduce(ledger Ledger, snapshot []Observed) (Ledger, []model.Notification) {
	initial := ledger == nil
	next := make(Ledger, len(ledger)+len(snapshot))
	for k, v := range ledger {
		next[k] = v
	}

	var out []model.Notification
	for _, obs := range snapshot {
		k := obs.key()
		if !initial {
			var prev *Observed
			if p, ok := ledger[k]; ok {
				prev = &p
			}
			if n := Evaluate(prev, obs); n != nil {
				out = append(out, *n)
			}
		}
		next[k] = obs
	}
	return next, out
}
