// Package lifecycle renders order and appointment status progressions,
// enforces their transition rules and tracks a user's records live.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/drfirst/careflow/internal/domain/model"
)

var (
	// ErrTerminal is returned when a record in a terminal status is changed
	ErrTerminal = errors.New("record is in a terminal status")
	// ErrNotCancellable is returned when a non-terminal record is past the
	// point where the patient may cancel it
	ErrNotCancellable = errors.New("record can no longer be cancelled")
	// ErrInvalidTransition is returned for backward or unknown status moves
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned when a record does not exist or is not owned
	// by the requesting user
	ErrNotFound = errors.New("record not found")
)

// Stage is one rung of a status ladder
type Stage struct {
	Status      model.Status `json:"status"`
	Label       string       `json:"label"`
	Description string       `json:"description"`
}

var orderStages = []Stage{
	{model.StatusPending, "Order Placed", "Your order has been placed and is waiting for confirmation from the pharmacy."},
	{model.StatusProcessing, "Processing", "The pharmacy is preparing your order."},
	{model.StatusReady, "Ready for Pickup", "Your order is packed and ready for you to pick up from the pharmacy."},
	{model.StatusCompleted, "Completed", "Your order has been picked up."},
}

var appointmentStages = []Stage{
	{model.StatusUpcoming, "Upcoming", "Your consultation is scheduled."},
	{model.StatusCompleted, "Completed", "Your consultation has been completed."},
}

// Stages returns the status ladder for kind
func Stages(kind model.Kind) []Stage {
	src := orderStages
	if kind == model.KindAppointment {
		src = appointmentStages
	}
	out := make([]Stage, len(src))
	copy(out, src)
	return out
}

// Index is the position of status on the ladder for kind, or -1.
func Index(kind model.Kind, status model.Status) int {
	for i, s := range Stages(kind) {
		if s.Status == status {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transition may leave status.
func Terminal(kind model.Kind, status model.Status) bool {
	if status == model.StatusCancelled {
		return true
	}
	stages := Stages(kind)
	return status == stages[len(stages)-1].Status
}

// Cancellable reports whether the patient may cancel a record in status.
func Cancellable(kind model.Kind, status model.Status) bool {
	if kind == model.KindAppointment {
		return status == model.StatusUpcoming
	}
	return status == model.StatusPending
}

// CanTransition checks a provider-side status move. Moves go forward on
// the ladder and may skip rungs. Repeating the current status is allowed.
// Cancellation is allowed from any non-terminal status.
func CanTransition(kind model.Kind, from, to model.Status) error {
	if from == to {
		return nil
	}
	if Terminal(kind, from) {
		return fmt.Errorf("%s %s -> %s: %w", kind, from, to, ErrTerminal)
	}
	fromIdx := Index(kind, from)
	if fromIdx < 0 {
		return fmt.Errorf("%s: unknown status %q: %w", kind, from, ErrInvalidTransition)
	}
	if to == model.StatusCancelled {
		return nil
	}
	toIdx := Index(kind, to)
	if toIdx < 0 {
		return fmt.Errorf("%s: unknown status %q: %w", kind, to, ErrInvalidTransition)
	}
	if toIdx < fromIdx {
		return fmt.Errorf("%s %s -> %s: %w", kind, from, to, ErrInvalidTransition)
	}
	return nil
}

// StageState is how a stage renders on a timeline
type StageState string

const (
	StageDone    StageState = "done"
	StageCurrent StageState = "current"
	StagePending StageState = "pending"
)

// StageView is a rendered stage
type StageView struct {
	Stage
	State StageState `json:"state"`
}

// Timeline is the rendered progression of one record
type Timeline struct {
	Status             model.Status `json:"status"`
	Stages             []StageView  `json:"stages,omitempty"`
	Cancelled          bool         `json:"cancelled"`
	CancelledBy        model.Party  `json:"cancelledBy,omitempty"`
	CancellationReason string       `json:"cancellationReason,omitempty"`
}

// Render builds the timeline for a record. Every stage at or before the
// current one renders as reached even if the record skipped it. An unknown
// status renders every stage pending. Cancelled records carry the reason
// instead of stages.
func Render(kind model.Kind, status model.Status, by model.Party, reason string) Timeline {
	t := Timeline{Status: status}
	if status == model.StatusCancelled {
		t.Cancelled = true
		t.CancelledBy = by
		t.CancellationReason = reason
		return t
	}

	stages := Stages(kind)
	current := Index(kind, status)
	last := len(stages) - 1
	t.Stages = make([]StageView, len(stages))
	for i, s := range stages {
		state := StagePending
		switch {
		case current < 0:
		case i < current, i == current && current == last:
			state = StageDone
		case i == current:
			state = StageCurrent
		}
		t.Stages[i] = StageView{Stage: s, State: state}
	}
	return t
}
