package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/store"
)

func appointment(status model.Status, by model.Party) Observed {
	return Observed{
		Kind:         model.KindAppointment,
		ID:           "a1",
		OwnerID:      "u1",
		Status:       status,
		CancelledBy:  by,
		Reason:       "Doctor unavailable",
		Counterparty: "Dr. Mehta",
		When:         time.Date(2024, 7, 2, 10, 30, 0, 0, time.UTC),
	}
}

func TestEvaluate(t *testing.T) {
	upcoming := appointment(model.StatusUpcoming, "")
	byDoctor := appointment(model.StatusCancelled, model.PartyDoctor)
	byPatient := appointment(model.StatusCancelled, model.PartyPatient)

	tests := []struct {
		name string
		prev *Observed
		next Observed
		want bool
	}{
		{"first sight", nil, byDoctor, false},
		{"doctor cancels", &upcoming, byDoctor, true},
		{"patient cancels", &upcoming, byPatient, false},
		{"already cancelled", &byDoctor, byDoctor, false},
		{"no change", &upcoming, upcoming, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.prev, tt.next)
			if (got != nil) != tt.want {
				t.Fatalf("Evaluate() = %+v, want emit=%v", got, tt.want)
			}
			if got != nil {
				if got.UserID != "u1" || got.Type != model.NotifyAppointment {
					t.Errorf("unexpected notification %+v", got)
				}
				if !strings.Contains(got.Description, "Dr. Mehta") || !strings.Contains(got.Description, "Doctor unavailable") {
					t.Errorf("description not rendered: %q", got.Description)
				}
			}
		})
	}
}

func TestEvaluatePharmacyCancelsOrder(t *testing.T) {
	prev := FromOrder(model.Order{ID: "o1", UserID: "u1", PharmacyName: "City Medicals", Status: model.StatusProcessing})
	next := prev
	next.Status = model.StatusCancelled
	next.CancelledBy = model.PartyPharmacy

	n := Evaluate(&prev, next)
	if n == nil || n.Type != model.NotifyMedicine {
		t.Fatalf("expected medicine notification, got %+v", n)
	}
	if n.Description != "City Medicals cancelled your order. Reason: not specified" {
		t.Errorf("unexpected description %q", n.Description)
	}
}

func TestReduceEmitsExactlyOncePerTransition(t *testing.T) {
	upcoming := appointment(model.StatusUpcoming, "")
	cancelled := appointment(model.StatusCancelled, model.PartyDoctor)

	ledger, out := Reduce(nil, []Observed{upcoming})
	if len(out) != 0 {
		t.Fatalf("initial snapshot emitted %d", len(out))
	}

	total := 0
	for i := 0; i < 3; i++ {
		ledger, out = Reduce(ledger, []Observed{cancelled})
		total += len(out)
	}
	if total != 1 {
		t.Fatalf("expected exactly one notification across replays, got %d", total)
	}
}

func TestReduceInitialLoadOfCancelled(t *testing.T) {
	cancelled := appointment(model.StatusCancelled, model.PartyDoctor)
	ledger, out := Reduce(nil, []Observed{cancelled})
	if len(out) != 0 {
		t.Fatalf("initial load emitted %d", len(out))
	}
	_, out = Reduce(ledger, []Observed{cancelled})
	if len(out) != 0 {
		t.Fatalf("replay emitted %d", len(out))
	}
}

func TestReduceSelfCancellation(t *testing.T) {
	ledger, _ := Reduce(nil, []Observed{appointment(model.StatusUpcoming, "")})
	_, out := Reduce(ledger, []Observed{appointment(model.StatusCancelled, model.PartyPatient)})
	if len(out) != 0 {
		t.Fatalf("self cancellation emitted %d", len(out))
	}
}

func TestReduceNewRecordAlreadyCancelled(t *testing.T) {
	ledger, _ := Reduce(nil, []Observed{})
	_, out := Reduce(ledger, []Observed{appointment(model.StatusCancelled, model.PartyDoctor)})
	if len(out) != 0 {
		t.Fatalf("first sighting emitted %d", len(out))
	}
}

func TestReduceRecordReappears(t *testing.T) {
	ledger, _ := Reduce(nil, []Observed{appointment(model.StatusCancelled, model.PartyDoctor)})
	ledger, _ = Reduce(ledger, []Observed{})
	_, out := Reduce(ledger, []Observed{appointment(model.StatusCancelled, model.PartyDoctor)})
	if len(out) != 0 {
		t.Fatalf("reappearing record emitted %d", len(out))
	}
}

func TestConfirmationUsesSelfTemplate(t *testing.T) {
	n := Confirmation(appointment(model.StatusCancelled, model.PartyPatient))
	if !strings.HasPrefix(n.Description, "You cancelled your appointment with Dr. Mehta") {
		t.Errorf("unexpected confirmation %q", n.Description)
	}
}

func TestEmitterWritesUnreadNotification(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	e := NewEmitter(s, nil, nil)

	id, err := e.EmitTemplate(ctx, TplOrderPlaced, "u1", map[string]string{"pharmacy": "Apollo Pharmacy"})
	if err != nil {
		t.Fatalf("EmitTemplate: %v", err)
	}
	doc, err := s.Get(ctx, model.CollectionNotifications, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var n model.Notification
	if err := doc.Decode(&n); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n.Title != "Order Placed!" || n.Description != "Your order from Apollo Pharmacy has been placed." || n.IsRead || n.CreatedAt.IsZero() {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestEmitterSurfacesStoreFailure(t *testing.T) {
	s := store.NewMemory(nil)
	s.FailWrites(errors.New("offline"))
	e := NewEmitter(s, nil, nil)

	if _, err := e.Emit(context.Background(), model.Notification{UserID: "u1", Title: "x"}); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	e.BestEffort(context.Background(), TplOrderPlaced, "u1", nil)
}

func TestEmitOnceKeepsOneCopyPerCancellation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	e := NewEmitter(s, nil, nil)

	cancelled := appointment(model.StatusCancelled, model.PartyDoctor)
	first := Cancellation(cancelled)
	again := Cancellation(cancelled)
	if first == nil || again == nil || first.ID == "" || first.ID != again.ID {
		t.Fatalf("cancellation ids not stable: %+v %+v", first, again)
	}
	other := cancelled
	other.ID = "a2"
	if Cancellation(other).ID == first.ID {
		t.Fatal("different records share a notification id")
	}

	for i, want := range []bool{true, false} {
		created, err := e.EmitOnce(ctx, *first)
		if err != nil || created != want {
			t.Fatalf("EmitOnce #%d: created=%v err=%v", i, created, err)
		}
	}
	docs, _ := s.List(ctx, store.Where(model.CollectionNotifications, "userId", "u1"))
	if len(docs) != 1 || docs[0].ID != first.ID {
		t.Fatalf("stored %+v", docs)
	}

	if Cancellation(appointment(model.StatusCancelled, model.PartyPatient)) != nil {
		t.Error("self cancellation produced a notification")
	}
}
