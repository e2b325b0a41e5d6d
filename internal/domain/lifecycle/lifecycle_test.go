package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/careflow/internal/domain/catalog"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/notify"
	"github.com/drfirst/careflow/internal/store"
)

func TestRenderRetroactiveStages(t *testing.T) {
	// pending then straight to completed: every earlier stage still shows reached
	for _, status := range []model.Status{model.StatusPending, model.StatusCompleted} {
		tl := Render(model.KindOrder, status, "", "")
		if status == model.StatusPending {
			if tl.Stages[0].State != StageCurrent || tl.Stages[1].State != StagePending {
				t.Fatalf("pending rendered %+v", tl.Stages)
			}
			continue
		}
		for _, s := range tl.Stages {
			if s.State != StageDone {
				t.Errorf("stage %s rendered %s after completion", s.Status, s.State)
			}
		}
	}
}

func TestRenderReadyMarksEarlierDone(t *testing.T) {
	tl := Render(model.KindOrder, model.StatusReady, "", "")
	want := []StageState{StageDone, StageDone, StageCurrent, StagePending}
	for i, s := range tl.Stages {
		if s.State != want[i] {
			t.Errorf("stage %d: got %s, want %s", i, s.State, want[i])
		}
	}
	if tl.Stages[2].Label != "Ready for Pickup" {
		t.Errorf("unexpected label %q", tl.Stages[2].Label)
	}
}

func TestRenderCancelledShowsReason(t *testing.T) {
	tl := Render(model.KindAppointment, model.StatusCancelled, model.PartyDoctor, "Emergency")
	if !tl.Cancelled || len(tl.Stages) != 0 || tl.CancellationReason != "Emergency" || tl.CancelledBy != model.PartyDoctor {
		t.Errorf("unexpected timeline %+v", tl)
	}
}

func TestRenderUnknownStatusAllPending(t *testing.T) {
	tl := Render(model.KindOrder, "shipped", "", "")
	for _, s := range tl.Stages {
		if s.State != StagePending {
			t.Errorf("stage %s rendered %s", s.Status, s.State)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		kind    model.Kind
		from    model.Status
		to      model.Status
		wantErr error
	}{
		{model.KindOrder, model.StatusPending, model.StatusProcessing, nil},
		{model.KindOrder, model.StatusPending, model.StatusCompleted, nil},
		{model.KindOrder, model.StatusReady, model.StatusReady, nil},
		{model.KindOrder, model.StatusReady, model.StatusCancelled, nil},
		{model.KindOrder, model.StatusReady, model.StatusPending, ErrInvalidTransition},
		{model.KindOrder, model.StatusCancelled, model.StatusPending, ErrTerminal},
		{model.KindOrder, model.StatusCancelled, model.StatusCompleted, ErrTerminal},
		{model.KindOrder, model.StatusCompleted, model.StatusCancelled, ErrTerminal},
		{model.KindOrder, model.StatusPending, model.StatusUpcoming, ErrInvalidTransition},
		{model.KindAppointment, model.StatusUpcoming, model.StatusCompleted, nil},
		{model.KindAppointment, model.StatusUpcoming, model.StatusCancelled, nil},
		{model.KindAppointment, model.StatusCancelled, model.StatusUpcoming, ErrTerminal},
	}
	for _, tt := range tests {
		err := CanTransition(tt.kind, tt.from, tt.to)
		if tt.wantErr == nil && err != nil {
			t.Errorf("%s %s->%s: unexpected error %v", tt.kind, tt.from, tt.to, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("%s %s->%s: got %v, want %v", tt.kind, tt.from, tt.to, err, tt.wantErr)
		}
	}
}

func newTracker(t *testing.T) (*Tracker, *store.Memory) {
	t.Helper()
	s := store.NewMemory(nil)
	t.Cleanup(func() { s.Close() })
	return NewTracker(s, catalog.Default(), nil, nil), s
}

func cancelByDoctor(t *testing.T, s *store.Memory, id string) {
	t.Helper()
	_, err := ApplyStatusUpdate(context.Background(), s, notify.NewEmitter(s, nil, nil), model.StatusUpdate{
		Kind: model.KindAppointment, ID: id, Status: model.StatusCancelled,
		By: model.PartyDoctor, CancellationReason: "Emergency",
	})
	if err != nil {
		t.Fatalf("ApplyStatusUpdate: %v", err)
	}
}

func seedAppointment(t *testing.T, s *store.Memory, id string, status model.Status, by model.Party) {
	t.Helper()
	err := s.Seed(model.CollectionAppointments, id, model.Appointment{
		PatientID:   "u1",
		DoctorID:    "d1",
		DoctorName:  "Dr. Mehta",
		Type:        model.ConsultVideo,
		ScheduledAt: time.Date(2024, 7, 2, 10, 0, 0, 0, time.UTC),
		Status:      status,
		CancelledBy: by,
		CreatedAt:   time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
}

func nextUpdate(t *testing.T, w *Watch) Update {
	t.Helper()
	select {
	case u, ok := <-w.Updates():
		if !ok {
			t.Fatal("watch closed")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func notifications(t *testing.T, s *store.Memory) []model.Notification {
	t.Helper()
	docs, err := s.List(context.Background(), store.Where(model.CollectionNotifications, "userId", "u1"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out, err := store.DecodeAll[model.Notification](docs)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	return out
}

func TestWatchReportsDoctorCancellationOnce(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	seedAppointment(t, s, "a1", model.StatusUpcoming, "")
	seedAppointment(t, s, "a0", model.StatusCancelled, model.PartyDoctor)

	w, err := tr.Watch(ctx, model.KindAppointment, "u1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if u := nextUpdate(t, w); len(u.Views) != 2 || len(u.Notifications) != 0 {
		t.Fatalf("initial update: %d views, %d notifications", len(u.Views), len(u.Notifications))
	}

	cancelByDoctor(t, s, "a1")
	u := nextUpdate(t, w)
	if len(u.Notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(u.Notifications))
	}

	// unrelated write replays the same cancelled snapshot
	seedAppointment(t, s, "a2", model.StatusUpcoming, "")
	if u := nextUpdate(t, w); len(u.Notifications) != 0 {
		t.Fatalf("replay emitted %d", len(u.Notifications))
	}

	stored := notifications(t, s)
	if len(stored) != 1 || stored[0].Title != "Appointment Cancelled" {
		t.Fatalf("stored notifications %+v", stored)
	}
}

func TestDoctorCancellationStoredOnceAcrossWatches(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	seedAppointment(t, s, "a1", model.StatusUpcoming, "")

	var watches []*Watch
	for i := 0; i < 2; i++ {
		w, err := tr.Watch(ctx, model.KindAppointment, "u1")
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		defer w.Close()
		nextUpdate(t, w)
		watches = append(watches, w)
	}

	cancelByDoctor(t, s, "a1")

	stored := notifications(t, s)
	if len(stored) != 1 {
		t.Fatalf("stored %d notifications for one cancellation", len(stored))
	}
	for i, w := range watches {
		u := nextUpdate(t, w)
		if len(u.Notifications) != 1 || u.Notifications[0].ID != stored[0].ID {
			t.Errorf("watch %d reported %+v, want stored notification %s", i, u.Notifications, stored[0].ID)
		}
	}
	if got := notifications(t, s); len(got) != 1 {
		t.Fatalf("watches stored %d more", len(got)-1)
	}
}

func TestDoctorCancellationStoredWithoutWatch(t *testing.T) {
	_, s := newTracker(t)
	seedAppointment(t, s, "a1", model.StatusUpcoming, "")

	cancelByDoctor(t, s, "a1")

	stored := notifications(t, s)
	if len(stored) != 1 || stored[0].Title != "Appointment Cancelled" || stored[0].IsRead {
		t.Fatalf("stored notifications %+v", stored)
	}
}

func TestRepeatedCancellationStoresMissingNotification(t *testing.T) {
	_, s := newTracker(t)
	// status written by an earlier attempt whose notification write failed
	seedAppointment(t, s, "a1", model.StatusCancelled, model.PartyDoctor)

	for i := 0; i < 2; i++ {
		written, err := ApplyStatusUpdate(context.Background(), s, notify.NewEmitter(s, nil, nil), model.StatusUpdate{
			Kind: model.KindAppointment, ID: "a1", Status: model.StatusCancelled, By: model.PartyDoctor,
		})
		if written || err != nil {
			t.Fatalf("attempt %d: written=%v err=%v", i, written, err)
		}
	}
	if got := notifications(t, s); len(got) != 1 {
		t.Fatalf("stored %d notifications, want 1", len(got))
	}
}

func TestWatchSelfCancellationDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	seedAppointment(t, s, "a1", model.StatusUpcoming, "")

	w, _ := tr.Watch(ctx, model.KindAppointment, "u1")
	defer w.Close()
	nextUpdate(t, w)

	confirmation, err := tr.CancelAppointment(ctx, "u1", "a1", "Feeling better")
	if err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}
	if confirmation.Title != "Appointment Cancelled" {
		t.Errorf("unexpected confirmation %+v", confirmation)
	}
	u := nextUpdate(t, w)
	if len(u.Notifications) != 0 {
		t.Fatalf("self cancellation emitted %d", len(u.Notifications))
	}
	if !u.Views[0].Timeline.Cancelled || u.Views[0].Cancellable {
		t.Errorf("view not rendered as cancelled: %+v", u.Views[0])
	}
	if got := notifications(t, s); len(got) != 0 {
		t.Fatalf("stored %d notifications", len(got))
	}
}

func TestWatchErrorKeepsLastKnownViews(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	seedAppointment(t, s, "a1", model.StatusUpcoming, "")

	w, _ := tr.Watch(ctx, model.KindAppointment, "u1")
	defer w.Close()
	nextUpdate(t, w)

	s.BreakSubscriptions(model.CollectionAppointments, errors.New("listener dropped"))
	u := nextUpdate(t, w)
	if !errors.Is(u.Err, store.ErrUnavailable) || len(u.Views) != 1 {
		t.Fatalf("expected last-known view with error, got %+v", u)
	}
}

func TestCancelOrderRules(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	seed := func(id string, status model.Status) {
		if err := s.Seed(model.CollectionOrders, id, model.Order{UserID: "u1", PharmacyID: "ph1", Status: status}); err != nil {
			t.Fatalf("Seed: %v", err)
		}
	}
	seed("pending", model.StatusPending)
	seed("processing", model.StatusProcessing)
	seed("completed", model.StatusCompleted)

	if _, err := tr.CancelOrder(ctx, "u1", "pending", "Ordered by mistake"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	doc, _ := s.Get(ctx, model.CollectionOrders, "pending")
	if doc.String("status") != "cancelled" || doc.String("cancelledBy") != "patient" || doc.String("cancellationReason") != "Ordered by mistake" {
		t.Errorf("unexpected cancelled order %+v", doc.Data)
	}

	if _, err := tr.CancelOrder(ctx, "u1", "pending", "again"); !errors.Is(err, ErrTerminal) {
		t.Errorf("second cancel: got %v, want ErrTerminal", err)
	}
	if _, err := tr.CancelOrder(ctx, "u1", "completed", "late"); !errors.Is(err, ErrTerminal) {
		t.Errorf("completed: got %v, want ErrTerminal", err)
	}
	if _, err := tr.CancelOrder(ctx, "u1", "processing", "late"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("processing: got %v, want ErrNotCancellable", err)
	}
	if _, err := tr.CancelOrder(ctx, "u2", "processing", "not mine"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign order: got %v, want ErrNotFound", err)
	}
	if _, err := tr.CancelOrder(ctx, "u1", "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing order: got %v, want ErrNotFound", err)
	}
}

func TestApplyStatusUpdateRejectsAfterCancellation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	s.Seed(model.CollectionOrders, "o1", model.Order{UserID: "u1", Status: model.StatusPending})

	steps := []struct {
		status  model.Status
		written bool
		err     error
	}{
		{model.StatusProcessing, true, nil},
		{model.StatusProcessing, false, nil},
		{model.StatusCancelled, true, nil},
		{model.StatusReady, false, ErrTerminal},
	}
	for _, st := range steps {
		written, err := ApplyStatusUpdate(ctx, s, nil, model.StatusUpdate{Kind: model.KindOrder, ID: "o1", Status: st.status})
		if written != st.written || !errors.Is(err, st.err) {
			t.Fatalf("%s: written=%v err=%v", st.status, written, err)
		}
	}
	doc, _ := s.Get(ctx, model.CollectionOrders, "o1")
	if doc.String("cancelledBy") != "pharmacy" {
		t.Errorf("expected pharmacy as default canceller, got %q", doc.String("cancelledBy"))
	}
}

func TestWatchResolvesUnknownPharmacy(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t)
	s.Seed(model.CollectionOrders, "o1", model.Order{UserID: "u1", PharmacyID: "closed", Status: model.StatusPending})

	w, _ := tr.Watch(ctx, model.KindOrder, "u1")
	defer w.Close()
	u := nextUpdate(t, w)
	if u.Views[0].Title != "Unknown pharmacy" {
		t.Errorf("got title %q", u.Views[0].Title)
	}
}
