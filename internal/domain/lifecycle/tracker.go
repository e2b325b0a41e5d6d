package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/domain/catalog"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/notify"
	"github.com/drfirst/careflow/internal/observability/metrics"
	"github.com/drfirst/careflow/internal/store"
)

// View is one tracked record as shown to its owner
type View struct {
	Kind        model.Kind         `json:"kind"`
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Timeline    Timeline           `json:"timeline"`
	Cancellable bool               `json:"cancellable"`
	Order       *model.Order       `json:"order,omitempty"`
	Appointment *model.Appointment `json:"appointment,omitempty"`
}

// Update is one delivery from a watch. On a store error Views holds the
// last-known result set and Err is set. Notifications lists counterparty
// cancellations seen since the previous update; ApplyStatusUpdate has
// already stored them under the same IDs.
type Update struct {
	Views         []View               `json:"views"`
	Notifications []model.Notification `json:"notifications,omitempty"`
	Err           error                `json:"-"`
}

// Tracker follows a user's orders and appointments and applies patient
// cancellations.
type Tracker struct {
	store   store.Store
	catalog *catalog.Catalog
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewTracker creates a tracker. cat resolves pharmacy names for orders
// written without one and may be nil.
func NewTracker(s store.Store, cat *catalog.Catalog, logger *zap.Logger, m *metrics.Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:   s,
		catalog: cat,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("lifecycle"),
	}
}

// Watch is a live view of one user's records of one kind
type Watch struct {
	sub     store.Subscription
	updates chan Update
	done    chan struct{}
	once    sync.Once
}

// Updates delivers a rendered result set per store snapshot. The channel
// is closed when the watch ends.
func (w *Watch) Updates() <-chan Update { return w.updates }

// Close releases the underlying subscription.
func (w *Watch) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.sub.Close()
	})
	return err
}

// Watch subscribes to the user's records newest first. Counterparty
// cancellations observed after the first snapshot are reported once per
// watch.
func (t *Tracker) Watch(ctx context.Context, kind model.Kind, userID string) (*Watch, error) {
	q := store.Where(kind.Collection(), kind.OwnerField(), userID).Ordered("createdAt", true)
	sub, err := t.store.Subscribe(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("watch %s for %s: %w", kind, userID, err)
	}

	w := &Watch{
		sub:     sub,
		updates: make(chan Update),
		done:    make(chan struct{}),
	}
	go t.run(ctx, w, kind, userID)
	return w, nil
}

func (t *Tracker) run(ctx context.Context, w *Watch, kind model.Kind, userID string) {
	defer close(w.updates)

	var (
		ledger notify.Ledger
		views  = []View{}
	)
	for snap := range w.sub.Snapshots() {
		u := Update{}
		if snap.Err != nil {
			t.logger.Warn("Tracker subscription error",
				zap.String("kind", string(kind)),
				zap.String("user_id", userID),
				zap.Error(snap.Err),
			)
			u.Views = views
			u.Err = snap.Err
		} else {
			next, observed, err := t.render(kind, snap.Docs)
			if err != nil {
				t.logger.Error("Tracker decode failed", zap.Error(err))
				u.Views = views
				u.Err = err
			} else {
				views = next
				u.Views = views
				ledger, u.Notifications = notify.Reduce(ledger, observed)
			}
		}

		select {
		case w.updates <- u:
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) render(kind model.Kind, docs []store.Document) ([]View, []notify.Observed, error) {
	views := make([]View, 0, len(docs))
	observed := make([]notify.Observed, 0, len(docs))
	for _, d := range docs {
		switch kind {
		case model.KindAppointment:
			var a model.Appointment
			if err := d.Decode(&a); err != nil {
				return nil, nil, err
			}
			views = append(views, View{
				Kind:        kind,
				ID:          a.ID,
				Title:       a.DoctorName,
				Timeline:    Render(kind, a.Status, a.CancelledBy, a.CancellationReason),
				Cancellable: Cancellable(kind, a.Status),
				Appointment: &a,
			})
			observed = append(observed, notify.FromAppointment(a))
		default:
			var o model.Order
			if err := d.Decode(&o); err != nil {
				return nil, nil, err
			}
			if strings.TrimSpace(o.PharmacyName) == "" && t.catalog != nil {
				o.PharmacyName = t.catalog.PharmacyName(o.PharmacyID)
			}
			views = append(views, View{
				Kind:        kind,
				ID:          o.ID,
				Title:       o.PharmacyName,
				Timeline:    Render(kind, o.Status, o.CancelledBy, o.CancellationReason),
				Cancellable: Cancellable(kind, o.Status),
				Order:       &o,
			})
			observed = append(observed, notify.FromOrder(o))
		}
	}
	return views, observed, nil
}

// CancelOrder cancels a pending order on behalf of its owner and returns
// the confirmation shown to them.
func (t *Tracker) CancelOrder(ctx context.Context, userID, orderID, reason string) (model.Notification, error) {
	return t.cancel(ctx, model.KindOrder, userID, orderID, reason)
}

// CancelAppointment cancels an upcoming appointment on behalf of its
// patient and returns the confirmation shown to them.
func (t *Tracker) CancelAppointment(ctx context.Context, userID, appointmentID, reason string) (model.Notification, error) {
	return t.cancel(ctx, model.KindAppointment, userID, appointmentID, reason)
}

func (t *Tracker) cancel(ctx context.Context, kind model.Kind, userID, id, reason string) (model.Notification, error) {
	ctx, span := t.tracer.Start(ctx, "cancel_"+string(kind))
	defer span.End()
	span.SetAttributes(
		attribute.String("record.id", id),
		attribute.String("user.id", userID),
	)

	doc, err := t.store.Get(ctx, kind.Collection(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Notification{}, fmt.Errorf("cancel %s %s: %w", kind, id, ErrNotFound)
		}
		span.RecordError(err)
		return model.Notification{}, fmt.Errorf("cancel %s %s: %w", kind, id, err)
	}
	if doc.String(kind.OwnerField()) != userID {
		return model.Notification{}, fmt.Errorf("cancel %s %s: %w", kind, id, ErrNotFound)
	}

	obs, err := observe(kind, doc)
	if err != nil {
		return model.Notification{}, err
	}

	if Terminal(kind, obs.Status) {
		return model.Notification{}, fmt.Errorf("cancel %s %s (%s): %w", kind, id, obs.Status, ErrTerminal)
	}
	if !Cancellable(kind, obs.Status) {
		return model.Notification{}, fmt.Errorf("cancel %s %s (%s): %w", kind, id, obs.Status, ErrNotCancellable)
	}

	patch := map[string]any{
		"status":             model.StatusCancelled,
		"cancelledBy":        model.PartyPatient,
		"cancellationReason": reason,
	}
	if err := t.store.Update(ctx, kind.Collection(), id, patch); err != nil {
		span.RecordError(err)
		return model.Notification{}, fmt.Errorf("cancel %s %s: %w", kind, id, err)
	}
	t.metrics.Cancelled(string(kind), string(model.PartyPatient))

	obs.Status = model.StatusCancelled
	obs.CancelledBy = model.PartyPatient
	obs.Reason = reason
	confirmation := notify.Confirmation(obs)

	t.logger.Info("Record cancelled by patient",
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.String("user_id", userID),
		zap.String("confirmation", confirmation.Description),
	)
	return confirmation, nil
}
