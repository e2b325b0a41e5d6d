// Package handlers provides HTTP handlers for the careflow API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/api/middleware"
	"github.com/drfirst/careflow/internal/domain/booking"
	"github.com/drfirst/careflow/internal/domain/fulfillment"
	"github.com/drfirst/careflow/internal/domain/lifecycle"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/inference"
	"github.com/drfirst/careflow/internal/store"
)

// Deps are the collaborators the API drives
type Deps struct {
	Store       store.Store
	Fulfillment *fulfillment.Service
	Booking     *booking.Service
	Tracker     *lifecycle.Tracker
	Analyzer    inference.Analyzer
	Logger      *zap.Logger
}

// API serves the patient-facing routes
type API struct {
	store       store.Store
	fulfillment *fulfillment.Service
	booking     *booking.Service
	tracker     *lifecycle.Tracker
	analyzer    inference.Analyzer
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewAPI creates the API handlers
func NewAPI(d Deps) *API {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &API{
		store:       d.Store,
		fulfillment: d.Fulfillment,
		booking:     d.Booking,
		tracker:     d.Tracker,
		analyzer:    d.Analyzer,
		logger:      d.Logger,
		tracer:      otel.Tracer("careflow-api"),
	}
}

// Routes returns the handler routes. Every route expects an authenticated
// user in the request context.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/pharmacies", a.ListPharmacies)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", a.PlaceOrder)
		r.Get("/", a.ListOrders)
		r.Get("/stream", a.StreamOrders)
		r.Post("/{id}/cancel", a.CancelOrder)
	})

	r.Route("/prescriptions", func(r chi.Router) {
		r.Post("/send", a.SendPrescription)
		r.Post("/scan", a.ScanPrescription)
	})

	r.Get("/doctors/{id}/slots", a.DoctorSlots)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", a.BookAppointment)
		r.Get("/", a.ListAppointments)
		r.Get("/stream", a.StreamAppointments)
		r.Post("/{id}/cancel", a.CancelAppointment)
	})

	r.Get("/notifications", a.ListNotifications)
	return r
}

// customerName reads the display name of a user, if one is on file
func (a *API) customerName(ctx context.Context, userID string) string {
	doc, err := a.store.Get(ctx, model.CollectionUsers, userID)
	if err != nil {
		return ""
	}
	return doc.String("name")
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v validation.Validatable) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := v.Validate(); err != nil {
		a.jsonResponse(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": err,
		})
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, inference.ErrServiceBusy):
		code, msg = http.StatusServiceUnavailable, inference.BusyMessage
	case errors.Is(err, inference.ErrNoImage):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, inference.ErrTooLarge):
		code, msg = http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, lifecycle.ErrNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, fulfillment.ErrUnknownPharmacy),
		errors.Is(err, booking.ErrUnknownDoctor):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, lifecycle.ErrTerminal),
		errors.Is(err, lifecycle.ErrNotCancellable),
		errors.Is(err, fulfillment.ErrOutOfStock),
		errors.Is(err, fulfillment.ErrEmptyBill),
		errors.Is(err, booking.ErrSlotUnavailable):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, booking.ErrInvalidSlot),
		errors.Is(err, booking.ErrDateOutOfRange),
		errors.Is(err, booking.ErrUnknownSpecialty),
		errors.Is(err, booking.ErrInvalidType):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, fulfillment.ErrStoreUnavailable):
		code, msg = http.StatusServiceUnavailable, fulfillment.ErrStoreUnavailable.Error()
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		code, msg = http.StatusServiceUnavailable, "service temporarily unavailable, please try again"
	}

	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	a.jsonError(w, msg, code)
}

func (a *API) jsonResponse(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (a *API) jsonError(w http.ResponseWriter, msg string, code int) {
	a.jsonResponse(w, code, map[string]string{"error": msg})
}

// parseDay reads a booking date in the booking time zone
func (a *API) parseDay(s string) (time.Time, error) {
	return time.ParseInLocation(booking.DateLayout, s, a.booking.Location())
}
