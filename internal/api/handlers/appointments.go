package handlers

import (
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drfirst/careflow/internal/api/middleware"
	"github.com/drfirst/careflow/internal/domain/booking"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/store"
)

// DoctorSlots handles GET /doctors/{id}/slots?date=2006-01-02
func (a *API) DoctorSlots(w http.ResponseWriter, r *http.Request) {
	day, err := a.parseDay(r.URL.Query().Get("date"))
	if err != nil {
		a.jsonError(w, "date must be formatted as "+booking.DateLayout, http.StatusBadRequest)
		return
	}
	doctorID := chi.URLParam(r, "id")
	slots, err := a.booking.Slots(r.Context(), doctorID, day)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if slots == nil {
		slots = []string{}
	}
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"doctorId": doctorID,
		"date":     day.Format(booking.DateLayout),
		"slots":    slots,
	})
}

// BookRequest is the request body for booking a consultation
type BookRequest struct {
	Specialty     string                 `json:"specialty"`
	DoctorID      string                 `json:"doctorId"`
	Type          model.ConsultationType `json:"type"`
	Date          string                 `json:"date"`
	Slot          string                 `json:"slot"`
	PaymentMethod string                 `json:"paymentMethod"`
}

// Validate implements validation.Validatable
func (req BookRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Specialty, validation.Required),
		validation.Field(&req.DoctorID, validation.Required),
		validation.Field(&req.Type, validation.Required,
			validation.In(model.ConsultVideo, model.ConsultAudio, model.ConsultChat)),
		validation.Field(&req.Date, validation.Required, validation.Date(booking.DateLayout)),
		validation.Field(&req.Slot, validation.Required),
		validation.Field(&req.PaymentMethod, validation.Required),
	)
}

// BookAppointment handles POST /appointments by walking a booking session
// through every step.
func (a *API) BookAppointment(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "book_appointment_request")
	defer span.End()

	var req BookRequest
	if !a.decode(w, r, &req) {
		return
	}
	span.SetAttributes(
		attribute.String("doctor.id", req.DoctorID),
		attribute.String("slot", req.Slot),
	)
	day, err := a.parseDay(req.Date)
	if err != nil {
		a.jsonError(w, "date must be formatted as "+booking.DateLayout, http.StatusBadRequest)
		return
	}

	userID := middleware.GetUserID(ctx)
	s := a.booking.NewSession(userID, a.customerName(ctx, userID))
	defer s.Close()

	if err := s.SelectSpecialty(ctx, req.Specialty); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := s.SelectDoctor(req.DoctorID, req.Type); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := s.SelectDate(ctx, day); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := s.SelectSlot(req.Slot); err != nil {
		a.writeError(w, r, err)
		return
	}
	appt, err := s.ConfirmPayment(ctx, req.PaymentMethod)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusCreated, map[string]any{"appointment": appt})
}

// ListAppointments handles GET /appointments
func (a *API) ListAppointments(w http.ResponseWriter, r *http.Request) {
	a.listTracked(w, r, model.KindAppointment)
}

// StreamAppointments handles GET /appointments/stream
func (a *API) StreamAppointments(w http.ResponseWriter, r *http.Request) {
	a.stream(w, r, model.KindAppointment)
}

// CancelAppointment handles POST /appointments/{id}/cancel
func (a *API) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	a.cancel(w, r, model.KindAppointment)
}

// ListNotifications handles GET /notifications, newest first
func (a *API) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := store.Where(model.CollectionNotifications, "userId", middleware.GetUserID(ctx)).
		Ordered("createdAt", true)
	docs, err := a.store.List(ctx, q)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	notifications, err := store.DecodeAll[model.Notification](docs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if notifications == nil {
		notifications = []model.Notification{}
	}
	a.jsonResponse(w, http.StatusOK, map[string]any{"notifications": notifications})
}
