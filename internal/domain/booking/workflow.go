package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/notify"
	"github.com/drfirst/careflow/internal/observability/metrics"
	"github.com/drfirst/careflow/internal/store"
)

// Step is a booking workflow state
type Step int

const (
	StepSpecialty Step = iota
	StepDoctors
	StepTimeSelection
	StepPayment
	StepConfirmed
)

func (s Step) String() string {
	switch s {
	case StepSpecialty:
		return "specialty"
	case StepDoctors:
		return "doctors"
	case StepTimeSelection:
		return "time_selection"
	case StepPayment:
		return "payment"
	case StepConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// Config holds booking configuration
type Config struct {
	Slots      []string
	WindowDays int
	Location   *time.Location
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Slots:      DefaultSlots,
		WindowDays: 7,
		Location:   time.Local,
	}
}

// Service creates booking sessions
type Service struct {
	store   store.Store
	emitter *notify.Emitter
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService creates a booking service. emitter, logger and m may be nil.
func NewService(s store.Store, emitter *notify.Emitter, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Slots) == 0 {
		cfg.Slots = DefaultSlots
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 7
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Service{
		store:   s,
		emitter: emitter,
		config:  cfg,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("booking"),
		now:     time.Now,
	}
}

// WithClock replaces the time source
func (svc *Service) WithClock(now func() time.Time) *Service {
	svc.now = now
	return svc
}

// Location is the time zone slot labels are expressed in
func (svc *Service) Location() *time.Location { return svc.config.Location }

// Slots returns the free slots of a doctor on day from a one-shot read.
func (svc *Service) Slots(ctx context.Context, doctorID string, day time.Time) ([]string, error) {
	docs, err := svc.store.List(ctx, store.Where(model.CollectionAppointments,
		"doctorId", doctorID,
		"status", model.StatusUpcoming,
	))
	if err != nil {
		return nil, fmt.Errorf("list appointments for %s: %w", doctorID, err)
	}
	appts, err := store.DecodeAll[model.Appointment](docs)
	if err != nil {
		return nil, err
	}
	return AvailableSlots(svc.config.Slots, doctorID, day, appts, svc.config.Location), nil
}

// Session is one patient's pass through the booking workflow. A session
// is owned by a single caller and must be closed.
type Session struct {
	svc         *Service
	patientID   string
	patientName string

	step        Step
	specialty   string
	doctors     *store.Live
	doctor      *model.Doctor
	consultType model.ConsultationType
	date        time.Time
	appts       *store.Live
	slot        string
	booked      *model.Appointment
}

// NewSession starts a booking session for a patient
func (svc *Service) NewSession(patientID, patientName string) *Session {
	return &Session{
		svc:         svc,
		patientID:   patientID,
		patientName: patientName,
		step:        StepSpecialty,
	}
}

// Step returns the current workflow state
func (s *Session) Step() Step { return s.step }

// SelectSpecialty opens a live doctor list for specialty. Any previous
// selection is dropped.
func (s *Session) SelectSpecialty(ctx context.Context, specialty string) error {
	if s.step == StepConfirmed {
		return ErrWrongStep
	}
	name, ok := KnownSpecialty(specialty)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSpecialty, specialty)
	}

	s.releaseAppointments()
	s.releaseDoctors()
	s.doctor, s.slot, s.date = nil, "", time.Time{}

	live, err := store.Watch(ctx, s.svc.store, store.Where(model.CollectionDoctors, "specialty", name), nil)
	if err != nil {
		return fmt.Errorf("subscribe doctors: %w", err)
	}
	s.doctors = live
	s.specialty = name
	s.step = StepDoctors
	return live.Wait(ctx)
}

// Doctors returns the latest doctors for the selected specialty. On a
// subscription error the last-known list is returned with the error.
func (s *Session) Doctors() ([]model.Doctor, error) {
	if s.doctors == nil {
		return nil, ErrWrongStep
	}
	docs, liveErr := s.doctors.Latest()
	doctors, err := store.DecodeAll[model.Doctor](docs)
	if err != nil {
		return nil, err
	}
	return doctors, liveErr
}

// SelectDoctor picks a doctor from the live list and a consultation type.
func (s *Session) SelectDoctor(doctorID string, consultType model.ConsultationType) error {
	if s.step < StepDoctors || s.step == StepConfirmed {
		return ErrWrongStep
	}
	if !consultType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, consultType)
	}
	doctors, _ := s.Doctors()
	var found *model.Doctor
	for i := range doctors {
		if doctors[i].ID == doctorID {
			found = &doctors[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDoctor, doctorID)
	}

	s.releaseAppointments()
	s.doctor = found
	s.consultType = consultType
	s.date, s.slot = time.Time{}, ""
	s.step = StepTimeSelection
	return nil
}

// SelectDate chooses a day inside the booking window and subscribes to
// the doctor's upcoming appointments, releasing any earlier subscription.
func (s *Session) SelectDate(ctx context.Context, day time.Time) error {
	if s.doctor == nil || s.step == StepConfirmed {
		return ErrWrongStep
	}
	loc := s.svc.config.Location
	if !InWindow(s.svc.now(), day, s.svc.config.WindowDays, loc) {
		return fmt.Errorf("%w: %s", ErrDateOutOfRange, day.In(loc).Format(DateLayout))
	}

	s.releaseAppointments()
	q := store.Where(model.CollectionAppointments,
		"doctorId", s.doctor.ID,
		"status", model.StatusUpcoming,
	)
	live, err := store.Watch(ctx, s.svc.store, q, nil)
	if err != nil {
		return fmt.Errorf("subscribe appointments: %w", err)
	}
	s.appts = live
	s.date = day
	s.slot = ""
	s.step = StepTimeSelection
	return live.Wait(ctx)
}

// AvailableSlots returns the free slots for the selected doctor and date
// from the latest snapshot.
func (s *Session) AvailableSlots() ([]string, error) {
	if s.appts == nil {
		return nil, ErrWrongStep
	}
	docs, liveErr := s.appts.Latest()
	appts, err := store.DecodeAll[model.Appointment](docs)
	if err != nil {
		return nil, err
	}
	return AvailableSlots(s.svc.config.Slots, s.doctor.ID, s.date, appts, s.svc.config.Location), liveErr
}

// SelectSlot picks one of the available slots and moves to payment.
func (s *Session) SelectSlot(label string) error {
	if s.appts == nil || (s.step != StepTimeSelection && s.step != StepPayment) {
		return ErrWrongStep
	}
	if _, _, err := parseClock(label); err != nil {
		return err
	}
	free, _ := s.AvailableSlots()
	if !containsSlot(free, label) {
		return fmt.Errorf("%w: %s", ErrSlotUnavailable, label)
	}
	s.slot = label
	s.step = StepPayment
	return nil
}

// ConfirmPayment writes the appointment as upcoming. Any payment method is
// accepted. The slot is re-checked against the latest snapshot only; two
// sessions confirming the same slot concurrently may both succeed.
func (s *Session) ConfirmPayment(ctx context.Context, paymentMethod string) (model.Appointment, error) {
	if s.step != StepPayment {
		return model.Appointment{}, ErrWrongStep
	}
	ctx, span := s.svc.tracer.Start(ctx, "confirm_appointment")
	defer span.End()
	span.SetAttributes(
		attribute.String("doctor.id", s.doctor.ID),
		attribute.String("slot", s.slot),
	)

	free, _ := s.AvailableSlots()
	if !containsSlot(free, s.slot) {
		s.step = StepTimeSelection
		return model.Appointment{}, fmt.Errorf("%w: %s", ErrSlotUnavailable, s.slot)
	}

	loc := s.svc.config.Location
	at, err := ParseSlot(s.date, s.slot, loc)
	if err != nil {
		return model.Appointment{}, err
	}
	appt := model.Appointment{
		PatientID:     s.patientID,
		PatientName:   s.patientName,
		DoctorID:      s.doctor.ID,
		DoctorName:    s.doctor.Name,
		Specialty:     s.doctor.Specialty,
		Type:          s.consultType,
		ScheduledAt:   at.UTC(),
		Status:        model.StatusUpcoming,
		Fee:           Fee(s.consultType),
		PaymentMethod: strings.TrimSpace(paymentMethod),
		CreatedAt:     s.svc.now().UTC(),
	}

	id, err := s.svc.store.Create(ctx, model.CollectionAppointments, appt)
	if err != nil {
		span.RecordError(err)
		s.svc.logger.Error("Failed to book appointment",
			zap.String("patient_id", s.patientID),
			zap.String("doctor_id", s.doctor.ID),
			zap.Error(err),
		)
		return model.Appointment{}, fmt.Errorf("book appointment: %w", err)
	}
	appt.ID = id
	s.booked = &appt
	s.step = StepConfirmed
	s.svc.metrics.AppointmentBooked(string(appt.Type))

	if s.svc.emitter != nil {
		s.svc.emitter.BestEffort(ctx, notify.TplAppointmentConfirmed, s.patientID, map[string]string{
			"consultation": string(appt.Type),
			"doctor":       appt.DoctorName,
			"when":         at.Format(notify.WhenLayout),
		})
	}

	s.svc.logger.Info("Appointment booked",
		zap.String("appointment_id", id),
		zap.String("patient_id", s.patientID),
		zap.String("doctor_id", appt.DoctorID),
		zap.Time("scheduled_at", appt.ScheduledAt),
	)
	s.releaseAppointments()
	s.releaseDoctors()
	return appt, nil
}

// Booked returns the confirmed appointment, if any
func (s *Session) Booked() (model.Appointment, bool) {
	if s.booked == nil {
		return model.Appointment{}, false
	}
	return *s.booked, true
}

// Close releases every subscription held by the session.
func (s *Session) Close() error {
	s.releaseAppointments()
	s.releaseDoctors()
	return nil
}

func (s *Session) releaseAppointments() {
	if s.appts != nil {
		s.appts.Close()
		s.appts = nil
	}
}

func (s *Session) releaseDoctors() {
	if s.doctors != nil {
		s.doctors.Close()
		s.doctors = nil
	}
}

func containsSlot(slots []string, label string) bool {
	h, m, err := parseClock(label)
	if err != nil {
		return false
	}
	for _, sl := range slots {
		sh, sm, err := parseClock(sl)
		if err == nil && sh == h && sm == m {
			return true
		}
	}
	return false
}
