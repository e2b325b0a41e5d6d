// Package booking implements teleconsultation booking: specialty and doctor
// selection, conflict-checked time slots and confirmed appointments.
package booking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/careflow/internal/domain/model"
)

// SlotLayout is the label format of a time slot
const SlotLayout = "03:04 PM"

// DateLayout is the wire format of a booking date
const DateLayout = "2006-01-02"

var (
	ErrInvalidSlot      = errors.New("invalid time slot")
	ErrSlotUnavailable  = errors.New("time slot is no longer available")
	ErrDateOutOfRange   = errors.New("date is outside the booking window")
	ErrUnknownSpecialty = errors.New("unknown specialty")
	ErrUnknownDoctor    = errors.New("doctor not found for specialty")
	ErrInvalidType      = errors.New("invalid consultation type")
	ErrWrongStep        = errors.New("action not allowed at this step")
)

// DefaultSlots are the half-hour consultation slots offered each day.
var DefaultSlots = []string{
	"10:00 AM", "10:30 AM", "11:00 AM", "11:30 AM",
	"02:00 PM", "02:30 PM", "03:00 PM", "03:30 PM",
}

// Specialties offered for booking
var Specialties = []string{
	"General Physician",
	"Pediatrics",
	"Gynecology",
	"Dermatology",
	"Orthopedics",
	"Cardiology",
}

// KnownSpecialty reports whether s is an offered specialty, ignoring case.
func KnownSpecialty(s string) (string, bool) {
	for _, sp := range Specialties {
		if strings.EqualFold(sp, strings.TrimSpace(s)) {
			return sp, true
		}
	}
	return "", false
}

// Fee is the consultation fee in rupees for a consultation type
func Fee(t model.ConsultationType) float64 {
	switch t {
	case model.ConsultVideo:
		return 500
	case model.ConsultAudio:
		return 300
	case model.ConsultChat:
		return 150
	}
	return 0
}

// parseClock parses "hh:mm AM" into a 24-hour clock. 12 AM is hour 0 and
// 12 PM is hour 12.
func parseClock(label string) (int, int, error) {
	t, err := time.Parse("3:04 PM", strings.ToUpper(strings.TrimSpace(label)))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidSlot, label)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseSlot converts a slot label on day into a timestamp in loc.
func ParseSlot(day time.Time, label string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	h, m, err := parseClock(label)
	if err != nil {
		return time.Time{}, err
	}
	y, mo, d := day.In(loc).Date()
	return time.Date(y, mo, d, h, m, 0, 0, loc), nil
}

// SlotLabel formats t as a slot label in loc
func SlotLabel(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(SlotLayout)
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// AvailableSlots removes from candidates every slot held by an upcoming
// appointment of doctorID on the local calendar day of day. The input
// order of appointments does not matter; candidate order is kept.
func AvailableSlots(candidates []string, doctorID string, day time.Time, appointments []model.Appointment, loc *time.Location) []string {
	if loc == nil {
		loc = time.Local
	}
	type clock struct{ h, m int }
	occupied := make(map[clock]struct{})
	for _, a := range appointments {
		if a.Status != model.StatusUpcoming || a.DoctorID != doctorID {
			continue
		}
		if !sameDay(a.ScheduledAt, day, loc) {
			continue
		}
		local := a.ScheduledAt.In(loc)
		occupied[clock{local.Hour(), local.Minute()}] = struct{}{}
	}

	out := make([]string, 0, len(candidates))
	for _, label := range candidates {
		h, m, err := parseClock(label)
		if err != nil {
			continue
		}
		if _, taken := occupied[clock{h, m}]; taken {
			continue
		}
		out = append(out, label)
	}
	return out
}

// SelectableDates lists the bookable days: today through today+windowDays-1.
func SelectableDates(now time.Time, windowDays int, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := now.In(loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	out := make([]time.Time, 0, windowDays)
	for i := 0; i < windowDays; i++ {
		out = append(out, today.AddDate(0, 0, i))
	}
	return out
}

// InWindow reports whether day falls within the selectable dates.
func InWindow(now, day time.Time, windowDays int, loc *time.Location) bool {
	for _, d := range SelectableDates(now, windowDays, loc) {
		if sameDay(d, day, loc) {
			return true
		}
	}
	return false
}
