package notify

import (
	"strings"

	"github.com/drfirst/careflow/internal/domain/model"
)

// Template is a notification with {{key}} placeholders
type Template struct {
	ID    string
	Title string
	Body  string
	Type  model.NotificationType
}

// Template IDs
const (
	TplOrderPlaced            = "order_placed"
	TplPrescriptionSent       = "prescription_sent"
	TplAppointmentConfirmed   = "appointment_confirmed"
	TplOrderCancelledBy       = "order_cancelled_by_pharmacy"
	TplAppointmentCancelledBy = "appointment_cancelled_by_doctor"
	TplOrderSelfCancel        = "order_cancelled_by_patient"
	TplAppointmentSelfCancel  = "appointment_cancelled_by_patient"
)

var templates = map[string]Template{
	TplOrderPlaced: {
		ID:    TplOrderPlaced,
		Title: "Order Placed!",
		Body:  "Your order from {{pharmacy}} has been placed.",
		Type:  model.NotifyMedicine,
	},
	TplPrescriptionSent: {
		ID:    TplPrescriptionSent,
		Title: "Prescription Sent",
		Body:  "Your prescription from {{doctor}} was sent to {{pharmacy}}.",
		Type:  model.NotifyMedicine,
	},
	TplAppointmentConfirmed: {
		ID:    TplAppointmentConfirmed,
		Title: "Appointment Confirmed",
		Body:  "Your {{consultation}} consultation with {{doctor}} is booked for {{when}}.",
		Type:  model.NotifyAppointment,
	},
	TplOrderCancelledBy: {
		ID:    TplOrderCancelledBy,
		Title: "Order Cancelled",
		Body:  "{{pharmacy}} cancelled your order. Reason: {{reason}}",
		Type:  model.NotifyMedicine,
	},
	TplAppointmentCancelledBy: {
		ID:    TplAppointmentCancelledBy,
		Title: "Appointment Cancelled",
		Body:  "{{doctor}} cancelled your appointment on {{when}}. Reason: {{reason}}",
		Type:  model.NotifyAppointment,
	},
	TplOrderSelfCancel: {
		ID:    TplOrderSelfCancel,
		Title: "Order Cancelled",
		Body:  "You cancelled your order from {{pharmacy}}.",
		Type:  model.NotifyMedicine,
	},
	TplAppointmentSelfCancel: {
		ID:    TplAppointmentSelfCancel,
		Title: "Appointment Cancelled",
		Body:  "You cancelled your appointment with {{doctor}} on {{when}}.",
		Type:  model.NotifyAppointment,
	},
}

// Render looks up a template by ID and performs {{key}} replacement. It
// returns false for an unknown ID.
func Render(id string, userID string, vars map[string]string) (model.Notification, bool) {
	tpl, ok := templates[id]
	if !ok {
		return model.Notification{}, false
	}
	title, body := tpl.Title, tpl.Body
	for k, v := range vars {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return model.Notification{
		UserID:      userID,
		Title:       title,
		Description: body,
		Type:        tpl.Type,
	}, true
}
