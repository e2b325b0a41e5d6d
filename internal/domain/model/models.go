// Package model defines the records persisted in the document store.
package model

import "time"

// Collection names
const (
	CollectionOrders        = "orders"
	CollectionAppointments  = "appointments"
	CollectionNotifications = "notifications"
	CollectionDoctors       = "doctors"
	CollectionPrescriptions = "prescriptions"
	CollectionUsers         = "users"
)

// Kind selects which tracked record type a lifecycle operation applies to
type Kind string

const (
	KindOrder       Kind = "order"
	KindAppointment Kind = "appointment"
)

// Collection returns the store collection holding records of this kind.
func (k Kind) Collection() string {
	if k == KindAppointment {
		return CollectionAppointments
	}
	return CollectionOrders
}

// OwnerField is the document field holding the owning user id.
func (k Kind) OwnerField() string {
	if k == KindAppointment {
		return "patientId"
	}
	return "userId"
}

// Status is a lifecycle status shared by orders and appointments
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusCompleted  Status = "completed"
	StatusUpcoming   Status = "upcoming"
	StatusCancelled  Status = "cancelled"
)

// Party identifies who performed a cancellation
type Party string

const (
	PartyPatient  Party = "patient"
	PartyDoctor   Party = "doctor"
	PartyPharmacy Party = "pharmacy"
)

// Counterparty reports whether the party is on the provider side.
func (p Party) Counterparty() bool {
	return p == PartyDoctor || p == PartyPharmacy
}

// OrderType distinguishes single-medicine orders from whole-prescription bills
type OrderType string

const (
	OrderTypeSingle       OrderType = "single-medicine"
	OrderTypePrescription OrderType = "prescription-bill"
)

// LineItem is one priced medicine line in an order
type LineItem struct {
	Medicine  string  `json:"medicine"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// Order is a placed medicine order
type Order struct {
	ID                 string     `json:"id,omitempty"`
	UserID             string     `json:"userId"`
	PharmacyID         string     `json:"pharmacyId"`
	PharmacyName       string     `json:"pharmacyName"`
	CustomerName       string     `json:"customerName"`
	Items              []LineItem `json:"items"`
	Total              float64    `json:"total"`
	Status             Status     `json:"status"`
	Type               OrderType  `json:"type"`
	PaymentMethod      string     `json:"paymentMethod,omitempty"`
	PrescriptionID     string     `json:"prescriptionId,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	CancelledBy        Party      `json:"cancelledBy,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty"`
}

// ConsultationType is the teleconsultation medium
type ConsultationType string

const (
	ConsultVideo ConsultationType = "video"
	ConsultAudio ConsultationType = "audio"
	ConsultChat  ConsultationType = "chat"
)

// Valid reports whether t is a known consultation type
func (t ConsultationType) Valid() bool {
	switch t {
	case ConsultVideo, ConsultAudio, ConsultChat:
		return true
	}
	return false
}

// Appointment is a booked teleconsultation
type Appointment struct {
	ID                 string           `json:"id,omitempty"`
	PatientID          string           `json:"patientId"`
	PatientName        string           `json:"patientName"`
	DoctorID           string           `json:"doctorId"`
	DoctorName         string           `json:"doctorName"`
	Specialty          string           `json:"specialty"`
	Type               ConsultationType `json:"type"`
	ScheduledAt        time.Time        `json:"dateTime"`
	Status             Status           `json:"status"`
	Fee                float64          `json:"fee"`
	PaymentMethod      string           `json:"paymentMethod,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	CancelledBy        Party            `json:"cancelledBy,omitempty"`
	CancellationReason string           `json:"cancellationReason,omitempty"`
}

// Doctor is a consultant listed for booking
type Doctor struct {
	ID         string  `json:"id,omitempty"`
	Name       string  `json:"name"`
	Specialty  string  `json:"specialty"`
	Experience int     `json:"experience,omitempty"`
	Rating     float64 `json:"rating,omitempty"`
	Available  bool    `json:"available"`
}

// NotificationType tags a notification for display
type NotificationType string

const (
	NotifyAppointment NotificationType = "appointment"
	NotifyMedicine    NotificationType = "medicine"
	NotifyAlert       NotificationType = "alert"
	NotifyNews        NotificationType = "news"
	NotifyTrends      NotificationType = "trends"
)

// Notification is a user-visible message created as a side effect
type Notification struct {
	ID          string           `json:"id,omitempty"`
	UserID      string           `json:"userId"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Type        NotificationType `json:"type"`
	CreatedAt   time.Time        `json:"createdAt"`
	IsRead      bool             `json:"isRead"`
}

// StatusUpdate is a provider-side status change for an order or appointment
type StatusUpdate struct {
	Kind               Kind      `json:"kind"`
	ID                 string    `json:"id"`
	Status             Status    `json:"status"`
	By                 Party     `json:"by"`
	CancellationReason string    `json:"cancellationReason,omitempty"`
	OccurredAt         time.Time `json:"occurredAt"`
}
