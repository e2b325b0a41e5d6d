package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/domain/catalog"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/notify"
	"github.com/drfirst/careflow/internal/domain/pricing"
	"github.com/drfirst/careflow/internal/domain/prescription"
	"github.com/drfirst/careflow/internal/observability/metrics"
	"github.com/drfirst/careflow/internal/store"
)

var (
	ErrWrongState       = errors.New("action not allowed in the current state")
	ErrUnknownPharmacy  = errors.New("pharmacy not found")
	ErrOutOfStock       = errors.New("medicine is out of stock")
	ErrEmptyBill        = errors.New("no prescribed medicine is in stock at this pharmacy")
	ErrStoreUnavailable = errors.New("order could not be saved, please try again")
)

// Customer identifies the patient placing orders
type Customer struct {
	ID   string
	Name string
}

// Draft is the unconfirmed order line under review
type Draft struct {
	PharmacyID   string  `json:"pharmacyId"`
	PharmacyName string  `json:"pharmacyName"`
	Medicine     string  `json:"medicine"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unitPrice"`
	Max          int     `json:"max"`
}

// Total is the line total of the draft
func (d Draft) Total() float64 {
	return pricing.LineTotal(d.UnitPrice, d.Quantity)
}

// Service creates fulfillment sessions
type Service struct {
	catalog *catalog.Catalog
	store   store.Store
	emitter *notify.Emitter
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService creates a fulfillment service. emitter, logger and m may be nil.
func NewService(cat *catalog.Catalog, s store.Store, emitter *notify.Emitter, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		catalog: cat,
		store:   s,
		emitter: emitter,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("fulfillment"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Catalog returns the catalog sessions read from
func (svc *Service) Catalog() *catalog.Catalog { return svc.catalog }

// Session is one patient's fulfillment flow. It is owned by a single
// caller and is not safe for concurrent use.
type Session struct {
	svc      *Service
	customer Customer
	entry    Entry
	state    State

	search   string
	ranked   []catalog.Ranked
	pharmacy *catalog.Pharmacy
	medicine string
	stock    catalog.StockRecord
	draft    *Draft

	prescription *prescription.Prescription
	bill         *pricing.Bill

	order *model.Order
}

// NewSession starts a session from entry. A nil entry browses.
func (svc *Service) NewSession(c Customer, entry Entry) *Session {
	if entry == nil {
		entry = BrowseEntry{}
	}
	s := &Session{svc: svc, customer: c}
	s.start(entry)
	return s
}

func (s *Session) start(entry Entry) {
	s.entry = entry
	s.state = Browsing
	s.clearSelection()
	s.ranked = nil
	s.prescription = nil
	s.bill = nil
	s.order = nil

	switch e := entry.(type) {
	case SearchEntry:
		s.ranked = s.svc.catalog.RankByStock(e.Medicines)
	case SendEntry:
		p := e.Prescription
		s.prescription = &p
		s.state = SendingPrescription
	case MedicineEntry:
		if err := s.SelectPharmacy(e.PharmacyID); err != nil {
			s.svc.logger.Debug("Medicine entry pharmacy not found", zap.String("pharmacy_id", e.PharmacyID))
			return
		}
		s.SelectMedicine(e.Medicine)
	}
}

func (s *Session) clearSelection() {
	s.search = ""
	s.pharmacy = nil
	s.medicine = ""
	s.stock = catalog.StockRecord{}
	s.draft = nil
}

// State returns the current workflow state
func (s *Session) State() State { return s.state }

// Entry returns the entry the session started from
func (s *Session) Entry() Entry { return s.entry }

// Search sets the browse filter text.
func (s *Session) Search(term string) {
	s.search = strings.TrimSpace(term)
}

// Pharmacies lists the pharmacies the patient can choose from: the search
// filter while browsing, or every pharmacy when sending a prescription.
func (s *Session) Pharmacies() []catalog.Pharmacy {
	if _, ok := s.entry.(SearchEntry); ok {
		out := make([]catalog.Pharmacy, 0, len(s.ranked))
		for _, r := range s.ranked {
			out = append(out, r.Pharmacy)
		}
		return out
	}
	if s.state == SendingPrescription {
		return s.svc.catalog.Pharmacies()
	}
	return s.svc.catalog.Search(s.search)
}

// Ranked returns pharmacies ranked by in-stock count for a search entry
func (s *Session) Ranked() []catalog.Ranked {
	out := make([]catalog.Ranked, len(s.ranked))
	copy(out, s.ranked)
	return out
}

// SelectPharmacy chooses a pharmacy and clears any medicine selection and
// search text.
func (s *Session) SelectPharmacy(id string) error {
	switch s.state {
	case Browsing, PharmacySelected, MedicineSelected:
	default:
		return fmt.Errorf("select pharmacy in %s: %w", s.state, ErrWrongState)
	}
	p, ok := s.svc.catalog.Pharmacy(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPharmacy, id)
	}
	s.clearSelection()
	s.pharmacy = &p
	s.state = PharmacySelected
	return nil
}

// Pharmacy returns the selected pharmacy
func (s *Session) Pharmacy() (catalog.Pharmacy, bool) {
	if s.pharmacy == nil {
		return catalog.Pharmacy{}, false
	}
	return *s.pharmacy, true
}

// SelectMedicine looks name up at the selected pharmacy. An unmatched name
// leaves the session unchanged and reports false.
func (s *Session) SelectMedicine(name string) bool {
	if s.pharmacy == nil || (s.state != PharmacySelected && s.state != MedicineSelected) {
		return false
	}
	key, rec, ok := s.pharmacy.Lookup(name)
	if !ok {
		return false
	}
	s.medicine = key
	s.stock = rec
	s.draft = nil
	s.state = MedicineSelected
	return true
}

// Selected returns the selected medicine and its stock record
func (s *Session) Selected() (string, catalog.StockRecord, bool) {
	if s.state != MedicineSelected && s.state != Reviewing {
		return "", catalog.StockRecord{}, false
	}
	return s.medicine, s.stock, true
}

// CanOrder reports whether the selected medicine can be ordered
func (s *Session) CanOrder() bool {
	return s.state == MedicineSelected && s.stock.Quantity > 0
}

// Order starts reviewing a draft of one unit at the current price.
func (s *Session) Order() (Draft, error) {
	if s.state != MedicineSelected {
		return Draft{}, fmt.Errorf("order in %s: %w", s.state, ErrWrongState)
	}
	if s.stock.Quantity <= 0 {
		return Draft{}, fmt.Errorf("%s at %s: %w", s.medicine, s.pharmacy.Name, ErrOutOfStock)
	}
	s.draft = &Draft{
		PharmacyID:   s.pharmacy.ID,
		PharmacyName: s.pharmacy.Name,
		Medicine:     s.medicine,
		Quantity:     1,
		UnitPrice:    s.stock.Price,
		Max:          s.stock.Quantity,
	}
	s.state = Reviewing
	return *s.draft, nil
}

// Draft returns the draft under review
func (s *Session) Draft() (Draft, bool) {
	if s.draft == nil {
		return Draft{}, false
	}
	return *s.draft, true
}

// AdjustQuantity moves the draft quantity by delta within [1, stock].
func (s *Session) AdjustQuantity(delta int) (Draft, error) {
	if s.state != Reviewing || s.draft == nil {
		return Draft{}, fmt.Errorf("adjust quantity in %s: %w", s.state, ErrWrongState)
	}
	s.draft.Quantity = pricing.AdjustQuantity(s.draft.Quantity, delta, s.draft.Max)
	return *s.draft, nil
}

// ConfirmPayment persists the draft as a pending order. Payment is
// simulated and any method succeeds. On a store failure the session stays
// in review so the patient can retry.
func (s *Session) ConfirmPayment(ctx context.Context, paymentMethod string) (model.Order, error) {
	if s.state != Reviewing || s.draft == nil {
		return model.Order{}, fmt.Errorf("confirm payment in %s: %w", s.state, ErrWrongState)
	}
	d := *s.draft
	order := model.Order{
		UserID:       s.customer.ID,
		PharmacyID:   d.PharmacyID,
		PharmacyName: d.PharmacyName,
		CustomerName: s.customer.Name,
		Items: []model.LineItem{{
			Medicine:  d.Medicine,
			Quantity:  d.Quantity,
			UnitPrice: d.UnitPrice,
		}},
		Total:         d.Total(),
		Status:        model.StatusPending,
		Type:          model.OrderTypeSingle,
		PaymentMethod: strings.TrimSpace(paymentMethod),
	}

	placed, err := s.place(ctx, order, notify.TplOrderPlaced, map[string]string{"pharmacy": d.PharmacyName})
	if err != nil {
		return model.Order{}, err
	}
	s.state = Confirmed
	return placed, nil
}

// Placed returns the order written by this session
func (s *Session) Placed() (model.Order, bool) {
	if s.order == nil {
		return model.Order{}, false
	}
	return *s.order, true
}

// Reset returns to browsing and clears all transient selection state.
func (s *Session) Reset() {
	s.start(BrowseEntry{})
}

// PreviewBill prices the prescription at a pharmacy with every line at its
// required quantity. The bill is kept for AdjustBill and SendTo.
func (s *Session) PreviewBill(pharmacyID string) (*pricing.Bill, error) {
	if s.state != SendingPrescription || s.prescription == nil {
		return nil, fmt.Errorf("preview bill in %s: %w", s.state, ErrWrongState)
	}
	p, ok := s.svc.catalog.Pharmacy(pharmacyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPharmacy, pharmacyID)
	}
	s.pharmacy = &p
	s.bill = pricing.NewBill(p, s.prescription.Medications)
	return s.bill, nil
}

// AdjustBill moves one bill line within [1, required quantity].
func (s *Session) AdjustBill(line, delta int) (*pricing.Bill, error) {
	if s.state != SendingPrescription || s.bill == nil {
		return nil, fmt.Errorf("adjust bill in %s: %w", s.state, ErrWrongState)
	}
	s.bill.Adjust(line, delta)
	return s.bill, nil
}

// SendTo sends the prescription to a pharmacy as a prescription-bill order
// of its in-stock lines and records a notification.
func (s *Session) SendTo(ctx context.Context, pharmacyID string) (model.Order, error) {
	if s.state != SendingPrescription || s.prescription == nil {
		return model.Order{}, fmt.Errorf("send prescription in %s: %w", s.state, ErrWrongState)
	}
	if s.bill == nil || s.bill.PharmacyID != pharmacyID {
		if _, err := s.PreviewBill(pharmacyID); err != nil {
			return model.Order{}, err
		}
	}
	items := s.bill.Items()
	if len(items) == 0 {
		return model.Order{}, fmt.Errorf("%s: %w", s.bill.PharmacyName, ErrEmptyBill)
	}

	rx := s.prescription
	order := model.Order{
		UserID:         s.customer.ID,
		PharmacyID:     s.bill.PharmacyID,
		PharmacyName:   s.bill.PharmacyName,
		CustomerName:   s.customer.Name,
		Items:          items,
		Total:          s.bill.Total(),
		Status:         model.StatusPending,
		Type:           model.OrderTypePrescription,
		PrescriptionID: rx.ID,
	}
	doctor := rx.DoctorName
	if doctor == "" {
		doctor = "your doctor"
	}
	placed, err := s.place(ctx, order, notify.TplPrescriptionSent, map[string]string{
		"doctor":   doctor,
		"pharmacy": s.bill.PharmacyName,
	})
	if err != nil {
		return model.Order{}, err
	}
	s.state = SendConfirmed
	return placed, nil
}

func (s *Session) place(ctx context.Context, order model.Order, tpl string, vars map[string]string) (model.Order, error) {
	ctx, span := s.svc.tracer.Start(ctx, "place_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.type", string(order.Type)),
		attribute.String("pharmacy.id", order.PharmacyID),
		attribute.Float64("order.total", order.Total),
	)

	order.CreatedAt = s.svc.now()
	id, err := s.svc.store.Create(ctx, model.CollectionOrders, order)
	if err != nil {
		span.RecordError(err)
		s.svc.logger.Error("Failed to place order",
			zap.String("user_id", order.UserID),
			zap.String("pharmacy_id", order.PharmacyID),
			zap.Error(err),
		)
		return model.Order{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	order.ID = id
	s.order = &order
	s.svc.metrics.OrderPlaced(string(order.Type))

	if s.svc.emitter != nil {
		s.svc.emitter.BestEffort(ctx, tpl, order.UserID, vars)
	}

	s.svc.logger.Info("Order placed",
		zap.String("order_id", id),
		zap.String("user_id", order.UserID),
		zap.String("pharmacy_id", order.PharmacyID),
		zap.String("type", string(order.Type)),
		zap.Float64("total", order.Total),
	)
	return order, nil
}
