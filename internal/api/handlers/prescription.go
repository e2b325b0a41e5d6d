package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/api/middleware"
	"github.com/drfirst/careflow/internal/domain/fulfillment"
	"github.com/drfirst/careflow/internal/domain/lifecycle"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/prescription"
	"github.com/drfirst/careflow/internal/inference"
	"github.com/drfirst/careflow/internal/store"
)

// maxUploadBytes bounds a multipart scan upload including form overhead
const maxUploadBytes = 12 << 20

// BillAdjustment moves one bill line by Delta
type BillAdjustment struct {
	Line  int `json:"line"`
	Delta int `json:"delta"`
}

// SendRequest is the request body for sending a prescription to a pharmacy
type SendRequest struct {
	PrescriptionID string           `json:"prescriptionId"`
	PharmacyID     string           `json:"pharmacyId"`
	Adjustments    []BillAdjustment `json:"adjustments,omitempty"`
	// Preview prices the bill without placing the order
	Preview bool `json:"preview,omitempty"`
}

// Validate implements validation.Validatable
func (req SendRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.PrescriptionID, validation.Required),
		validation.Field(&req.PharmacyID, validation.Required),
	)
}

// SendPrescription handles POST /prescriptions/send
func (a *API) SendPrescription(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "send_prescription_request")
	defer span.End()

	var req SendRequest
	if !a.decode(w, r, &req) {
		return
	}
	span.SetAttributes(
		attribute.String("prescription.id", req.PrescriptionID),
		attribute.String("pharmacy.id", req.PharmacyID),
	)

	userID := middleware.GetUserID(ctx)
	rx, err := a.loadPrescription(r, userID, req.PrescriptionID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	s := a.fulfillment.NewSession(
		fulfillment.Customer{ID: userID, Name: a.customerName(ctx, userID)},
		fulfillment.SendEntry{Prescription: rx},
	)
	bill, err := s.PreviewBill(req.PharmacyID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	for _, adj := range req.Adjustments {
		bill, _ = s.AdjustBill(adj.Line, adj.Delta)
	}
	if req.Preview {
		a.jsonResponse(w, http.StatusOK, map[string]any{"bill": bill, "total": bill.Total()})
		return
	}

	order, err := s.SendTo(ctx, req.PharmacyID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusCreated, map[string]any{"order": order, "bill": bill})
}

// loadPrescription reads a prescription issued to userID
func (a *API) loadPrescription(r *http.Request, userID, id string) (prescription.Prescription, error) {
	doc, err := a.store.Get(r.Context(), model.CollectionPrescriptions, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return prescription.Prescription{}, fmt.Errorf("prescription %s: %w", id, lifecycle.ErrNotFound)
		}
		return prescription.Prescription{}, err
	}
	var rx prescription.Prescription
	if err := doc.Decode(&rx); err != nil {
		return prescription.Prescription{}, err
	}
	if rx.PatientID == "" || rx.PatientID != userID {
		return prescription.Prescription{}, fmt.Errorf("prescription %s: %w", id, lifecycle.ErrNotFound)
	}
	return rx, nil
}

// ScanPrescription handles POST /prescriptions/scan. The image is read
// from the multipart field "file", analyzed and stored as a prescription.
func (a *API) ScanPrescription(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "scan_prescription_request")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			a.writeError(w, r, inference.ErrTooLarge)
			return
		}
		a.writeError(w, r, inference.ErrNoImage)
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		a.jsonError(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	reader := inference.NewReader(a.analyzer)
	reader.Upload(image)
	res, err := reader.Analyze(ctx)
	if err != nil {
		a.logger.Warn("Prescription scan failed", zap.Error(err))
		a.writeError(w, r, err)
		return
	}

	userID := middleware.GetUserID(ctx)
	rx, err := inference.SaveScan(ctx, a.store, userID, a.customerName(ctx, userID), res)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	// order shortcuts for each scanned medicine
	availability := make(map[string][]string, len(rx.Medications))
	for _, name := range rx.MedicineNames() {
		ids := []string{}
		for _, p := range a.fulfillment.Catalog().InStockAt(name) {
			ids = append(ids, p.ID)
		}
		availability[name] = ids
	}

	a.jsonResponse(w, http.StatusCreated, map[string]any{
		"prescription": rx,
		"inStockAt":    availability,
	})
}
