package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/prescription"
	"github.com/drfirst/careflow/internal/store"
)

// Reader holds one uploaded image through analysis. A failed analysis keeps
// the image so the patient can retry without uploading again.
type Reader struct {
	analyzer Analyzer
	image    []byte
	result   *ScanResult
}

// NewReader creates a reader backed by a
func NewReader(a Analyzer) *Reader {
	return &Reader{analyzer: a}
}

// Upload replaces the current image and discards any previous result
func (r *Reader) Upload(image []byte) {
	r.image = append([]byte(nil), image...)
	r.result = nil
}

// HasImage reports whether an image is waiting to be analyzed
func (r *Reader) HasImage() bool { return len(r.image) > 0 }

// Result returns the last successful analysis, if any
func (r *Reader) Result() (*ScanResult, bool) {
	return r.result, r.result != nil
}

// Analyze sends the held image to the analyzer.
func (r *Reader) Analyze(ctx context.Context) (*ScanResult, error) {
	if !r.HasImage() {
		return nil, ErrNoImage
	}
	res, err := r.analyzer.AnalyzePrescriptionImage(ctx, r.image)
	if err != nil {
		return nil, err
	}
	r.result = res
	return res, nil
}

// Reset clears the image and any result
func (r *Reader) Reset() {
	r.image = nil
	r.result = nil
}

// ToPrescription converts a scan into a prescription owned by patientID.
// The scan date is used when it parses, otherwise now.
func (s ScanResult) ToPrescription(patientID, patientName string, now time.Time) prescription.Prescription {
	created := now
	for _, layout := range []string{"2006-01-02", "02/01/2006", "02-01-2006", time.RFC3339} {
		if t, err := time.Parse(layout, s.Date); err == nil {
			created = t
			break
		}
	}
	return prescription.Prescription{
		DoctorName:  s.DoctorName,
		PatientName: patientName,
		PatientID:   patientID,
		CreatedAt:   created,
		Medications: append([]prescription.Medication(nil), s.Medications...),
		Source:      prescription.SourceScanned,
	}
}

// SaveScan stores a scanned prescription and returns it with its new id
func SaveScan(ctx context.Context, s store.Store, patientID, patientName string, res *ScanResult) (prescription.Prescription, error) {
	if res == nil {
		return prescription.Prescription{}, ErrNoImage
	}
	rx := res.ToPrescription(patientID, patientName, time.Now().UTC())
	id, err := s.Create(ctx, model.CollectionPrescriptions, rx)
	if err != nil {
		return prescription.Prescription{}, fmt.Errorf("failed to save scanned prescription: %w", err)
	}
	rx.ID = id
	return rx, nil
}
