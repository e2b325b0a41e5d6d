package inference

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/prescription"
	"github.com/drfirst/careflow/internal/store"
	"github.com/drfirst/careflow/pkg/circuitbreaker"
)

const scanJSON = `{
	"success": true,
	"doctorName": "Dr. Mehta",
	"date": "2024-07-01",
	"medicines": [
		{"name": "Paracetamol", "dosage": "500mg", "frequency": "Twice a day", "duration": "3 days"},
		{"name": "  ", "dosage": "", "frequency": ""},
		{"name": "Cetirizine", "dosage": "10mg", "frequency": "Once a day", "duration": "5 days"}
	]
}`

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = url
	cfg.Timeout = time.Second
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Timeout = time.Hour
	c, err := NewClient(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestAnalyzePrescriptionImage(t *testing.T) {
	var gotImage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze-prescription" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(f)
		gotImage = string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, scanJSON)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/")
	res, err := c.AnalyzePrescriptionImage(context.Background(), []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("AnalyzePrescriptionImage: %v", err)
	}
	if gotImage != "jpeg-bytes" {
		t.Errorf("server received %q", gotImage)
	}
	if res.DoctorName != "Dr. Mehta" || len(res.Medications) != 2 || res.Medications[1].Name != "Cetirizine" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestAnalyzeFailuresMapToServiceBusy(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "{not json")
		}},
		{"reported failure", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"success": false, "error": "unreadable"}`)
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(3 * time.Second):
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			_, err := c.AnalyzePrescriptionImage(context.Background(), []byte("img"))
			if !errors.Is(err, ErrServiceBusy) {
				t.Fatalf("expected ErrServiceBusy, got %v", err)
			}
		})
	}
}

func TestAnalyzeRejectsMissingImage(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	if _, err := c.AnalyzePrescriptionImage(context.Background(), nil); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
}

func TestBreakerShortCircuitsAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		_, err := c.AnalyzePrescriptionImage(context.Background(), []byte("img"))
		if !errors.Is(err, ErrServiceBusy) {
			t.Fatalf("attempt %d: expected ErrServiceBusy, got %v", i, err)
		}
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests before the breaker opened, got %d", hits.Load())
	}
	if c.breaker.GetState() != circuitbreaker.StateOpen {
		t.Errorf("expected open breaker, got %s", c.breaker.GetState())
	}
}

type flakyAnalyzer struct {
	fail  bool
	calls int
	seen  []byte
}

func (f *flakyAnalyzer) AnalyzePrescriptionImage(ctx context.Context, image []byte) (*ScanResult, error) {
	f.calls++
	f.seen = image
	if f.fail {
		return nil, ErrServiceBusy
	}
	return &ScanResult{DoctorName: "Dr. Rao", Medications: []prescription.Medication{{Name: "Ibuprofen"}}}, nil
}

func TestReaderKeepsImageAcrossFailures(t *testing.T) {
	ctx := context.Background()
	a := &flakyAnalyzer{fail: true}
	r := NewReader(a)

	if _, err := r.Analyze(ctx); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}

	r.Upload([]byte("photo"))
	if _, err := r.Analyze(ctx); !errors.Is(err, ErrServiceBusy) {
		t.Fatalf("expected ErrServiceBusy, got %v", err)
	}
	if !r.HasImage() {
		t.Fatal("image dropped after failure")
	}

	a.fail = false
	res, err := r.Analyze(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if string(a.seen) != "photo" || a.calls != 2 {
		t.Errorf("retry did not reuse the uploaded image")
	}
	if got, ok := r.Result(); !ok || got != res {
		t.Error("result not retained")
	}

	r.Reset()
	if r.HasImage() {
		t.Error("image survived reset")
	}
	if _, ok := r.Result(); ok {
		t.Error("result survived reset")
	}
}

func TestSaveScan(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(nil)
	defer s.Close()

	res := &ScanResult{
		DoctorName:  "Dr. Rao",
		Date:        "2024-07-01",
		Medications: []prescription.Medication{{Name: "Ibuprofen", Frequency: "Twice a day", Duration: "2 days"}},
	}
	rx, err := SaveScan(ctx, s, "u1", "Asha", res)
	if err != nil {
		t.Fatalf("SaveScan: %v", err)
	}
	if rx.ID == "" || rx.Source != prescription.SourceScanned {
		t.Fatalf("unexpected prescription %+v", rx)
	}
	if !rx.CreatedAt.Equal(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("scan date not used: %v", rx.CreatedAt)
	}

	doc, err := s.Get(ctx, model.CollectionPrescriptions, rx.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var stored prescription.Prescription
	if err := doc.Decode(&stored); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if stored.PatientID != "u1" || len(stored.Medications) != 1 || stored.DoctorName != "Dr. Rao" {
		t.Errorf("stored %+v", stored)
	}

	s.FailWrites(errors.New("offline"))
	if _, err := SaveScan(ctx, s, "u1", "Asha", res); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
