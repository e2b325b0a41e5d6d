// Package inference talks to the prescription image analysis service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/domain/prescription"
	"github.com/drfirst/careflow/internal/observability/metrics"
	"github.com/drfirst/careflow/pkg/circuitbreaker"
)

// BusyMessage is shown to the patient whenever analysis fails
const BusyMessage = "The AI service is currently busy. Please try again in a few moments."

var (
	// ErrServiceBusy wraps every transport, status and decode failure
	ErrServiceBusy = errors.New("inference service busy")
	ErrNoImage     = errors.New("no image uploaded")
	ErrTooLarge    = errors.New("image too large")
)

// ScanResult is what the service extracted from a prescription photo
type ScanResult struct {
	DoctorName  string                    `json:"doctorName"`
	Date        string                    `json:"date"`
	Medications []prescription.Medication `json:"medicines"`
}

// Analyzer extracts a prescription from an image
type Analyzer interface {
	AnalyzePrescriptionImage(ctx context.Context, image []byte) (*ScanResult, error)
}

// analyzeResponse is the service's reply envelope
type analyzeResponse struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	ScanResult
}

// Config holds client settings
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	MaxImageBytes int
	Breaker       circuitbreaker.Config
}

// DefaultConfig returns defaults for a local inference service
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8000",
		Timeout:       120 * time.Second,
		MaxImageBytes: 10 << 20,
		Breaker:       circuitbreaker.DefaultConfig("inference"),
	}
}

// Client calls the analysis service over HTTP behind a circuit breaker
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewClient builds a client. A nil logger or metrics is allowed.
func NewClient(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("inference base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	bcfg := cfg.Breaker
	if bcfg.Name == "" {
		bcfg = circuitbreaker.DefaultConfig("inference")
	}
	bcfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Ordinal())
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit breaker: %w", err)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("inference"),
	}, nil
}

// AnalyzePrescriptionImage uploads image and returns the extracted prescription.
// Any failure past input validation is reported as ErrServiceBusy.
func (c *Client) AnalyzePrescriptionImage(ctx context.Context, image []byte) (*ScanResult, error) {
	if len(image) == 0 {
		return nil, ErrNoImage
	}
	if c.cfg.MaxImageBytes > 0 && len(image) > c.cfg.MaxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(image))
	}

	ctx, span := c.tracer.Start(ctx, "analyze_prescription_image",
		trace.WithAttributes(attribute.Int("image_bytes", len(image))))
	defer span.End()

	start := time.Now()
	res, err := circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) (*ScanResult, error) {
		return c.post(ctx, image)
	})
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		result := "error"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			result = "rejected"
		}
		c.metrics.Inference(result, elapsed)
		c.logger.Warn("Prescription analysis failed",
			zap.Error(err),
			zap.String("breaker_state", string(c.breaker.GetState())),
			zap.Duration("elapsed", elapsed))
		return nil, fmt.Errorf("%w: %v", ErrServiceBusy, err)
	}

	c.metrics.Inference("ok", elapsed)
	span.SetAttributes(attribute.Int("medications", len(res.Medications)))
	c.logger.Info("Prescription analyzed",
		zap.Int("medications", len(res.Medications)),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

func (c *Client) post(ctx context.Context, image []byte) (*ScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "prescription.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/analyze-prescription"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out analyzeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Success != nil && !*out.Success {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		return nil, fmt.Errorf("inference service reported failure: %s", msg)
	}

	res := out.ScanResult
	meds := res.Medications[:0]
	for _, m := range res.Medications {
		m.Name = strings.TrimSpace(m.Name)
		if m.Name != "" {
			meds = append(meds, m)
		}
	}
	res.Medications = meds
	return &res, nil
}
