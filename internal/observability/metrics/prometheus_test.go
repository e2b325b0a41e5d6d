package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.OrderPlaced("single-medicine")
	m.Cancelled("order", "patient")
	m.NotificationEmitted("medicine", errors.New("x"))
	m.Inference("ok", time.Second)
	m.HTTPRequest("GET", "/", 200, time.Millisecond)
}

func TestCountersRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OrderPlaced("single-medicine")
	m.OrderPlaced("single-medicine")
	m.NotificationEmitted("medicine", nil)
	m.NotificationEmitted("medicine", errors.New("store down"))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`careflow_orders_placed_total{type="single-medicine"} 2`,
		`careflow_notifications_emitted_total{type="medicine"} 1`,
		`careflow_notifications_failed_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
