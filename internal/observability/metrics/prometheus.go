// Package metrics provides Prometheus metrics for the careflow services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	OrdersPlaced          *prometheus.CounterVec
	AppointmentsBooked    *prometheus.CounterVec
	Cancellations         *prometheus.CounterVec
	NotificationsEmitted  *prometheus.CounterVec
	NotificationsFailed   prometheus.Counter
	InferenceRequests     *prometheus.CounterVec
	InferenceDuration     prometheus.Histogram
	StatusUpdates         *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_orders_placed_total",
			Help: "Total orders written, by order type",
		}, []string{"type"}),
		AppointmentsBooked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_appointments_booked_total",
			Help: "Total appointments booked, by consultation type",
		}, []string{"type"}),
		Cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_cancellations_total",
			Help: "Total cancellations, by record kind and cancelling party",
		}, []string{"kind", "by"}),
		NotificationsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_notifications_emitted_total",
			Help: "Total notifications appended, by type",
		}, []string{"type"}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careflow_notifications_failed_total",
			Help: "Total notifications that could not be appended",
		}),
		InferenceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_inference_requests_total",
			Help: "Total prescription analysis requests, by result",
		}, []string{"result"}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "careflow_inference_duration_seconds",
			Help:    "Prescription analysis duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		StatusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careflow_status_updates_total",
			Help: "Total provider status updates, by record kind and result",
		}, []string{"kind", "result"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests, by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.OrdersPlaced,
		m.AppointmentsBooked,
		m.Cancellations,
		m.NotificationsEmitted,
		m.NotificationsFailed,
		m.InferenceRequests,
		m.InferenceDuration,
		m.StatusUpdates,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// OrderPlaced counts a written order
func (m *Metrics) OrderPlaced(orderType string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(orderType).Inc()
}

// AppointmentBooked counts a written appointment
func (m *Metrics) AppointmentBooked(consultType string) {
	if m == nil {
		return
	}
	m.AppointmentsBooked.WithLabelValues(consultType).Inc()
}

// Cancelled counts a cancellation
func (m *Metrics) Cancelled(kind, by string) {
	if m == nil {
		return
	}
	m.Cancellations.WithLabelValues(kind, by).Inc()
}

// NotificationEmitted counts a notification write and its outcome
func (m *Metrics) NotificationEmitted(notifType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.NotificationsFailed.Inc()
		return
	}
	m.NotificationsEmitted.WithLabelValues(notifType).Inc()
}

// Inference records one analysis call
func (m *Metrics) Inference(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InferenceRequests.WithLabelValues(result).Inc()
	m.InferenceDuration.Observe(elapsed.Seconds())
}

// StatusUpdate records the outcome of applying a provider status update
func (m *Metrics) StatusUpdate(kind, result string) {
	if m == nil {
		return
	}
	m.StatusUpdates.WithLabelValues(kind, result).Inc()
}

// Produced counts Kafka messages produced
func (m *Metrics) Produced(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Add(float64(n))
}

// Consumed counts Kafka messages consumed
func (m *Metrics) Consumed(n int) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Add(float64(n))
}

// SetOutboxPending reports the outbox backlog
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState reports a breaker state (0=closed, 1=open, 2=half-open)
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// HTTPRequest records a served request
func (m *Metrics) HTTPRequest(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus HTTP handler for g. A nil g uses the
// default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
