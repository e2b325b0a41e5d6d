package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/careflow/internal/api/middleware"
	"github.com/drfirst/careflow/internal/domain/catalog"
	"github.com/drfirst/careflow/internal/domain/fulfillment"
	"github.com/drfirst/careflow/internal/domain/lifecycle"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/store"
)

// ListPharmacies handles GET /pharmacies. With ?medicines=a,b pharmacies
// are ranked by how many of them they stock; otherwise ?search filters.
func (a *API) ListPharmacies(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	customer := fulfillment.Customer{ID: userID}

	if meds := splitCSV(r.URL.Query().Get("medicines")); len(meds) > 0 {
		s := a.fulfillment.NewSession(customer, fulfillment.SearchEntry{Medicines: meds})
		a.jsonResponse(w, http.StatusOK, map[string]any{"ranked": s.Ranked()})
		return
	}

	s := a.fulfillment.NewSession(customer, fulfillment.BrowseEntry{})
	s.Search(r.URL.Query().Get("search"))
	pharmacies := s.Pharmacies()
	if pharmacies == nil {
		pharmacies = []catalog.Pharmacy{}
	}
	a.jsonResponse(w, http.StatusOK, map[string]any{"pharmacies": pharmacies})
}

// PlaceOrderRequest is the request body for ordering one medicine
type PlaceOrderRequest struct {
	PharmacyID    string `json:"pharmacyId"`
	Medicine      string `json:"medicine"`
	Quantity      int    `json:"quantity"`
	PaymentMethod string `json:"paymentMethod"`
}

// Validate implements validation.Validatable
func (req PlaceOrderRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.PharmacyID, validation.Required),
		validation.Field(&req.Medicine, validation.Required, validation.Length(1, 100)),
		validation.Field(&req.PaymentMethod, validation.Required),
	)
}

// PlaceOrderResponse is the response for a placed order
type PlaceOrderResponse struct {
	Order model.Order `json:"order"`
	// Clamped is set when the requested quantity was outside [1, stock]
	Clamped bool `json:"clamped,omitempty"`
}

// PlaceOrder handles POST /orders. The quantity is clamped to [1, stock];
// zero means one.
func (a *API) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := a.tracer.Start(r.Context(), "place_order_request")
	defer span.End()

	var req PlaceOrderRequest
	if !a.decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.String("pharmacy.id", req.PharmacyID))

	userID := middleware.GetUserID(ctx)
	s := a.fulfillment.NewSession(
		fulfillment.Customer{ID: userID, Name: a.customerName(ctx, userID)},
		fulfillment.MedicineEntry{PharmacyID: req.PharmacyID, Medicine: req.Medicine},
	)
	switch s.State() {
	case fulfillment.MedicineSelected:
	case fulfillment.PharmacySelected:
		a.jsonError(w, fmt.Sprintf("medicine %q not sold at this pharmacy", req.Medicine), http.StatusNotFound)
		return
	default:
		a.writeError(w, r, fmt.Errorf("%w: %s", fulfillment.ErrUnknownPharmacy, req.PharmacyID))
		return
	}

	draft, err := s.Order()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Quantity > 1 {
		draft, _ = s.AdjustQuantity(req.Quantity - 1)
	}

	order, err := s.ConfirmPayment(ctx, req.PaymentMethod)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusCreated, PlaceOrderResponse{
		Order:   order,
		Clamped: req.Quantity > draft.Quantity || req.Quantity < 0,
	})
}

// ListOrders handles GET /orders
func (a *API) ListOrders(w http.ResponseWriter, r *http.Request) {
	a.listTracked(w, r, model.KindOrder)
}

// StreamOrders handles GET /orders/stream
func (a *API) StreamOrders(w http.ResponseWriter, r *http.Request) {
	a.stream(w, r, model.KindOrder)
}

// CancelRequest is the request body for a patient cancellation
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Validate implements validation.Validatable
func (req CancelRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Reason, validation.Required, validation.Length(1, 500)),
	)
}

// CancelOrder handles POST /orders/{id}/cancel
func (a *API) CancelOrder(w http.ResponseWriter, r *http.Request) {
	a.cancel(w, r, model.KindOrder)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request, kind model.Kind) {
	var req CancelRequest
	if !a.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	id := chi.URLParam(r, "id")

	var (
		confirmation model.Notification
		err          error
	)
	if kind == model.KindAppointment {
		confirmation, err = a.tracker.CancelAppointment(ctx, userID, id, req.Reason)
	} else {
		confirmation, err = a.tracker.CancelOrder(ctx, userID, id, req.Reason)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"id":           id,
		"status":       model.StatusCancelled,
		"confirmation": confirmation,
	})
}

// listTracked renders the first snapshot of a tracker watch
func (a *API) listTracked(w http.ResponseWriter, r *http.Request, kind model.Kind) {
	ctx := r.Context()
	watch, err := a.tracker.Watch(ctx, kind, middleware.GetUserID(ctx))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer watch.Close()

	select {
	case u, ok := <-watch.Updates():
		if !ok {
			a.writeError(w, r, store.ErrUnavailable)
			return
		}
		if u.Err != nil && len(u.Views) == 0 {
			a.writeError(w, r, u.Err)
			return
		}
		views := u.Views
		if views == nil {
			views = []lifecycle.View{}
		}
		a.jsonResponse(w, http.StatusOK, map[string]any{"items": views, "stale": u.Err != nil})
	case <-ctx.Done():
		a.writeError(w, r, ctx.Err())
	}
}

// stream sends every tracker update as a server-sent event until the
// client goes away.
func (a *API) stream(w http.ResponseWriter, r *http.Request, kind model.Kind) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	watch, err := a.tracker.Watch(ctx, kind, userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer watch.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-watch.Updates():
			if !ok {
				return
			}
			event := "snapshot"
			if u.Err != nil {
				event = "stale"
			}
			data, err := json.Marshal(u)
			if err != nil {
				a.logger.Error("failed to encode update", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			flusher.Flush()
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
