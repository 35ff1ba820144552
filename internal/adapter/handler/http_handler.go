package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/rl1809/offer-reservation/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

type HTTPHandler struct {
	offers       *service.OfferService
	reservations *service.ReservationService
	log          zerolog.Logger
}

type Response struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type CreateOfferHTTPRequest struct {
	BusinessID      string          `json:"business_id"`
	Title           string          `json:"title"`
	PricePerUnit    decimal.Decimal `json:"price_per_unit"`
	Currency        string          `json:"currency"`
	Quantity        int             `json:"quantity"`
	PickupStartTime time.Time       `json:"pickup_start_time"`
	PickupEndTime   time.Time       `json:"pickup_end_time"`
}

type AdjustQuantityHTTPRequest struct {
	Quantity int `json:"quantity"`
}

type UpdatePriceHTTPRequest struct {
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

type PickupWindowHTTPRequest struct {
	PickupStartTime time.Time `json:"pickup_start_time"`
	PickupEndTime   time.Time `json:"pickup_end_time"`
}

type ReserveHTTPRequest struct {
	CustomerID string `json:"customer_id"`
	Quantity   int    `json:"quantity"`
}

type CancelHTTPRequest struct {
	CustomerID string `json:"customer_id"`
	Reason     string `json:"reason"`
}

type OfferHTTPResponse struct {
	ID                string          `json:"id"`
	BusinessID        string          `json:"business_id"`
	Title             string          `json:"title"`
	PricePerUnit      decimal.Decimal `json:"price_per_unit"`
	Currency          string          `json:"currency"`
	QuantityTotal     int             `json:"quantity_total"`
	QuantityRemaining int             `json:"quantity_remaining"`
	PickupStartTime   time.Time       `json:"pickup_start_time"`
	PickupEndTime     time.Time       `json:"pickup_end_time"`
	State             string          `json:"state"`
	Version           int             `json:"version"`
}

type ReservationHTTPResponse struct {
	ID                 string          `json:"id"`
	OrderID            string          `json:"order_id"`
	OfferID            string          `json:"offer_id"`
	CustomerID         string          `json:"customer_id"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	TotalPrice         decimal.Decimal `json:"total_price"`
	Currency           string          `json:"currency"`
	Status             string          `json:"status"`
	PickupStartTime    time.Time       `json:"pickup_start_time"`
	PickupEndTime      time.Time       `json:"pickup_end_time"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

func NewHTTPHandler(offers *service.OfferService, reservations *service.ReservationService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{offers: offers, reservations: reservations, log: log}
}

// Routes mounts the API, health and metrics endpoints on a chi router.
func (h *HTTPHandler) Routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/offers", h.CreateOffer)
		r.Get("/offers", h.ListActiveOffers)
		r.Get("/businesses/{businessID}/offers", h.ListBusinessOffers)
		r.Route("/offers/{offerID}", func(r chi.Router) {
			r.Get("/", h.GetOffer)
			r.Post("/pause", h.PauseOffer)
			r.Post("/resume", h.ResumeOffer)
			r.Post("/end", h.EndOfferEarly)
			r.Put("/quantity", h.AdjustQuantity)
			r.Put("/price", h.UpdatePrice)
			r.Put("/pickup-window", h.UpdatePickupWindow)
			r.Post("/reservations", h.CreateReservation)
		})
		r.Get("/reservations/{reservationID}", h.GetReservation)
		r.Get("/reservations/by-order/{orderID}", h.GetReservationByOrderID)
		r.Post("/reservations/{reservationID}/cancel", h.CancelReservation)
		r.Get("/customers/{customerID}/reservations", h.ListCustomerReservations)
	})
	return r
}

func (h *HTTPHandler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	o, err := h.offers.CreateOffer(r.Context(), service.CreateOfferInput{
		BusinessID:      req.BusinessID,
		Title:           req.Title,
		PricePerUnit:    req.PricePerUnit,
		Currency:        req.Currency,
		Quantity:        req.Quantity,
		PickupStartTime: req.PickupStartTime,
		PickupEndTime:   req.PickupEndTime,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: toOfferResponse(o)})
}

func (h *HTTPHandler) GetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.offers.GetOffer(r.Context(), chi.URLParam(r, "offerID"))
	writeOffer(w, o, err)
}

func (h *HTTPHandler) PauseOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.offers.PauseOffer(r.Context(), chi.URLParam(r, "offerID"))
	writeOffer(w, o, err)
}

func (h *HTTPHandler) ResumeOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.offers.ResumeOffer(r.Context(), chi.URLParam(r, "offerID"))
	writeOffer(w, o, err)
}

func (h *HTTPHandler) EndOfferEarly(w http.ResponseWriter, r *http.Request) {
	o, err := h.offers.EndOfferEarly(r.Context(), chi.URLParam(r, "offerID"))
	writeOffer(w, o, err)
}

func (h *HTTPHandler) AdjustQuantity(w http.ResponseWriter, r *http.Request) {
	var req AdjustQuantityHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.offers.AdjustQuantity(r.Context(), chi.URLParam(r, "offerID"), req.Quantity)
	writeOffer(w, o, err)
}

func (h *HTTPHandler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req UpdatePriceHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.offers.UpdatePrice(r.Context(), chi.URLParam(r, "offerID"), req.PricePerUnit)
	writeOffer(w, o, err)
}

func (h *HTTPHandler) UpdatePickupWindow(w http.ResponseWriter, r *http.Request) {
	var req PickupWindowHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.offers.UpdatePickupWindow(r.Context(), chi.URLParam(r, "offerID"), req.PickupStartTime, req.PickupEndTime)
	writeOffer(w, o, err)
}

// ListActiveOffers serves the customer discovery list.
func (h *HTTPHandler) ListActiveOffers(w http.ResponseWriter, r *http.Request) {
	list, err := h.offers.ListActiveOffers(r.Context(), queryLimit(r))
	writeOffers(w, list, err)
}

func (h *HTTPHandler) ListBusinessOffers(w http.ResponseWriter, r *http.Request) {
	list, err := h.offers.ListBusinessOffers(r.Context(), chi.URLParam(r, "businessID"), queryLimit(r))
	writeOffers(w, list, err)
}

func (h *HTTPHandler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req ReserveHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.reservations.CreateReservation(r.Context(), chi.URLParam(r, "offerID"), req.CustomerID, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: toReservationResponse(res)})
}

func (h *HTTPHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.GetReservation(r.Context(), chi.URLParam(r, "reservationID"))
	writeReservation(w, res, err)
}

func (h *HTTPHandler) GetReservationByOrderID(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.GetReservationByOrderID(r.Context(), chi.URLParam(r, "orderID"))
	writeReservation(w, res, err)
}

func (h *HTTPHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	var req CancelHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, Response{
			Code:    domain.CodeInvalidRequest,
			Message: "customer_id is required",
		})
		return
	}

	res, err := h.reservations.CancelReservation(r.Context(), chi.URLParam(r, "reservationID"), req.CustomerID, req.Reason)
	writeReservation(w, res, err)
}

func (h *HTTPHandler) ListCustomerReservations(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))

	list, err := h.reservations.ListCustomerReservations(r.Context(), chi.URLParam(r, "customerID"), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ReservationHTTPResponse, 0, len(list))
	for _, res := range list {
		out = append(out, toReservationResponse(res))
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: out})
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func writeOffers(w http.ResponseWriter, list []domain.Offer, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]OfferHTTPResponse, 0, len(list))
	for _, o := range list {
		out = append(out, toOfferResponse(o))
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: out})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	})
}

// HTTPStatus maps an error taxonomy code to a response status.
func HTTPStatus(code string) int {
	switch code {
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeOfferExpired:
		return http.StatusGone
	case domain.CodeOfferUnavailable, domain.CodeInsufficientInventory,
		domain.CodeCancellationWindowClosed, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeOfferBusy, domain.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.Code(err)
	resp := Response{Code: code, Message: err.Error()}
	if reason, ok := domain.UnavailableReasonOf(err); ok {
		resp.Reason = string(reason)
	}
	if code == domain.CodeInternal {
		resp.Message = "internal error"
	}
	if domain.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, HTTPStatus(code), resp)
}

func writeOffer(w http.ResponseWriter, o domain.Offer, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toOfferResponse(o)})
}

func writeReservation(w http.ResponseWriter, res domain.Reservation, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toReservationResponse(res)})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		msg := "invalid request body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		writeJSON(w, http.StatusBadRequest, Response{Code: domain.CodeInvalidRequest, Message: msg})
		return false
	}
	return true
}

func toOfferResponse(o domain.Offer) OfferHTTPResponse {
	return OfferHTTPResponse{
		ID:                o.ID,
		BusinessID:        o.BusinessID,
		Title:             o.Title,
		PricePerUnit:      o.PricePerUnit,
		Currency:          o.Currency,
		QuantityTotal:     o.QuantityTotal,
		QuantityRemaining: o.QuantityRemaining,
		PickupStartTime:   o.PickupStartTime,
		PickupEndTime:     o.PickupEndTime,
		State:             string(o.State),
		Version:           o.Version,
	}
}

func toReservationResponse(r domain.Reservation) ReservationHTTPResponse {
	return ReservationHTTPResponse{
		ID:                 r.ID,
		OrderID:            r.OrderID,
		OfferID:            r.OfferID,
		CustomerID:         r.CustomerID,
		Quantity:           r.Quantity,
		UnitPrice:          r.UnitPrice,
		TotalPrice:         r.TotalPrice,
		Currency:           r.Currency,
		Status:             string(r.Status),
		PickupStartTime:    r.PickupStartTime,
		PickupEndTime:      r.PickupEndTime,
		CancellationReason: r.CancellationReason,
		CancelledAt:        r.CancelledAt,
		CreatedAt:          r.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
