// Package rest provides the HTTP/JSON API for Morphify.
//
// Endpoints:
//
//	POST /v1/generations                    - Submit a generation request
//	GET  /v1/assets/:asset_id               - Poll one asset's status
//	GET  /v1/accounts/:account_id/assets    - Gallery (newest first)
//	GET  /v1/accounts/:account_id/balance   - Get balance
//	POST /v1/accounts/:account_id/grant     - Grant purchased credits
//	GET  /v1/models                         - List available models
//	POST /v1/webhooks/:provider/image       - Provider result webhook
//	GET  /health                            - Health check
//	GET  /ready                             - Readiness check
//	GET  /metrics                           - Prometheus metrics
package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/asset"
	"github.com/morphify/engine/internal/catalog"
	"github.com/morphify/engine/internal/generation"
	"github.com/morphify/engine/internal/ledger"
	"github.com/morphify/engine/internal/provider"
	"github.com/morphify/engine/internal/reservation"
	"github.com/morphify/engine/internal/webhook"
)

// Handler provides the REST endpoints.
type Handler struct {
	generations *generation.Service
	ledger      ledger.Ledger
	catalog     catalog.Store
	reconciler  *webhook.Reconciler
	ready       func(r *http.Request) error
	log         zerolog.Logger
}

// NewHandler creates the REST handler. ready is called by /ready and may be
// nil when there is nothing to probe.
func NewHandler(
	generations *generation.Service,
	l ledger.Ledger,
	cat catalog.Store,
	reconciler *webhook.Reconciler,
	ready func(r *http.Request) error,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		generations: generations,
		ledger:      l,
		catalog:     cat,
		reconciler:  reconciler,
		ready:       ready,
		log:         logger.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers all REST API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/generations", h.handleSubmit)
	mux.HandleFunc("/v1/assets/", h.handleAsset)
	mux.HandleFunc("/v1/accounts/", h.handleAccounts)
	mux.HandleFunc("/v1/models", h.handleModels)
	mux.HandleFunc("/v1/webhooks/", h.handleWebhook)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

type submitRequest struct {
	AccountID string `json:"account_id"`
	ModelID   string `json:"model_id"`
	FilterID  string `json:"filter_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type submitResponse struct {
	ReservationID string   `json:"reservation_id"`
	AssetIDs      []string `json:"asset_ids"`
	Amount        int64    `json:"amount"`
}

// handleSubmit handles POST /v1/generations
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.AccountID == "" || req.ModelID == "" {
		h.writeError(w, http.StatusBadRequest, "account_id and model_id are required")
		return
	}

	sub, err := h.generations.Submit(r.Context(), generation.Request{
		AccountID: req.AccountID,
		ModelID:   req.ModelID,
		FilterID:  req.FilterID,
		Prompt:    req.Prompt,
		ImageURL:  req.ImageURL,
		Count:     req.Count,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, submitResponse{
		ReservationID: sub.ReservationID,
		AssetIDs:      sub.AssetIDs,
		Amount:        sub.Amount,
	})
}

// handleAsset handles GET /v1/assets/:asset_id
func (h *Handler) handleAsset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	assetID := strings.TrimPrefix(r.URL.Path, "/v1/assets/")
	if assetID == "" || strings.Contains(assetID, "/") {
		h.writeError(w, http.StatusBadRequest, "Invalid asset_id")
		return
	}

	a, err := h.generations.Asset(r.Context(), assetID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":              a.ID,
		"status":          a.Status,
		"output_location": a.OutputLocation,
		"fail_reason":     a.FailReason,
		"created_at":      a.CreatedAt,
		"updated_at":      a.UpdatedAt,
	})
}

// handleAccounts dispatches the /v1/accounts/:account_id/* subtree.
func (h *Handler) handleAccounts(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid account path")
		return
	}
	accountID, action := parts[0], parts[1]

	switch {
	case action == "balance" && r.Method == http.MethodGet:
		h.handleBalance(w, r, accountID)
	case action == "grant" && r.Method == http.MethodPost:
		h.handleGrant(w, r, accountID)
	case action == "assets" && r.Method == http.MethodGet:
		h.handleGallery(w, r, accountID)
	default:
		h.writeError(w, http.StatusNotFound, "Unknown account endpoint")
	}
}

// handleBalance handles GET /v1/accounts/:account_id/balance
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request, accountID string) {
	bal, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": bal.AccountID,
		"balance":    bal.Balance,
		"held":       bal.Held,
		"available":  bal.Available(),
	})
}

type grantRequest struct {
	Amount int64 `json:"amount"`
}

// handleGrant handles POST /v1/accounts/:account_id/grant
func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request, accountID string) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.ledger.EnsureAccount(r.Context(), accountID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.ledger.Grant(r.Context(), accountID, req.Amount); err != nil {
		h.writeDomainError(w, err)
		return
	}

	bal, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": bal.AccountID,
		"balance":    bal.Balance,
		"held":       bal.Held,
		"available":  bal.Available(),
	})
}

// handleGallery handles GET /v1/accounts/:account_id/assets
func (h *Handler) handleGallery(w http.ResponseWriter, r *http.Request, accountID string) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	assets, err := h.generations.Gallery(r.Context(), accountID, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(assets))
	for _, a := range assets {
		out = append(out, map[string]interface{}{
			"id":              a.ID,
			"status":          a.Status,
			"output_location": a.OutputLocation,
			"created_at":      a.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"assets": out})
}

// handleModels handles GET /v1/models
func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	models, err := h.catalog.ListModels(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		out = append(out, map[string]interface{}{
			"id":            m.ID,
			"name":          m.Name,
			"provider":      m.Provider,
			"cost_per_call": m.CostPerCall,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"models": out})
}

// handleWebhook handles POST /v1/webhooks/:provider/image
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "image" {
		h.writeError(w, http.StatusNotFound, "Unknown webhook endpoint")
		return
	}
	providerName := parts[0]

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read body")
		return
	}

	var result webhook.Result
	switch providerName {
	case "falai":
		result, err = webhook.ParseFal(body)
	default:
		h.writeError(w, http.StatusNotFound, "Unknown webhook provider: "+providerName)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.reconciler.Apply(r.Context(), providerName, result); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// writeDomainError maps domain errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		statusCode = http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, provider.ErrInvalidInput),
		errors.Is(err, reservation.ErrInvalidCount),
		errors.Is(err, webhook.ErrCountMismatch),
		errors.Is(err, webhook.ErrMissingRequestID):
		statusCode = http.StatusBadRequest
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, catalog.ErrModelNotFound),
		errors.Is(err, catalog.ErrFilterNotFound),
		errors.Is(err, provider.ErrProviderNotFound),
		errors.Is(err, provider.ErrModelNotFound),
		errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, asset.ErrNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, reservation.ErrInvalidState):
		statusCode = http.StatusConflict
	}

	h.log.Error().Err(err).Int("status", statusCode).Msg("REST API error")
	h.writeError(w, statusCode, err.Error())
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// LoggingMiddleware logs all HTTP requests
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
