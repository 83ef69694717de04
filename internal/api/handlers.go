/**
 * @description
 * This file defines the HTTP handlers of the ledger-service and the shared
 * helpers that turn service results and failures into JSON responses.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging.
 * - internal/app: the ledger service.
 * - internal/domain: the error taxonomy mapped onto status codes.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/thrifty/ledger-service/internal/app"
	"github.com/thrifty/ledger-service/internal/domain"
	"go.uber.org/zap"
)

const maxRequestBodyBytes = 1 << 20

// Handlers holds the dependencies for the HTTP handlers.
type Handlers struct {
	service *app.Service
	logger  *zap.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{service: service, logger: logger.With(zap.String("component", "api"))}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// statusForKind maps a ledger error kind onto its HTTP status.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case domain.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError answers with the status of err's kind. Untyped errors are
// logged and hidden behind a generic 500.
func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	if kind, ok := domain.KindOf(err); ok {
		h.logger.Info("request failed",
			zap.String("endpoint", endpoint),
			zap.String("outcome", "failed"),
			zap.String("reason", string(kind)),
		)
		writeJSON(w, statusForKind(kind), errorBody{Error: err.Error(), Kind: string(kind)})
		return
	}
	if errors.Is(err, app.ErrBillPaymentFailed) {
		h.logger.Warn("bill payment failed", zap.String("endpoint", endpoint), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Kind: "BILL_PAYMENT_FAILED"})
		return
	}
	h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.String("outcome", "error"), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// decodeBody reads a JSON request body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// actorOrReject returns the authenticated actor or answers 401.
func actorOrReject(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user from context")
		return domain.Actor{}, false
	}
	return actor, true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// HealthHandler answers liveness probes.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}
