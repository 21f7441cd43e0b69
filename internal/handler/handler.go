// Package handler содержит HTTP-обработчики API сервиса расчётов.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/importer"
	"github.com/mmeshcher/settlement-system/internal/middleware"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/reconcile"
	"github.com/mmeshcher/settlement-system/internal/service"
	"github.com/mmeshcher/settlement-system/internal/settlement"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	HandlePayment(ctx context.Context, rec model.PaymentRecord) (settlement.Outcome, error)
	Import(ctx context.Context, r io.Reader, format string, dryRun bool) (*importer.ImportStats, error)
	Reconcile(ctx context.Context, r io.Reader, fix bool) (*reconcile.Report, error)
	GetWallet(ctx context.Context, email string) (*model.Wallet, error)
	GetMemberships(ctx context.Context, email string) (*service.Memberships, error)
}

// Handler реализует HTTP-обработчики API сервиса расчётов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// PaymentEvent принимает подтверждение платежа от шлюза.
func (h *Handler) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var rec model.PaymentRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed json"})
		return
	}

	out, err := h.service.HandlePayment(r.Context(), rec)
	if err != nil {
		h.writeError(w, "handle payment error", err, zap.String("correlation_id", rec.CorrelationID))
		return
	}

	h.writeJSON(w, http.StatusOK, out)
}

// Import загружает пакет исторических платежей.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	stats, err := h.service.Import(r.Context(), r.Body, r.URL.Query().Get("format"), dryRun)
	if err != nil {
		if errors.Is(err, importer.ErrAlreadyRunning) {
			h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		h.writeError(w, "import error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// Reconcile сверяет начисления с присланной выгрузкой.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	fix, _ := strconv.ParseBool(r.URL.Query().Get("fix"))

	report, err := h.service.Reconcile(r.Context(), r.Body, fix)
	if err != nil {
		h.writeError(w, "reconcile error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// GetWallet возвращает кошелёк аккаунта.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	wallet, err := h.service.GetWallet(r.Context(), email)
	if err != nil {
		h.writeError(w, "get wallet error", err, zap.String("email", email))
		return
	}

	h.writeJSON(w, http.StatusOK, wallet)
}

// GetMemberships возвращает доступы аккаунта.
func (h *Handler) GetMemberships(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	m, err := h.service.GetMemberships(r.Context(), email)
	if err != nil {
		h.writeError(w, "get memberships error", err, zap.String("email", email))
		return
	}

	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, model.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: http.StatusText(http.StatusNotFound)})
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}
