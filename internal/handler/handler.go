// Package handler содержит HTTP-обработчики API сервиса оплаты услуг криптовалютой.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptotopup/internal/gateway"
	"github.com/mmeshcher/cryptotopup/internal/middleware"
	"github.com/mmeshcher/cryptotopup/internal/model"
	"github.com/mmeshcher/cryptotopup/internal/rate"
	"github.com/mmeshcher/cryptotopup/internal/service"
)

const (
	maxBodySize       = 1 << 20
	rateRetryAfterSec = 30
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*service.CreateOrderResult, error)
	GetOrder(ctx context.Context, reference string) (*model.Order, error)
	RetryFulfillment(ctx context.Context, reference string) (*model.Order, error)
	HandlePaymentWebhook(ctx context.Context, payload gateway.WebhookPayload) error
	Quote(ctx context.Context, amountFiat decimal.Decimal) (rate.Quote, error)
	ListDataPlans(ctx context.Context, network string) ([]model.DataPlan, error)
}

// Options задаёт необязательные части HTTP API.
type Options struct {
	// Realtime обслуживает websocket-подписки на изменения заказов.
	Realtime http.Handler
	// Health проверяет доступность хранилища.
	Health func(ctx context.Context) error
	// AllowedOrigins ограничивает CORS. Пустой список разрешает любой источник.
	AllowedOrigins []string
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	opts           Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts Options) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		opts:           opts,
	}
}

type createOrderRequest struct {
	Phone    string          `json:"phone"`
	Network  string          `json:"network"`
	PlanCode string          `json:"plan_code,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// CreateOrder создаёт заказ на покупку услуги и возвращает адрес для оплаты.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	serviceType := model.ServiceType(strings.ToLower(chi.URLParam(r, "service")))

	var req createOrderRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := h.service.CreateOrder(r.Context(), service.CreateOrderRequest{
		ServiceType: serviceType,
		AmountFiat:  req.Amount,
		Meta: model.ServiceMeta{
			Phone:    req.Phone,
			Network:  req.Network,
			PlanCode: req.PlanCode,
		},
	})
	if err != nil {
		h.writeServiceError(w, err, "create order error", zap.String("service", string(serviceType)))
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// GetOrder возвращает текущее состояние заказа.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	order, err := h.service.GetOrder(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, err, "get order error", zap.String("reference", reference))
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// RetryFulfillment повторно исполняет оплаченный заказ в статусе FAILED.
func (h *Handler) RetryFulfillment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	adminID, _ := middleware.GetAdminIDFromContext(r.Context())

	order, err := h.service.RetryFulfillment(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, err, "retry fulfillment error",
			zap.String("reference", reference),
			zap.String("admin", adminID))
		return
	}

	h.logger.Info("fulfillment retried by admin",
		zap.String("reference", reference),
		zap.String("admin", adminID),
		zap.String("status", string(order.Status)))

	writeJSON(w, http.StatusOK, order)
}

// PaymentWebhook принимает уведомление шлюза. Ответ всегда 200, чтобы шлюз не повторял
// доставку отклонённых уведомлений; ошибки только пишутся в журнал.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.logger.Warn("read webhook body error", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	payload, err := gateway.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("malformed payment webhook", zap.Error(err), zap.Int("size", len(body)))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := h.service.HandlePaymentWebhook(r.Context(), payload); err != nil {
		fields := []zap.Field{
			zap.String("reference", payload.Payment.TxID),
			zap.String("status", payload.Payment.Status),
			zap.Error(err),
		}
		switch {
		case errors.Is(err, service.ErrInvalidSignature):
			h.logger.Warn("rejected payment webhook with invalid signature", fields...)
		case errors.Is(err, service.ErrOrderNotFound):
			h.logger.Warn("payment webhook for unknown order", fields...)
		default:
			h.logger.Error("payment webhook processing error", fields...)
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// Quote пересчитывает фиатную сумму в криптовалюту по текущему курсу.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be a number", Field: "amount"})
		return
	}

	q, err := h.service.Quote(r.Context(), amount)
	if err != nil {
		h.writeServiceError(w, err, "quote error")
		return
	}

	writeJSON(w, http.StatusOK, q)
}

// ListDataPlans возвращает тарифы мобильного интернета оператора.
func (h *Handler) ListDataPlans(w http.ResponseWriter, r *http.Request) {
	network := chi.URLParam(r, "network")

	plans, err := h.service.ListDataPlans(r.Context(), network)
	if err != nil {
		h.writeServiceError(w, err, "list data plans error", zap.String("network", network))
		return
	}
	if plans == nil {
		plans = []model.DataPlan{}
	}

	writeJSON(w, http.StatusOK, plans)
}

// Health сообщает, доступно ли хранилище.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Health(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError переводит ошибку сервиса в HTTP-ответ.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, service.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "order not found"})
	case errors.Is(err, service.ErrNotRetryable):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "order is not in a retryable state"})
	case errors.Is(err, service.ErrPaymentNotCaptured):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "payment was not captured"})
	case errors.Is(err, service.ErrRateUnavailable):
		h.logger.Warn(msg, append(fields, zap.Error(err))...)
		w.Header().Set("Retry-After", strconv.Itoa(rateRetryAfterSec))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "exchange rate temporarily unavailable"})
	case errors.Is(err, service.ErrPlansUnavailable):
		h.logger.Warn(msg, append(fields, zap.Error(err))...)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "data plans temporarily unavailable"})
	case errors.Is(err, service.ErrGatewayUnavailable):
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "payment gateway unavailable"})
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
