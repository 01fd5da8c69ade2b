package service

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/cryptotopup/internal/rate"
	"github.com/mmeshcher/cryptotopup/internal/repository"
)

var (
	// ErrRateUnavailable возвращается, когда курс получить не удалось. Запрос можно повторить позже.
	ErrRateUnavailable = rate.ErrRateUnavailable
	// ErrGatewayUnavailable возвращается, если платёжный шлюз не создал платёж.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrPlansUnavailable возвращается, если ни один поставщик не вернул тарифы.
	ErrPlansUnavailable = errors.New("data plans unavailable")
	// ErrInvalidSignature возвращается для уведомлений шлюза с неверной подписью.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = repository.ErrOrderNotFound
	// ErrNotRetryable возвращается при попытке повторить заказ не в статусе FAILED.
	ErrNotRetryable = errors.New("order is not in a retryable state")
	// ErrPaymentNotCaptured возвращается при попытке повторить заказ без подтверждённой оплаты.
	ErrPaymentNotCaptured = errors.New("payment for order was not captured")
	// ErrInvalidTransition возвращается при попытке недопустимой смены статуса заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// ValidationError описывает ошибку во входных данных запроса.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
