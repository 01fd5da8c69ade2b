package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/cryptotopup/internal/gateway"
	"github.com/mmeshcher/cryptotopup/internal/metrics"
	"github.com/mmeshcher/cryptotopup/internal/model"
	"github.com/mmeshcher/cryptotopup/internal/repository"
)

// HandlePaymentWebhook применяет уведомление шлюза к заказу.
// Повторная доставка того же уведомления не меняет заказ и не запускает исполнение второй раз.
func (s *Service) HandlePaymentWebhook(ctx context.Context, payload gateway.WebhookPayload) error {
	if !s.gateway.VerifyWebhookSignature(payload) {
		metrics.WebhookEvents.WithLabelValues("invalid_signature").Inc()
		return ErrInvalidSignature
	}

	reference := payload.Payment.TxID
	if reference == "" {
		metrics.WebhookEvents.WithLabelValues("invalid_payload").Inc()
		return invalid("tx_id", "missing order reference")
	}

	fulfill, err := s.applyPaymentUpdate(ctx, reference, payload.Payment, payload.RedactedRaw())
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		return err
	}
	metrics.WebhookEvents.WithLabelValues("applied").Inc()

	if fulfill {
		s.FulfillOrder(ctx, reference)
	}
	return nil
}

// applyPaymentUpdate обновляет платёж и заказ под блокировкой строки заказа.
// Возвращает true, если заказ стал оплаченным и его нужно исполнить.
func (s *Service) applyPaymentUpdate(ctx context.Context, reference string, update gateway.WebhookPayment, raw []byte) (bool, error) {
	status := s.gateway.MapStatus(update.Status)

	var fulfill bool
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		fulfill = false

		order, err := tx.LockOrder(ctx, reference)
		if err != nil {
			return err
		}
		payment, err := tx.GetPayment(ctx, reference)
		if err != nil {
			return err
		}

		now := s.now()

		effective := nextPaymentStatus(payment.Status, status)
		payment.Status = effective
		if update.Confirmations > payment.Confirmations {
			payment.Confirmations = update.Confirmations
		}
		if update.BlockHash != "" {
			payment.TxHash = strPtr(update.BlockHash)
		}
		if len(raw) > 0 {
			payment.RawPayload = raw
		}
		payment.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		changed, err := applyToOrder(order, effective, update.Status, now)
		if err != nil {
			return err
		}
		if !changed {
			tx.AfterCommit(func() { s.invalidateOrder(ctx, reference) })
			s.logger.Debug("payment update does not change order",
				zap.String("reference", reference),
				zap.String("order_status", string(order.Status)),
				zap.String("payment_status", string(effective)))
			return nil
		}

		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		s.publishAfterCommit(ctx, tx, order)

		fulfill = order.Status == model.OrderStatusPaymentConfirmed
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) || errors.Is(err, repository.ErrPaymentNotFound) {
			return false, fmt.Errorf("%w: %s", ErrOrderNotFound, reference)
		}
		return false, fmt.Errorf("apply payment update %s: %w", reference, err)
	}

	s.logger.Info("payment update applied",
		zap.String("reference", reference),
		zap.String("external_status", update.Status),
		zap.String("payment_status", string(status)),
		zap.Bool("fulfill", fulfill))

	return fulfill, nil
}

// nextPaymentStatus не даёт подтверждённому платежу откатиться: после confirmed
// принимается только refunded, после refunded статус не меняется.
func nextPaymentStatus(current, incoming model.PaymentStatus) model.PaymentStatus {
	switch current {
	case model.PaymentStatusConfirmed:
		if incoming == model.PaymentStatusRefunded {
			return incoming
		}
		return current
	case model.PaymentStatusRefunded:
		return current
	}
	return incoming
}

// applyToOrder меняет заказ в ответ на новый статус платежа и сообщает, изменился ли он.
func applyToOrder(order *model.Order, status model.PaymentStatus, external string, now time.Time) (bool, error) {
	switch {
	case status == model.PaymentStatusConfirmed && order.Status.AwaitingPayment():
		if order.Status == model.OrderStatusInitiated {
			if err := transition(order, model.OrderStatusPaymentPending, now); err != nil {
				return false, err
			}
		}
		if err := transition(order, model.OrderStatusPaymentConfirmed, now); err != nil {
			return false, err
		}
		order.PaidAt = timePtr(now)
		return true, nil

	case status == model.PaymentStatusConfirmed && order.Status == model.OrderStatusFailed && order.PaidAt == nil:
		// Оплата пришла после отказа: заказ остаётся FAILED, но становится доступен для повтора.
		order.PaidAt = timePtr(now)
		order.FailureReason = strPtr("payment confirmed after order failed")
		order.UpdatedAt = now
		return true, nil

	case status == model.PaymentStatusFailed && order.Status.AwaitingPayment():
		if err := transition(order, model.OrderStatusFailed, now); err != nil {
			return false, err
		}
		order.FailureReason = strPtr("payment " + strings.ToLower(strings.TrimSpace(external)))
		return true, nil

	case status == model.PaymentStatusRefunded &&
		(order.Status == model.OrderStatusPaymentConfirmed || order.Status == model.OrderStatusProcessing):
		if err := transition(order, model.OrderStatusRefundPending, now); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}
