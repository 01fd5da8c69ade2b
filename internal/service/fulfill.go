package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptotopup/internal/metrics"
	"github.com/mmeshcher/cryptotopup/internal/model"
	"github.com/mmeshcher/cryptotopup/internal/provider"
	"github.com/mmeshcher/cryptotopup/internal/repository"
)

// FulfillOrder исполняет оплаченный заказ. Ошибки не возвращаются: любой сбой
// завершает заказ статусом FAILED с причиной.
func (s *Service) FulfillOrder(ctx context.Context, reference string) {
	order, claimed, err := s.claim(ctx, reference, func(o *model.Order) (bool, error) {
		return o.Status == model.OrderStatusPaymentConfirmed, nil
	})
	if err != nil {
		s.logger.Error("failed to claim order for fulfillment",
			zap.String("reference", reference),
			zap.Error(err))
		return
	}
	if !claimed {
		s.logger.Debug("order already claimed or not payable",
			zap.String("reference", reference))
		return
	}

	s.runFulfillment(ctx, order)
}

// RetryFulfillment повторно исполняет оплаченный заказ в статусе FAILED.
func (s *Service) RetryFulfillment(ctx context.Context, reference string) (*model.Order, error) {
	order, _, err := s.claim(ctx, reference, func(o *model.Order) (bool, error) {
		if o.Status != model.OrderStatusFailed {
			return false, fmt.Errorf("%w: status %s", ErrNotRetryable, o.Status)
		}
		if o.PaidAt == nil {
			return false, ErrPaymentNotCaptured
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	s.logger.Info("retrying fulfillment", zap.String("reference", reference))
	s.runFulfillment(ctx, order)

	o, err := s.repo.GetOrder(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("reload order %s: %w", reference, err)
	}
	return o, nil
}

// claim под блокировкой строки переводит заказ в PROCESSING, если eligible разрешает.
// Из двух одновременных вызовов захватить заказ может только один.
func (s *Service) claim(ctx context.Context, reference string, eligible func(o *model.Order) (bool, error)) (*model.Order, bool, error) {
	var (
		order   *model.Order
		claimed bool
	)
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		claimed = false

		o, err := tx.LockOrder(ctx, reference)
		if err != nil {
			return err
		}

		ok, err := eligible(o)
		if err != nil || !ok {
			return err
		}

		if err := transition(o, model.OrderStatusProcessing, s.now()); err != nil {
			return err
		}
		o.FailureReason = nil
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		s.publishAfterCommit(ctx, tx, o)

		order = o
		claimed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return order, claimed, nil
}

// runFulfillment обращается к поставщикам вне транзакции и сохраняет результат.
func (s *Service) runFulfillment(ctx context.Context, order *model.Order) {
	requestID := newRequestID(order.Reference, s.now())
	res := s.purchase(ctx, order, requestID)

	// Результат сохраняется даже если вызывающий уже отменил запрос.
	ctx = context.WithoutCancel(ctx)
	if err := s.finalize(ctx, order.Reference, requestID, res); err != nil {
		s.logger.Error("failed to record fulfillment result",
			zap.String("reference", order.Reference),
			zap.String("provider", res.Provider),
			zap.Bool("provider_success", res.Success),
			zap.Error(err))
		s.markFailed(ctx, order.Reference, err.Error())
	}
}

// newRequestID формирует идентификатор запроса к поставщику. Каждая попытка получает новый.
func newRequestID(reference string, now time.Time) string {
	return now.UTC().Format("20060102150405") + "-" + reference
}

func (s *Service) purchase(ctx context.Context, order *model.Order, requestID string) (res *provider.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = provider.Failed(order.Provider, fmt.Sprintf("fulfillment panic: %v", r), nil)
		}
	}()

	switch order.ServiceType {
	case model.ServiceAirtime:
		res = s.fulfiller.PurchaseAirtime(ctx, provider.AirtimeRequest{
			RequestID: requestID,
			Phone:     order.Meta.Phone,
			Network:   order.Meta.Network,
			Amount:    order.Amount.Fiat,
		})
	case model.ServiceData:
		res = s.fulfiller.PurchaseData(ctx, provider.DataRequest{
			RequestID: requestID,
			Phone:     order.Meta.Phone,
			Network:   order.Meta.Network,
			PlanCode:  order.Meta.PlanCode,
			Provider:  order.Meta.PlanProvider,
			Amount:    order.Amount.Fiat,
		})
	default:
		res = provider.Failed("", fmt.Sprintf("unsupported service type %q", order.ServiceType), nil)
	}

	if res == nil {
		res = provider.Failed(order.Provider, "empty fulfillment result", nil)
	}
	return res
}

// finalize сохраняет результат поставщика и завершает заказ.
func (s *Service) finalize(ctx context.Context, reference, requestID string, res *provider.Result) error {
	return s.repo.InTx(ctx, func(tx repository.Tx) error {
		order, err := tx.LockOrder(ctx, reference)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusProcessing {
			// Например, за время исполнения пришёл возврат платежа.
			s.logger.Warn("order left processing during fulfillment",
				zap.String("reference", reference),
				zap.String("status", string(order.Status)))
		}

		now := s.now()
		f := &model.Fulfillment{
			OrderReference: reference,
			Provider:       res.Provider,
			RequestID:      requestID,
			AmountFiat:     order.Amount.Fiat,
			Commission:     decimal.Zero,
			TotalCharged:   order.Amount.Fiat,
			RawResponse:    res.RawResponse,
			UpdatedAt:      now,
		}
		if res.TransactionID != "" {
			f.ProviderTransactionID = strPtr(res.TransactionID)
		}
		if res.Commission != nil {
			f.Commission = *res.Commission
		}
		if res.ChargedAmount != nil {
			f.TotalCharged = *res.ChargedAmount
		}
		if res.Success {
			f.Status = model.FulfillmentStatusSuccess
		} else {
			f.Status = model.FulfillmentStatusFailed
			f.FailureReason = strPtr(res.FailureReason)
		}

		if err := tx.UpsertFulfillment(ctx, f); err != nil {
			return err
		}

		if order.Status != model.OrderStatusProcessing {
			tx.AfterCommit(func() { s.invalidateOrder(ctx, reference) })
			return nil
		}

		order.FulfillmentID = &f.ID
		if res.Provider != "" {
			order.Provider = res.Provider
		}
		if res.Success {
			if err := transition(order, model.OrderStatusSuccess, now); err != nil {
				return err
			}
			order.FulfilledAt = timePtr(now)
			order.FailureReason = nil
		} else {
			if err := transition(order, model.OrderStatusFailed, now); err != nil {
				return err
			}
			order.FailureReason = strPtr(res.FailureReason)
		}

		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		s.publishAfterCommit(ctx, tx, order)

		finished := order.Status
		attempts := f.Attempts
		tx.AfterCommit(func() {
			metrics.OrdersFinished.WithLabelValues(string(finished)).Inc()
			s.logger.Info("order fulfillment finished",
				zap.String("reference", reference),
				zap.String("status", string(finished)),
				zap.String("provider", res.Provider),
				zap.Int("attempts", attempts))
		})
		return nil
	})
}

// markFailed завершает заказ статусом FAILED, если он всё ещё в PROCESSING.
func (s *Service) markFailed(ctx context.Context, reference, reason string) {
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		order, err := tx.LockOrder(ctx, reference)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusProcessing {
			return nil
		}
		if err := transition(order, model.OrderStatusFailed, s.now()); err != nil {
			return err
		}
		order.FailureReason = strPtr(reason)
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		s.publishAfterCommit(ctx, tx, order)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to mark order as failed",
			zap.String("reference", reference),
			zap.Error(err))
	}
}
