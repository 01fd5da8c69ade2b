package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/cryptotopup/internal/gateway"
	"github.com/mmeshcher/cryptotopup/internal/model"
)

const reconcileBatchSize = 100

// StartReconciler запускает фоновую сверку заказов со шлюзом на случай потерянных уведомлений.
// Заказы в ожидании оплаты старше interval запрашиваются у шлюза, а оплаченные,
// но не взятые в исполнение, исполняются повторно.
func (s *Service) StartReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcile(ctx, interval)
			}
		}
	}()
}

func (s *Service) reconcile(ctx context.Context, age time.Duration) {
	cutoff := s.now().Add(-age)

	pending, err := s.repo.ListOrdersByStatus(ctx, model.OrderStatusPaymentPending, cutoff, reconcileBatchSize)
	if err != nil {
		s.logger.Error("failed to list pending orders", zap.Error(err))
		return
	}

	for _, ref := range pending {
		if ctx.Err() != nil {
			return
		}

		p, err := s.gateway.GetPayment(ctx, ref, true)
		if err != nil {
			s.logger.Warn("failed to fetch payment status",
				zap.String("reference", ref),
				zap.Error(err))
			continue
		}

		fulfill, err := s.applyPaymentUpdate(ctx, ref, gateway.WebhookPayment{
			TxID:          ref,
			Status:        p.Status,
			BlockHash:     p.TxHash,
			Confirmations: p.Confirmations,
		}, nil)
		if err != nil {
			s.logger.Warn("failed to apply reconciled payment",
				zap.String("reference", ref),
				zap.Error(err))
			continue
		}
		if fulfill {
			s.FulfillOrder(ctx, ref)
		}
	}

	confirmed, err := s.repo.ListOrdersByStatus(ctx, model.OrderStatusPaymentConfirmed, cutoff, reconcileBatchSize)
	if err != nil {
		s.logger.Error("failed to list confirmed orders", zap.Error(err))
		return
	}
	for _, ref := range confirmed {
		if ctx.Err() != nil {
			return
		}
		s.FulfillOrder(ctx, ref)
	}
}
