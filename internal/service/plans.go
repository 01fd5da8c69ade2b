package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cryptotopup/internal/cache"
	"github.com/mmeshcher/cryptotopup/internal/model"
	"github.com/mmeshcher/cryptotopup/internal/rate"
	"github.com/mmeshcher/cryptotopup/internal/validation"
)

// ListDataPlans возвращает тарифы оператора. Список кэшируется на PlansCacheTTL.
func (s *Service) ListDataPlans(ctx context.Context, network string) ([]model.DataPlan, error) {
	n, ok := validation.NormalizeNetwork(network)
	if !ok {
		return nil, invalid("network", "unsupported network %q", network)
	}

	load := func(ctx context.Context) ([]model.DataPlan, error) {
		plans, err := s.fulfiller.ListDataPlans(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPlansUnavailable, err)
		}
		return plans, nil
	}

	if s.cache == nil {
		return load(ctx)
	}
	return cache.GetOrSet(ctx, s.cache, "plans:"+n, s.cfg.PlansCacheTTL, load)
}

// Quote показывает пересчёт суммы в криптовалюту без создания заказа.
func (s *Service) Quote(ctx context.Context, amountFiat decimal.Decimal) (rate.Quote, error) {
	if !amountFiat.IsPositive() {
		return rate.Quote{}, invalid("amount", "must be positive")
	}

	q, err := s.oracle.Quote(ctx, amountFiat)
	if err != nil {
		if errors.Is(err, ErrRateUnavailable) {
			return rate.Quote{}, err
		}
		return rate.Quote{}, fmt.Errorf("quote: %w", err)
	}
	return q, nil
}
