package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/cryptotopup/internal/metrics"
	"github.com/mmeshcher/cryptotopup/internal/model"
)

// ErrNoProviders возвращается, если не настроен ни один поставщик.
var ErrNoProviders = errors.New("no fulfillment providers configured")

// Failover перебирает поставщиков в порядке приоритета до первого успеха.
type Failover struct {
	providers []Provider
	logger    *zap.Logger
}

// NewFailover создаёт оркестратор. Порядок providers задаёт приоритет.
func NewFailover(logger *zap.Logger, providers ...Provider) *Failover {
	return &Failover{
		providers: providers,
		logger:    logger,
	}
}

// Primary возвращает имя основного поставщика.
func (f *Failover) Primary() string {
	if len(f.providers) == 0 {
		return ""
	}
	return f.providers[0].Name()
}

// Names возвращает имена поставщиков в порядке приоритета.
func (f *Failover) Names() []string {
	names := make([]string, 0, len(f.providers))
	for _, p := range f.providers {
		names = append(names, p.Name())
	}
	return names
}

// PurchaseAirtime пополняет баланс через первого успешно ответившего поставщика.
func (f *Failover) PurchaseAirtime(ctx context.Context, req AirtimeRequest) *Result {
	return f.run(ctx, f.providers, "airtime", func(ctx context.Context, p Provider) (*Result, error) {
		return p.PurchaseAirtime(ctx, req)
	})
}

// PurchaseData покупает пакет интернета через первого успешно ответившего поставщика.
// Если в запросе указан поставщик тарифа, заказ отправляется только ему.
func (f *Failover) PurchaseData(ctx context.Context, req DataRequest) *Result {
	providers := f.providers
	if req.Provider != "" {
		providers = f.named(req.Provider)
		if len(providers) == 0 {
			return Failed(req.Provider, fmt.Sprintf("plan provider %q is not configured", req.Provider), nil)
		}
	}
	return f.run(ctx, providers, "data", func(ctx context.Context, p Provider) (*Result, error) {
		return p.PurchaseData(ctx, req)
	})
}

func (f *Failover) named(name string) []Provider {
	for _, p := range f.providers {
		if p.Name() == name {
			return []Provider{p}
		}
	}
	return nil
}

// ListDataPlans возвращает тарифы первого поставщика, вернувшего непустой список.
func (f *Failover) ListDataPlans(ctx context.Context, network string) ([]model.DataPlan, error) {
	if len(f.providers) == 0 {
		return nil, ErrNoProviders
	}

	var lastErr error
	for _, p := range f.providers {
		plans, err := p.ListDataPlans(ctx, network)
		if err != nil {
			f.logger.Warn("list data plans failed",
				zap.String("provider", p.Name()),
				zap.String("network", network),
				zap.Error(err))
			lastErr = err
			continue
		}
		if len(plans) > 0 {
			return plans, nil
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("list data plans: %w", lastErr)
	}
	return []model.DataPlan{}, nil
}

// run возвращает первый успешный результат либо результат последнего поставщика, если отказали все.
func (f *Failover) run(ctx context.Context, providers []Provider, op string, call func(context.Context, Provider) (*Result, error)) *Result {
	if len(providers) == 0 {
		return Failed("", ErrNoProviders.Error(), nil)
	}

	var last *Result
	for _, p := range providers {
		res := f.attempt(ctx, p, call)

		outcome := "failed"
		if res.Success {
			outcome = "success"
		}
		metrics.FulfillmentAttempts.WithLabelValues(p.Name(), outcome).Inc()

		if res.Success {
			return res
		}

		f.logger.Warn("provider purchase failed",
			zap.String("provider", p.Name()),
			zap.String("operation", op),
			zap.String("reason", res.FailureReason))
		last = res

		if ctx.Err() != nil {
			break
		}
	}

	return last
}

func (f *Failover) attempt(ctx context.Context, p Provider, call func(context.Context, Provider) (*Result, error)) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(p.Name(), fmt.Sprintf("provider panic: %v", r), nil)
		}
	}()

	res, err := call(ctx, p)
	if err != nil {
		return Failed(p.Name(), err.Error(), nil)
	}
	if res == nil {
		return Failed(p.Name(), "empty provider response", nil)
	}
	if res.Provider == "" {
		res.Provider = p.Name()
	}
	if !res.Success && res.FailureReason == "" {
		res.FailureReason = "provider reported failure"
	}
	return res
}
