// Package rate реализует получение курса криптовалюты к фиату и пересчёт сумм.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/cryptotopup/internal/cache"
	"github.com/mmeshcher/cryptotopup/internal/metrics"
)

var (
	// ErrRateUnavailable возвращается, когда источник недоступен и в кэше нет ни одного значения.
	ErrRateUnavailable = errors.New("exchange rate unavailable")
	// ErrInvalidRate возвращается, если источник прислал некорректный курс.
	ErrInvalidRate = errors.New("invalid exchange rate")
)

// CryptoDecimals задаёт число знаков после запятой в сумме криптовалюты.
const CryptoDecimals = 8

var smallestUnitsPerCoin = decimal.New(1, CryptoDecimals)

// Source описывает внешний источник курса.
type Source interface {
	FetchRate(ctx context.Context) (decimal.Decimal, error)
}

// Quote содержит пересчёт фиатной суммы по одному значению курса.
type Quote struct {
	Rate     decimal.Decimal `json:"rate"`
	Fiat     decimal.Decimal `json:"fiat"`
	Crypto   decimal.Decimal `json:"crypto"`
	Smallest int64           `json:"smallest"`
}

// Oracle кэширует курс и при сбое источника отдаёт последнее известное значение.
type Oracle struct {
	source   Source
	cache    *cache.Cache
	logger   *zap.Logger
	key      string
	ttl      time.Duration
	staleTTL time.Duration
	group    singleflight.Group
}

// NewOracle создаёт оракул курса для пары coin/fiat.
func NewOracle(source Source, c *cache.Cache, logger *zap.Logger, coin, fiat string, ttl, staleTTL time.Duration) *Oracle {
	return &Oracle{
		source:   source,
		cache:    c,
		logger:   logger,
		key:      fmt.Sprintf("rate:%s:%s", coin, fiat),
		ttl:      ttl,
		staleTTL: staleTTL,
	}
}

func (o *Oracle) staleKey() string {
	return o.key + ":last"
}

// GetRate возвращает курс: из кэша, от источника или, при сбое источника, последнее известное значение.
func (o *Oracle) GetRate(ctx context.Context) (decimal.Decimal, error) {
	if v, ok, err := cache.GetValue[decimal.Decimal](ctx, o.cache, o.key); err == nil && ok {
		metrics.RateLookups.WithLabelValues("cache").Inc()
		return v, nil
	}

	res, err, _ := o.group.Do(o.key, func() (any, error) {
		return o.refresh(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return res.(decimal.Decimal), nil
}

func (o *Oracle) refresh(ctx context.Context) (decimal.Decimal, error) {
	v, fetchErr := o.source.FetchRate(ctx)
	if fetchErr == nil {
		metrics.RateLookups.WithLabelValues("upstream").Inc()
		if err := cache.SetValue(ctx, o.cache, o.key, v, o.ttl); err != nil {
			o.logger.Warn("cache rate", zap.Error(err))
		}
		if err := cache.SetValue(ctx, o.cache, o.staleKey(), v, o.staleTTL); err != nil {
			o.logger.Warn("cache last known rate", zap.Error(err))
		}
		return v, nil
	}

	stale, ok, err := cache.GetValue[decimal.Decimal](ctx, o.cache, o.staleKey())
	if err == nil && ok {
		metrics.RateLookups.WithLabelValues("stale").Inc()
		o.logger.Warn("rate source failed, serving last known rate",
			zap.Error(fetchErr),
			zap.String("rate", stale.String()))
		return stale, nil
	}

	metrics.RateLookups.WithLabelValues("unavailable").Inc()
	o.logger.Error("rate source failed and no cached rate", zap.Error(fetchErr))
	return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, fetchErr)
}

// Quote пересчитывает фиатную сумму в криптовалюту по одному значению курса.
func (o *Oracle) Quote(ctx context.Context, fiat decimal.Decimal) (Quote, error) {
	r, err := o.GetRate(ctx)
	if err != nil {
		return Quote{}, err
	}
	crypto := FiatToCrypto(fiat, r)
	return Quote{
		Rate:     r,
		Fiat:     fiat,
		Crypto:   crypto,
		Smallest: ToSmallestUnit(crypto),
	}, nil
}

// ConvertFiatToCrypto пересчитывает фиат в криптовалюту по текущему курсу.
func (o *Oracle) ConvertFiatToCrypto(ctx context.Context, fiat decimal.Decimal) (decimal.Decimal, error) {
	r, err := o.GetRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return FiatToCrypto(fiat, r), nil
}

// ConvertCryptoToFiat пересчитывает криптовалюту в фиат по текущему курсу.
func (o *Oracle) ConvertCryptoToFiat(ctx context.Context, crypto decimal.Decimal) (decimal.Decimal, error) {
	r, err := o.GetRate(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return crypto.Mul(r).Round(2), nil
}

// FiatToCrypto делит фиатную сумму на курс с округлением до CryptoDecimals знаков.
func FiatToCrypto(fiat, r decimal.Decimal) decimal.Decimal {
	return fiat.DivRound(r, CryptoDecimals)
}

// ToSmallestUnit переводит сумму в минимальные единицы (1 монета = 10^8).
func ToSmallestUnit(crypto decimal.Decimal) int64 {
	return crypto.Mul(smallestUnitsPerCoin).Round(0).IntPart()
}

// FromSmallestUnit переводит минимальные единицы в сумму монет.
func FromSmallestUnit(units int64) decimal.Decimal {
	return decimal.New(units, -CryptoDecimals)
}
