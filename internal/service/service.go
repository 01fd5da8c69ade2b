// Package service реализует жизненный цикл заказа: котировку, оплату, исполнение и повтор.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptotopup/internal/cache"
	"github.com/mmeshcher/cryptotopup/internal/gateway"
	"github.com/mmeshcher/cryptotopup/internal/model"
	"github.com/mmeshcher/cryptotopup/internal/provider"
	"github.com/mmeshcher/cryptotopup/internal/rate"
	"github.com/mmeshcher/cryptotopup/internal/repository"
)

// EventPaymentUpdate отправляется подписчикам комнаты заказа при каждом изменении.
const EventPaymentUpdate = "payment_update"

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error
	GetOrder(ctx context.Context, reference string) (*model.Order, error)
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus, createdBefore time.Time, limit int) ([]string, error)
}

// RateOracle пересчитывает фиатную сумму в криптовалюту.
type RateOracle interface {
	Quote(ctx context.Context, fiat decimal.Decimal) (rate.Quote, error)
}

// PaymentGateway описывает платёжный шлюз.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.Payment, error)
	GetPayment(ctx context.Context, reference string, forceRefresh bool) (*gateway.Payment, error)
	VerifyWebhookSignature(payload gateway.WebhookPayload) bool
	MapStatus(external string) model.PaymentStatus
}

// Fulfiller исполняет заказ у поставщиков услуг.
type Fulfiller interface {
	Primary() string
	PurchaseAirtime(ctx context.Context, req provider.AirtimeRequest) *provider.Result
	PurchaseData(ctx context.Context, req provider.DataRequest) *provider.Result
	ListDataPlans(ctx context.Context, network string) ([]model.DataPlan, error)
}

// Notifier рассылает события подписчикам комнаты.
type Notifier interface {
	Broadcast(ctx context.Context, room, event string, payload any) error
}

// Config задаёт бизнес-параметры сервиса.
type Config struct {
	MinAmount            decimal.Decimal
	MaxAmount            decimal.Decimal
	FiatCurrency         string
	CryptoCurrency       string
	CallbackURL          string
	ReturnURL            string
	PaymentExpiryMinutes int
	AirtimeEnabled       bool
	DataEnabled          bool
	OrderCacheTTL        time.Duration
	PlansCacheTTL        time.Duration
}

// Deps содержит внешние зависимости сервиса.
type Deps struct {
	Repo      Repository
	Oracle    RateOracle
	Gateway   PaymentGateway
	Fulfiller Fulfiller
	Notifier  Notifier
	Cache     *cache.Cache
	Logger    *zap.Logger
}

// Service содержит бизнес-логику оплаты услуг криптовалютой.
type Service struct {
	repo      Repository
	oracle    RateOracle
	gateway   PaymentGateway
	fulfiller Fulfiller
	notifier  Notifier
	cache     *cache.Cache
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// NewService создаёт новый сервис.
func NewService(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      deps.Repo,
		oracle:    deps.Oracle,
		gateway:   deps.Gateway,
		fulfiller: deps.Fulfiller,
		notifier:  deps.Notifier,
		cache:     deps.Cache,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func orderCacheKey(reference string) string {
	return "order:" + reference + ":view"
}

// GetOrder возвращает заказ с платежом и выполнением. Результат кэшируется на OrderCacheTTL.
func (s *Service) GetOrder(ctx context.Context, reference string) (*model.Order, error) {
	if s.cache == nil {
		return s.repo.GetOrder(ctx, reference)
	}

	o, err := cache.GetOrSet(ctx, s.cache, orderCacheKey(reference), s.cfg.OrderCacheTTL,
		func(ctx context.Context) (*model.Order, error) {
			return s.repo.GetOrder(ctx, reference)
		})
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order %s: %w", reference, err)
	}
	return o, nil
}

// transition переводит заказ в статус next, если это разрешено.
func transition(o *model.Order, next model.OrderStatus, now time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// orderUpdate содержит данные события об изменении заказа.
type orderUpdate struct {
	Reference     string            `json:"reference"`
	Status        model.OrderStatus `json:"status"`
	Provider      string            `json:"provider,omitempty"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	FulfilledAt   *time.Time        `json:"fulfilled_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// publishAfterCommit сбрасывает кэш заказа и рассылает событие после фиксации транзакции.
func (s *Service) publishAfterCommit(ctx context.Context, tx repository.Tx, o *model.Order) {
	event := orderUpdate{
		Reference:     o.Reference,
		Status:        o.Status,
		Provider:      o.Provider,
		FailureReason: o.FailureReason,
		PaidAt:        o.PaidAt,
		FulfilledAt:   o.FulfilledAt,
		UpdatedAt:     o.UpdatedAt,
	}

	tx.AfterCommit(func() {
		s.invalidateOrder(ctx, event.Reference)
		s.broadcast(ctx, event)
	})
}

func (s *Service) invalidateOrder(ctx context.Context, reference string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.DeleteByPrefix(ctx, "order:"+reference+":"); err != nil {
		s.logger.Warn("failed to invalidate order cache",
			zap.String("reference", reference),
			zap.Error(err))
	}
}

func (s *Service) broadcast(ctx context.Context, event orderUpdate) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Broadcast(ctx, event.Reference, EventPaymentUpdate, event); err != nil {
		s.logger.Warn("failed to broadcast order update",
			zap.String("reference", event.Reference),
			zap.String("status", string(event.Status)),
			zap.Error(err))
	}
}

func strPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
