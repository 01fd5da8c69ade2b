package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptotopup/internal/gateway"
	"github.com/mmeshcher/cryptotopup/internal/metrics"
	"github.com/mmeshcher/cryptotopup/internal/model"
	"github.com/mmeshcher/cryptotopup/internal/repository"
	"github.com/mmeshcher/cryptotopup/internal/validation"
)

// CreateOrderRequest описывает запрос на покупку услуги.
type CreateOrderRequest struct {
	ServiceType model.ServiceType
	AmountFiat  decimal.Decimal
	Meta        model.ServiceMeta
}

// CreateOrderResult содержит созданный заказ и данные для оплаты.
type CreateOrderResult struct {
	Order          *model.Order `json:"order"`
	PaymentAddress string       `json:"payment_address"`
	QRCodeURL      string       `json:"qr_code_url,omitempty"`
	PaymentLink    string       `json:"payment_link,omitempty"`
}

// newReference формирует номер заказа вида AIR-20261018-01J9ZK3M.
// Случайная часть берётся из конца ULID.
func newReference(t model.ServiceType, now time.Time) string {
	id := ulid.Make().String()
	return fmt.Sprintf("%s-%s-%s", t.ReferencePrefix(), now.UTC().Format("20060102"), id[len(id)-8:])
}

// CreateOrder проверяет запрос, фиксирует курс и создаёт платёж во шлюзе.
// Заказ сохраняется только если шлюз создал платёж.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error) {
	meta, err := s.validateCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	quote, err := s.oracle.Quote(ctx, req.AmountFiat)
	if err != nil {
		if errors.Is(err, ErrRateUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("quote %s %s: %w", req.AmountFiat, s.cfg.FiatCurrency, err)
	}

	providerName := s.fulfiller.Primary()
	if meta.PlanProvider != "" {
		providerName = meta.PlanProvider
	}

	now := s.now()
	order := &model.Order{
		Reference:   newReference(req.ServiceType, now),
		ServiceType: req.ServiceType,
		Provider:    providerName,
		Amount: model.Amount{
			Fiat:           quote.Fiat,
			Crypto:         quote.Crypto,
			Rate:           quote.Rate,
			FiatCurrency:   s.cfg.FiatCurrency,
			CryptoCurrency: s.cfg.CryptoCurrency,
		},
		Meta:      meta,
		Status:    model.OrderStatusInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var result *CreateOrderResult
	err = s.repo.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		gp, err := s.gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
			Reference:     order.Reference,
			Amount:        order.Amount.Crypto,
			Currency:      order.Amount.CryptoCurrency,
			Description:   describe(order),
			CallbackURL:   s.cfg.CallbackURL,
			ReturnURL:     s.cfg.ReturnURL,
			ExpiryMinutes: s.cfg.PaymentExpiryMinutes,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
		}

		payment := &model.Payment{
			ID:               uuid.NewString(),
			OrderReference:   order.Reference,
			GatewayPaymentID: gp.ID,
			Currency:         order.Amount.CryptoCurrency,
			Address:          gp.Address,
			AmountCrypto:     order.Amount.Crypto,
			AmountSmallest:   quote.Smallest,
			Status:           model.PaymentStatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		order.PaymentID = &payment.ID
		if err := transition(order, model.OrderStatusPaymentPending, now); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		order.Payment = payment
		result = &CreateOrderResult{
			Order:          order,
			PaymentAddress: gp.Address,
			QRCodeURL:      gp.QRCodeURL,
			PaymentLink:    gp.PaymentLink,
		}

		tx.AfterCommit(func() {
			metrics.OrdersCreated.WithLabelValues(string(order.ServiceType)).Inc()
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, repository.ErrDuplicateReference) {
			return nil, err
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created",
		zap.String("reference", order.Reference),
		zap.String("service", string(order.ServiceType)),
		zap.String("amount_fiat", order.Amount.Fiat.String()),
		zap.String("amount_crypto", order.Amount.Crypto.String()),
		zap.String("rate", order.Amount.Rate.String()))

	return result, nil
}

func describe(o *model.Order) string {
	switch o.ServiceType {
	case model.ServiceData:
		return fmt.Sprintf("%s data %s for %s", o.Meta.Network, o.Meta.PlanCode, o.Meta.Phone)
	default:
		return fmt.Sprintf("%s airtime %s %s for %s", o.Meta.Network, o.Amount.Fiat, o.Amount.FiatCurrency, o.Meta.Phone)
	}
}

func (s *Service) validateCreate(ctx context.Context, req CreateOrderRequest) (model.ServiceMeta, error) {
	var meta model.ServiceMeta

	switch {
	case !req.ServiceType.Valid():
		return meta, invalid("service", "unsupported service type %q", req.ServiceType)
	case req.ServiceType == model.ServiceAirtime && !s.cfg.AirtimeEnabled,
		req.ServiceType == model.ServiceData && !s.cfg.DataEnabled:
		return meta, invalid("service", "service %q is disabled", req.ServiceType)
	}

	if !req.AmountFiat.IsPositive() {
		return meta, invalid("amount", "must be positive")
	}
	if req.AmountFiat.LessThan(s.cfg.MinAmount) || req.AmountFiat.GreaterThan(s.cfg.MaxAmount) {
		return meta, invalid("amount", "must be between %s and %s %s",
			s.cfg.MinAmount, s.cfg.MaxAmount, s.cfg.FiatCurrency)
	}

	phone, ok := validation.NormalizePhone(req.Meta.Phone)
	if !ok {
		return meta, invalid("phone", "invalid phone number")
	}
	network, ok := validation.NormalizeNetwork(req.Meta.Network)
	if !ok {
		return meta, invalid("network", "unsupported network %q", req.Meta.Network)
	}

	meta = model.ServiceMeta{Phone: phone, Network: network}

	if req.ServiceType == model.ServiceData {
		if req.Meta.PlanCode == "" {
			return meta, invalid("plan_code", "required for data purchase")
		}

		plans, err := s.ListDataPlans(ctx, network)
		if err != nil {
			return meta, err
		}

		plan, ok := findPlan(plans, req.Meta.PlanCode)
		if !ok {
			return meta, invalid("plan_code", "unknown plan %q for %s", req.Meta.PlanCode, network)
		}
		if !plan.Price.Equal(req.AmountFiat) {
			return meta, invalid("amount", "must equal plan price %s", plan.Price)
		}
		meta.PlanCode = plan.Code
		meta.PlanProvider = plan.Provider
	}

	return meta, nil
}

func findPlan(plans []model.DataPlan, code string) (model.DataPlan, bool) {
	for _, p := range plans {
		if p.Code == code {
			return p, true
		}
	}
	return model.DataPlan{}, false
}
