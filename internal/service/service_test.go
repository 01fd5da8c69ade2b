package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptotopup/internal/cache"
	"github.com/mmeshcher/cryptotopup/internal/gateway"
	"github.com/mmeshcher/cryptotopup/internal/model"
	"github.com/mmeshcher/cryptotopup/internal/provider"
	"github.com/mmeshcher/cryptotopup/internal/rate"
	"github.com/mmeshcher/cryptotopup/internal/repository"
)

const validToken = "valid-token"

type stubOracle struct {
	mu   sync.Mutex
	rate decimal.Decimal
	err  error
}

func (o *stubOracle) set(r decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rate = r
}

func (o *stubOracle) Quote(ctx context.Context, fiat decimal.Decimal) (rate.Quote, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return rate.Quote{}, o.err
	}
	crypto := rate.FiatToCrypto(fiat, o.rate)
	return rate.Quote{Rate: o.rate, Fiat: fiat, Crypto: crypto, Smallest: rate.ToSmallestUnit(crypto)}, nil
}

type stubGateway struct {
	mu        sync.Mutex
	createErr error
	created   []gateway.CreatePaymentRequest
	status    string
}

func (g *stubGateway) CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.Payment{
		ID:          "gw-" + req.Reference,
		Reference:   req.Reference,
		Address:     "bc1qtestaddress",
		QRCodeURL:   "https://gw.test/qr/" + req.Reference,
		PaymentLink: "https://gw.test/pay/" + req.Reference,
		Status:      "new",
		Amount:      req.Amount,
	}, nil
}

func (g *stubGateway) GetPayment(ctx context.Context, reference string, forceRefresh bool) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &gateway.Payment{Reference: reference, Status: g.status, Confirmations: 2, TxHash: "00ff"}, nil
}

func (g *stubGateway) VerifyWebhookSignature(payload gateway.WebhookPayload) bool {
	return payload.Token == validToken
}

func (g *stubGateway) MapStatus(external string) model.PaymentStatus {
	return gateway.MapStatus(external)
}

type stubProvider struct {
	name   string
	mu     sync.Mutex
	fail   bool
	delay  time.Duration
	calls  int
	plans  []model.DataPlan
	plansN int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *stubProvider) purchase() (*provider.Result, error) {
	p.mu.Lock()
	p.calls++
	fail, delay, n := p.fail, p.delay, p.calls
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return provider.Failed(p.name, p.name+" is down", nil), nil
	}
	commission := decimal.NewFromInt(10)
	return &provider.Result{
		Success:       true,
		Provider:      p.name,
		TransactionID: fmt.Sprintf("%s-tx-%d", p.name, n),
		Commission:    &commission,
		RawResponse:   []byte(`{"code":"000"}`),
	}, nil
}

func (p *stubProvider) PurchaseAirtime(ctx context.Context, req provider.AirtimeRequest) (*provider.Result, error) {
	return p.purchase()
}

func (p *stubProvider) PurchaseData(ctx context.Context, req provider.DataRequest) (*provider.Result, error) {
	return p.purchase()
}

func (p *stubProvider) ListDataPlans(ctx context.Context, network string) ([]model.DataPlan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plansN++
	return p.plans, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []orderUpdate
	err    error
}

func (n *recordingNotifier) Broadcast(ctx context.Context, room, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if u, ok := payload.(orderUpdate); ok && room == u.Reference && event == EventPaymentUpdate {
		n.events = append(n.events, u)
	}
	return n.err
}

func (n *recordingNotifier) statuses(ref string) []model.OrderStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var res []model.OrderStatus
	for _, e := range n.events {
		if e.Reference == ref {
			res = append(res, e.Status)
		}
	}
	return res
}

type env struct {
	svc       *Service
	repo      *repository.MemoryRepository
	oracle    *stubOracle
	gateway   *stubGateway
	primary   *stubProvider
	secondary *stubProvider
	notifier  *recordingNotifier
	clock     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store, err := cache.NewMemoryStore(128)
	require.NoError(t, err)

	e := &env{
		repo:      repository.NewMemoryRepository(),
		oracle:    &stubOracle{rate: decimal.NewFromInt(2000000)},
		gateway:   &stubGateway{},
		primary:   &stubProvider{name: "primary"},
		secondary: &stubProvider{name: "secondary"},
		notifier:  &recordingNotifier{},
		clock:     time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC),
	}
	e.primary.plans = []model.DataPlan{
		{Code: "mtn-1gb", Name: "MTN 1GB", Network: "mtn", Price: decimal.NewFromInt(1000), Provider: "primary"},
	}

	e.svc = NewService(Deps{
		Repo:      e.repo,
		Oracle:    e.oracle,
		Gateway:   e.gateway,
		Fulfiller: provider.NewFailover(zap.NewNop(), e.primary, e.secondary),
		Notifier:  e.notifier,
		Cache:     cache.New(store, time.Minute),
		Logger:    zap.NewNop(),
	}, Config{
		MinAmount:            decimal.NewFromInt(50),
		MaxAmount:            decimal.NewFromInt(50000),
		FiatCurrency:         "NGN",
		CryptoCurrency:       "BTC",
		CallbackURL:          "https://topup.test/webhooks/payment",
		PaymentExpiryMinutes: 30,
		AirtimeEnabled:       true,
		DataEnabled:          true,
		OrderCacheTTL:        time.Minute,
		PlansCacheTTL:        time.Hour,
	})
	e.svc.now = func() time.Time { return e.clock }

	return e
}

func (e *env) createAirtime(t *testing.T, amount int64) *model.Order {
	t.Helper()
	res, err := e.svc.CreateOrder(context.Background(), CreateOrderRequest{
		ServiceType: model.ServiceAirtime,
		AmountFiat:  decimal.NewFromInt(amount),
		Meta:        model.ServiceMeta{Phone: "+2348031234567", Network: "MTN"},
	})
	require.NoError(t, err)
	return res.Order
}

func (e *env) webhook(ref, status, token string) error {
	return e.svc.HandlePaymentWebhook(context.Background(), gateway.WebhookPayload{
		Token:   token,
		Payment: gateway.WebhookPayment{TxID: ref, Status: status, Confirmations: 1},
	})
}

func (e *env) load(t *testing.T, ref string) *model.Order {
	t.Helper()
	o, err := e.repo.GetOrder(context.Background(), ref)
	require.NoError(t, err)
	return o
}

var referencePattern = regexp.MustCompile(`^AIR-20261018-[0-9A-Z]{8}$`)

func TestCreateOrder_Airtime(t *testing.T) {
	e := newEnv(t)

	res, err := e.svc.CreateOrder(context.Background(), CreateOrderRequest{
		ServiceType: model.ServiceAirtime,
		AmountFiat:  decimal.NewFromInt(500),
		Meta:        model.ServiceMeta{Phone: "08031234567", Network: "mtn"},
	})
	require.NoError(t, err)

	assert.Regexp(t, referencePattern, res.Order.Reference)
	assert.Equal(t, "bc1qtestaddress", res.PaymentAddress)
	assert.NotEmpty(t, res.QRCodeURL)
	assert.NotEmpty(t, res.PaymentLink)

	o := e.load(t, res.Order.Reference)
	assert.Equal(t, model.OrderStatusPaymentPending, o.Status)
	assert.True(t, o.Amount.Crypto.Equal(decimal.RequireFromString("0.00025")), "crypto = %s", o.Amount.Crypto)
	assert.True(t, o.Amount.Rate.Equal(decimal.NewFromInt(2000000)))
	assert.Equal(t, "primary", o.Provider)
	require.NotNil(t, o.Payment)
	assert.Equal(t, int64(25000), o.Payment.AmountSmallest)
	assert.Equal(t, model.PaymentStatusPending, o.Payment.Status)
	assert.Equal(t, "bc1qtestaddress", o.Payment.Address)
	require.NotNil(t, o.PaymentID)
	assert.Equal(t, o.Payment.ID, *o.PaymentID)
	assert.Nil(t, o.PaidAt)

	require.Len(t, e.gateway.created, 1)
	assert.True(t, e.gateway.created[0].Amount.Equal(decimal.RequireFromString("0.00025")))
	assert.Equal(t, "BTC", e.gateway.created[0].Currency)
	assert.Equal(t, 30, e.gateway.created[0].ExpiryMinutes)
}

func TestCreateOrder_RateIsLockedAtCreation(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	e.oracle.set(decimal.NewFromInt(4000000))
	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	got := e.load(t, o.Reference)
	assert.True(t, got.Amount.Rate.Equal(decimal.NewFromInt(2000000)))
	assert.True(t, got.Amount.Crypto.Equal(decimal.RequireFromString("0.00025")))
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   CreateOrderRequest
		field string
	}{
		{
			name:  "unknown service",
			req:   CreateOrderRequest{ServiceType: "electricity", AmountFiat: decimal.NewFromInt(500)},
			field: "service",
		},
		{
			name:  "below minimum",
			req:   CreateOrderRequest{ServiceType: model.ServiceAirtime, AmountFiat: decimal.NewFromInt(49), Meta: model.ServiceMeta{Phone: "08031234567", Network: "mtn"}},
			field: "amount",
		},
		{
			name:  "above maximum",
			req:   CreateOrderRequest{ServiceType: model.ServiceAirtime, AmountFiat: decimal.NewFromInt(50001), Meta: model.ServiceMeta{Phone: "08031234567", Network: "mtn"}},
			field: "amount",
		},
		{
			name:  "bad phone",
			req:   CreateOrderRequest{ServiceType: model.ServiceAirtime, AmountFiat: decimal.NewFromInt(500), Meta: model.ServiceMeta{Phone: "12345", Network: "mtn"}},
			field: "phone",
		},
		{
			name:  "unknown network",
			req:   CreateOrderRequest{ServiceType: model.ServiceAirtime, AmountFiat: decimal.NewFromInt(500), Meta: model.ServiceMeta{Phone: "08031234567", Network: "ntel"}},
			field: "network",
		},
		{
			name:  "data without plan",
			req:   CreateOrderRequest{ServiceType: model.ServiceData, AmountFiat: decimal.NewFromInt(1000), Meta: model.ServiceMeta{Phone: "08031234567", Network: "mtn"}},
			field: "plan_code",
		},
		{
			name:  "unknown plan",
			req:   CreateOrderRequest{ServiceType: model.ServiceData, AmountFiat: decimal.NewFromInt(1000), Meta: model.ServiceMeta{Phone: "08031234567", Network: "mtn", PlanCode: "mtn-100gb"}},
			field: "plan_code",
		},
		{
			name:  "amount differs from plan price",
			req:   CreateOrderRequest{ServiceType: model.ServiceData, AmountFiat: decimal.NewFromInt(900), Meta: model.ServiceMeta{Phone: "08031234567", Network: "mtn", PlanCode: "mtn-1gb"}},
			field: "amount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)

			_, err := e.svc.CreateOrder(context.Background(), tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Empty(t, e.gateway.created)
		})
	}
}

func TestCreateOrder_BoundsAreInclusive(t *testing.T) {
	e := newEnv(t)
	e.createAirtime(t, 50)
	e.createAirtime(t, 50000)
}

func TestCreateOrder_DisabledService(t *testing.T) {
	e := newEnv(t)
	e.svc.cfg.DataEnabled = false

	_, err := e.svc.CreateOrder(context.Background(), CreateOrderRequest{
		ServiceType: model.ServiceData,
		AmountFiat:  decimal.NewFromInt(1000),
		Meta:        model.ServiceMeta{Phone: "08031234567", Network: "mtn", PlanCode: "mtn-1gb"},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "service", verr.Field)
}

func TestCreateOrder_Data(t *testing.T) {
	e := newEnv(t)

	res, err := e.svc.CreateOrder(context.Background(), CreateOrderRequest{
		ServiceType: model.ServiceData,
		AmountFiat:  decimal.NewFromInt(1000),
		Meta:        model.ServiceMeta{Phone: "08031234567", Network: "mtn", PlanCode: "mtn-1gb"},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^DAT-`, res.Order.Reference)
	assert.Equal(t, "mtn-1gb", res.Order.Meta.PlanCode)

	require.NoError(t, e.webhook(res.Order.Reference, "paid", validToken))
	assert.Equal(t, model.OrderStatusSuccess, e.load(t, res.Order.Reference).Status)
}

func (e *env) createData(t *testing.T) *model.Order {
	t.Helper()
	res, err := e.svc.CreateOrder(context.Background(), CreateOrderRequest{
		ServiceType: model.ServiceData,
		AmountFiat:  decimal.NewFromInt(1000),
		Meta:        model.ServiceMeta{Phone: "08031234567", Network: "mtn", PlanCode: "mtn-1gb"},
	})
	require.NoError(t, err)
	return res.Order
}

func TestFulfillment_DataPlanStaysWithItsProvider(t *testing.T) {
	e := newEnv(t)
	e.primary.setFail(true)
	o := e.createData(t)
	assert.Equal(t, "primary", o.Meta.PlanProvider)
	assert.Equal(t, "primary", o.Provider)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusFailed, got.Status)
	assert.Equal(t, 1, e.primary.callCount())
	assert.Equal(t, 0, e.secondary.callCount(), "plan code must not reach another provider")

	e.primary.setFail(false)
	retried, err := e.svc.RetryFulfillment(context.Background(), o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSuccess, retried.Status)
	assert.Equal(t, "primary", retried.Provider)
	assert.Equal(t, 0, e.secondary.callCount())
}

func TestCreateOrder_DataPlanFromSecondary(t *testing.T) {
	e := newEnv(t)
	e.primary.plans = nil
	e.secondary.plans = []model.DataPlan{
		{Code: "mtn-1gb", Name: "MTN 1GB", Network: "mtn", Price: decimal.NewFromInt(1000), Provider: "secondary"},
	}

	o := e.createData(t)
	assert.Equal(t, "secondary", o.Provider)
	assert.Equal(t, "secondary", o.Meta.PlanProvider)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusSuccess, got.Status)
	assert.Equal(t, "secondary", got.Fulfillment.Provider)
	assert.Equal(t, 0, e.primary.callCount())
}

func TestCreateOrder_GatewayFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	e.gateway.createErr = errors.New("502 bad gateway")

	_, err := e.svc.CreateOrder(context.Background(), CreateOrderRequest{
		ServiceType: model.ServiceAirtime,
		AmountFiat:  decimal.NewFromInt(500),
		Meta:        model.ServiceMeta{Phone: "08031234567", Network: "mtn"},
	})
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	require.Len(t, e.gateway.created, 1)
	_, err = e.repo.GetOrder(context.Background(), e.gateway.created[0].Reference)
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
}

type failingSource struct{}

func (failingSource) FetchRate(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("upstream timeout")
}

func TestCreateOrder_RateUnavailable(t *testing.T) {
	e := newEnv(t)

	store, err := cache.NewMemoryStore(16)
	require.NoError(t, err)
	e.svc.oracle = rate.NewOracle(failingSource{}, cache.New(store, time.Minute), zap.NewNop(),
		"bitcoin", "ngn", time.Minute, time.Hour)

	_, err = e.svc.CreateOrder(context.Background(), CreateOrderRequest{
		ServiceType: model.ServiceAirtime,
		AmountFiat:  decimal.NewFromInt(500),
		Meta:        model.ServiceMeta{Phone: "08031234567", Network: "mtn"},
	})
	require.ErrorIs(t, err, ErrRateUnavailable)
	assert.Empty(t, e.gateway.created)

	for _, st := range []model.OrderStatus{model.OrderStatusInitiated, model.OrderStatusPaymentPending} {
		refs, err := e.repo.ListOrdersByStatus(context.Background(), st, e.clock.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, refs)
	}
}

func TestNewReference_Unique(t *testing.T) {
	now := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		ref := newReference(model.ServiceAirtime, now)
		require.Regexp(t, referencePattern, ref)
		_, dup := seen[ref]
		require.False(t, dup, "duplicate reference %s", ref)
		seen[ref] = struct{}{}
	}
}

func TestWebhook_PaidFulfillsOrder(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusSuccess, got.Status)
	require.NotNil(t, got.PaidAt)
	require.NotNil(t, got.FulfilledAt)
	assert.Nil(t, got.FailureReason)
	assert.Equal(t, model.PaymentStatusConfirmed, got.Payment.Status)
	require.NotNil(t, got.Fulfillment)
	assert.Equal(t, 1, got.Fulfillment.Attempts)
	assert.Equal(t, model.FulfillmentStatusSuccess, got.Fulfillment.Status)
	assert.True(t, got.Fulfillment.Commission.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, got.FulfillmentID)
	assert.Equal(t, got.Fulfillment.ID, *got.FulfillmentID)
	assert.Equal(t, 1, e.primary.callCount())

	assert.Equal(t, []model.OrderStatus{
		model.OrderStatusPaymentConfirmed,
		model.OrderStatusProcessing,
		model.OrderStatusSuccess,
	}, e.notifier.statuses(o.Reference))
}

func TestWebhook_DuplicateDeliveryFulfillsOnce(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))
	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusSuccess, got.Status)
	assert.Equal(t, 1, got.Fulfillment.Attempts)
	assert.Equal(t, 1, e.primary.callCount())
}

func TestWebhook_ConcurrentDeliveriesFulfillOnce(t *testing.T) {
	e := newEnv(t)
	e.primary.delay = 20 * time.Millisecond
	o := e.createAirtime(t, 500)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.webhook(o.Reference, "paid", validToken)
		}()
	}
	wg.Wait()

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusSuccess, got.Status)
	assert.Equal(t, 1, got.Fulfillment.Attempts)
	assert.Equal(t, 1, e.primary.callCount())
}

func TestWebhook_InvalidSignature(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	for _, token := range []string{"", "forged"} {
		err := e.webhook(o.Reference, "paid", token)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	}

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusPaymentPending, got.Status)
	assert.Equal(t, model.PaymentStatusPending, got.Payment.Status)
	assert.Nil(t, got.PaidAt)
	assert.Equal(t, 0, e.primary.callCount())
}

func TestWebhook_UnknownReference(t *testing.T) {
	e := newEnv(t)

	err := e.webhook("AIR-20261018-NOTFOUND", "paid", validToken)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestWebhook_PendingDoesNotRegressConfirmedPayment(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))
	require.NoError(t, e.webhook(o.Reference, "confirming", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.PaymentStatusConfirmed, got.Payment.Status)
	assert.Equal(t, model.OrderStatusSuccess, got.Status)
}

func TestWebhook_LateFailureKeepsConfirmedPayment(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))
	require.NoError(t, e.webhook(o.Reference, "expired", validToken))
	require.NoError(t, e.webhook(o.Reference, "failed", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.PaymentStatusConfirmed, got.Payment.Status)
	assert.Equal(t, model.OrderStatusSuccess, got.Status)
	assert.Equal(t, 1, e.primary.callCount())
}

func TestNextPaymentStatus(t *testing.T) {
	tests := []struct {
		current, incoming, want model.PaymentStatus
	}{
		{model.PaymentStatusPending, model.PaymentStatusConfirmed, model.PaymentStatusConfirmed},
		{model.PaymentStatusPending, model.PaymentStatusFailed, model.PaymentStatusFailed},
		{model.PaymentStatusFailed, model.PaymentStatusConfirmed, model.PaymentStatusConfirmed},
		{model.PaymentStatusConfirmed, model.PaymentStatusPending, model.PaymentStatusConfirmed},
		{model.PaymentStatusConfirmed, model.PaymentStatusFailed, model.PaymentStatusConfirmed},
		{model.PaymentStatusConfirmed, model.PaymentStatusRefunded, model.PaymentStatusRefunded},
		{model.PaymentStatusRefunded, model.PaymentStatusConfirmed, model.PaymentStatusRefunded},
	}

	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.incoming), func(t *testing.T) {
			assert.Equal(t, tt.want, nextPaymentStatus(tt.current, tt.incoming))
		})
	}
}

func TestWebhook_ExpiredPaymentFailsOrder(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "Expired", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "payment expired", *got.FailureReason)
	assert.Nil(t, got.PaidAt)
	assert.Nil(t, got.Fulfillment)
}

func TestWebhook_LateConfirmationAllowsRetry(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "expired", validToken))
	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusFailed, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.Equal(t, 0, e.primary.callCount())

	retried, err := e.svc.RetryFulfillment(context.Background(), o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSuccess, retried.Status)
}

func TestFulfillment_FailoverToSecondary(t *testing.T) {
	e := newEnv(t)
	e.primary.setFail(true)
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusSuccess, got.Status)
	assert.Equal(t, "secondary", got.Provider)
	assert.Equal(t, "secondary", got.Fulfillment.Provider)
	require.NotNil(t, got.Fulfillment.ProviderTransactionID)
	assert.Equal(t, "secondary-tx-1", *got.Fulfillment.ProviderTransactionID)
}

func TestFulfillment_AllProvidersFailThenRetry(t *testing.T) {
	e := newEnv(t)
	e.primary.setFail(true)
	e.secondary.setFail(true)
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "secondary is down", *got.FailureReason)
	require.NotNil(t, got.PaidAt)
	assert.Equal(t, model.FulfillmentStatusFailed, got.Fulfillment.Status)

	e.primary.setFail(false)
	e.clock = e.clock.Add(time.Minute)

	retried, err := e.svc.RetryFulfillment(context.Background(), o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSuccess, retried.Status)
	assert.Nil(t, retried.FailureReason)
	assert.Equal(t, 2, retried.Fulfillment.Attempts)
	assert.Equal(t, model.FulfillmentStatusSuccess, retried.Fulfillment.Status)
	assert.Equal(t, got.Fulfillment.ID, retried.Fulfillment.ID)

	statuses := e.notifier.statuses(o.Reference)
	assert.Equal(t, model.OrderStatusSuccess, statuses[len(statuses)-1])
	assert.Contains(t, statuses, model.OrderStatusFailed)
}

type panickingFulfiller struct{}

func (panickingFulfiller) Primary() string { return "broken" }

func (panickingFulfiller) PurchaseAirtime(ctx context.Context, req provider.AirtimeRequest) *provider.Result {
	panic("nil map write")
}

func (panickingFulfiller) PurchaseData(ctx context.Context, req provider.DataRequest) *provider.Result {
	panic("nil map write")
}

func (panickingFulfiller) ListDataPlans(ctx context.Context, network string) ([]model.DataPlan, error) {
	return nil, nil
}

func TestFulfillment_PanicEndsInFailed(t *testing.T) {
	e := newEnv(t)
	e.svc.fulfiller = panickingFulfiller{}
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Contains(t, *got.FailureReason, "nil map write")
}

func TestRetry_Rejections(t *testing.T) {
	e := newEnv(t)

	pending := e.createAirtime(t, 500)
	_, err := e.svc.RetryFulfillment(context.Background(), pending.Reference)
	assert.ErrorIs(t, err, ErrNotRetryable)

	unpaid := e.createAirtime(t, 700)
	require.NoError(t, e.webhook(unpaid.Reference, "cancelled", validToken))
	_, err = e.svc.RetryFulfillment(context.Background(), unpaid.Reference)
	assert.ErrorIs(t, err, ErrPaymentNotCaptured)
	assert.Equal(t, model.OrderStatusFailed, e.load(t, unpaid.Reference).Status)

	_, err = e.svc.RetryFulfillment(context.Background(), "AIR-20261018-MISSING0")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	assert.Equal(t, 0, e.primary.callCount())
}

func TestGetOrder_FreshAfterMutation(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	cached, err := e.svc.GetOrder(context.Background(), o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaymentPending, cached.Status)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	fresh, err := e.svc.GetOrder(context.Background(), o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSuccess, fresh.Status)
	require.NotNil(t, fresh.Fulfillment)
	assert.Equal(t, model.PaymentStatusConfirmed, fresh.Payment.Status)
}

// slowReadRepo задерживает первое чтение заказа после того, как оно выполнено.
type slowReadRepo struct {
	*repository.MemoryRepository
	held    atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (r *slowReadRepo) GetOrder(ctx context.Context, reference string) (*model.Order, error) {
	o, err := r.MemoryRepository.GetOrder(ctx, reference)
	if r.held.CompareAndSwap(false, true) {
		close(r.read)
		<-r.release
	}
	return o, err
}

func TestGetOrder_ReadBeforeWebhookIsNotCached(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)

	slow := &slowReadRepo{
		MemoryRepository: e.repo,
		read:             make(chan struct{}),
		release:          make(chan struct{}),
	}
	e.svc.repo = slow

	early := make(chan *model.Order, 1)
	go func() {
		got, err := e.svc.GetOrder(context.Background(), o.Reference)
		assert.NoError(t, err)
		early <- got
	}()

	<-slow.read
	require.NoError(t, e.webhook(o.Reference, "paid", validToken))

	during, err := e.svc.GetOrder(context.Background(), o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSuccess, during.Status)

	close(slow.release)
	assert.Equal(t, model.OrderStatusPaymentPending, (<-early).Status)

	after, err := e.svc.GetOrder(context.Background(), o.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSuccess, after.Status)
}

func TestGetOrder_NotFoundIsNotCached(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.GetOrder(context.Background(), "AIR-20261018-LATER000")
	require.ErrorIs(t, err, ErrOrderNotFound)

	ok, err := e.svc.cache.Has(context.Background(), orderCacheKey("AIR-20261018-LATER000"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBroadcastFailureDoesNotBreakFlow(t *testing.T) {
	e := newEnv(t)
	e.notifier.err = errors.New("socket closed")
	o := e.createAirtime(t, 500)

	require.NoError(t, e.webhook(o.Reference, "paid", validToken))
	assert.Equal(t, model.OrderStatusSuccess, e.load(t, o.Reference).Status)
}

func TestListDataPlans_Cached(t *testing.T) {
	e := newEnv(t)

	for i := 0; i < 3; i++ {
		plans, err := e.svc.ListDataPlans(context.Background(), "MTN")
		require.NoError(t, err)
		require.Len(t, plans, 1)
		assert.Equal(t, "mtn-1gb", plans[0].Code)
	}
	assert.Equal(t, 1, e.primary.plansN)

	_, err := e.svc.ListDataPlans(context.Background(), "ntel")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestQuote(t *testing.T) {
	e := newEnv(t)

	q, err := e.svc.Quote(context.Background(), decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.True(t, q.Crypto.Equal(decimal.RequireFromString("0.00025")))
	assert.Equal(t, int64(25000), q.Smallest)

	_, err = e.svc.Quote(context.Background(), decimal.Zero)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestReconcile_AppliesGatewayStatus(t *testing.T) {
	e := newEnv(t)
	o := e.createAirtime(t, 500)
	e.gateway.status = "paid"

	e.svc.reconcile(context.Background(), time.Minute)
	assert.Equal(t, model.OrderStatusPaymentPending, e.load(t, o.Reference).Status, "fresh orders are skipped")

	e.clock = e.clock.Add(2 * time.Minute)
	e.svc.reconcile(context.Background(), time.Minute)

	got := e.load(t, o.Reference)
	assert.Equal(t, model.OrderStatusSuccess, got.Status)
	assert.Equal(t, 2, got.Payment.Confirmations)
	require.NotNil(t, got.Payment.TxHash)
	assert.Equal(t, "00ff", *got.Payment.TxHash)
}

func TestApplyToOrder(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	paidAt := now.Add(-time.Hour)

	tests := []struct {
		name        string
		order       model.Order
		payment     model.PaymentStatus
		wantChanged bool
		wantStatus  model.OrderStatus
		wantPaid    bool
	}{
		{
			name:        "confirmed while pending",
			order:       model.Order{Status: model.OrderStatusPaymentPending},
			payment:     model.PaymentStatusConfirmed,
			wantChanged: true,
			wantStatus:  model.OrderStatusPaymentConfirmed,
			wantPaid:    true,
		},
		{
			name:        "confirmed while initiated",
			order:       model.Order{Status: model.OrderStatusInitiated},
			payment:     model.PaymentStatusConfirmed,
			wantChanged: true,
			wantStatus:  model.OrderStatusPaymentConfirmed,
			wantPaid:    true,
		},
		{
			name:        "confirmed again after success",
			order:       model.Order{Status: model.OrderStatusSuccess, PaidAt: &paidAt},
			payment:     model.PaymentStatusConfirmed,
			wantChanged: false,
			wantStatus:  model.OrderStatusSuccess,
			wantPaid:    true,
		},
		{
			name:        "refund while processing",
			order:       model.Order{Status: model.OrderStatusProcessing, PaidAt: &paidAt},
			payment:     model.PaymentStatusRefunded,
			wantChanged: true,
			wantStatus:  model.OrderStatusRefundPending,
			wantPaid:    true,
		},
		{
			name:        "refund after success is ignored",
			order:       model.Order{Status: model.OrderStatusSuccess, PaidAt: &paidAt},
			payment:     model.PaymentStatusRefunded,
			wantChanged: false,
			wantStatus:  model.OrderStatusSuccess,
			wantPaid:    true,
		},
		{
			name:        "failed while pending",
			order:       model.Order{Status: model.OrderStatusPaymentPending},
			payment:     model.PaymentStatusFailed,
			wantChanged: true,
			wantStatus:  model.OrderStatusFailed,
		},
		{
			name:        "pending while pending",
			order:       model.Order{Status: model.OrderStatusPaymentPending},
			payment:     model.PaymentStatusPending,
			wantChanged: false,
			wantStatus:  model.OrderStatusPaymentPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := tt.order
			changed, err := applyToOrder(&o, tt.payment, string(tt.payment), now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantStatus, o.Status)
			assert.Equal(t, tt.wantPaid, o.PaidAt != nil)
		})
	}
}
