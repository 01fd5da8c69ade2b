package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/cryptotopup/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Единицы работы выполняются строго
// последовательно, изменения применяются целиком при успешном завершении.
type MemoryRepository struct {
	mu           sync.RWMutex
	orders       map[string]model.Order
	payments     map[string]model.Payment
	fulfillments map[string]model.Fulfillment
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:       make(map[string]model.Order),
		payments:     make(map[string]model.Payment),
		fulfillments: make(map[string]model.Fulfillment),
	}
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// Ping всегда успешен.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// InTx выполняет fn над копией данных и при успехе подменяет ею текущее состояние.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	tx := &memTx{
		orders:       maps.Clone(r.orders),
		payments:     maps.Clone(r.payments),
		fulfillments: maps.Clone(r.fulfillments),
	}

	if err := fn(tx); err != nil {
		r.mu.Unlock()
		return err
	}

	r.orders = tx.orders
	r.payments = tx.payments
	r.fulfillments = tx.fulfillments
	r.mu.Unlock()

	tx.run()
	return nil
}

// GetOrder возвращает заказ вместе с платежом и выполнением.
func (r *MemoryRepository) GetOrder(ctx context.Context, reference string) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[reference]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if p, ok := r.payments[reference]; ok {
		o.Payment = &p
	}
	if f, ok := r.fulfillments[reference]; ok {
		o.Fulfillment = &f
	}
	return &o, nil
}

// ListOrdersByStatus возвращает ссылки заказов в указанном статусе, созданных до createdBefore.
func (r *MemoryRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, createdBefore time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []model.Order
	for _, o := range r.orders {
		if o.Status == status && o.CreatedAt.Before(createdBefore) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	refs := make([]string, 0, len(matched))
	for _, o := range matched {
		if limit > 0 && len(refs) == limit {
			break
		}
		refs = append(refs, o.Reference)
	}
	return refs, nil
}

type memTx struct {
	txHooks
	orders       map[string]model.Order
	payments     map[string]model.Payment
	fulfillments map[string]model.Fulfillment
}

func (t *memTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if _, ok := t.orders[o.Reference]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, o.Reference)
	}
	stored := *o
	stored.Payment = nil
	stored.Fulfillment = nil
	t.orders[o.Reference] = stored
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	if _, ok := t.orders[p.OrderReference]; !ok {
		return ErrOrderNotFound
	}
	if _, ok := t.payments[p.OrderReference]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.OrderReference)
	}
	t.payments[p.OrderReference] = *p
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, reference string) (*model.Order, error) {
	o, ok := t.orders[reference]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func (t *memTx) GetPayment(ctx context.Context, orderReference string) (*model.Payment, error) {
	p, ok := t.payments[orderReference]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	stored, ok := t.orders[o.Reference]
	if !ok {
		return ErrOrderNotFound
	}
	stored.Provider = o.Provider
	stored.PaymentID = o.PaymentID
	stored.FulfillmentID = o.FulfillmentID
	stored.Status = o.Status
	stored.FailureReason = o.FailureReason
	stored.PaidAt = o.PaidAt
	stored.FulfilledAt = o.FulfilledAt
	stored.UpdatedAt = o.UpdatedAt
	t.orders[o.Reference] = stored
	return nil
}

func (t *memTx) UpdatePayment(ctx context.Context, p *model.Payment) error {
	stored, ok := t.payments[p.OrderReference]
	if !ok || stored.ID != p.ID {
		return ErrPaymentNotFound
	}
	stored.Confirmations = p.Confirmations
	stored.TxHash = p.TxHash
	stored.Status = p.Status
	stored.RawPayload = p.RawPayload
	stored.UpdatedAt = p.UpdatedAt
	t.payments[p.OrderReference] = stored
	return nil
}

func (t *memTx) UpsertFulfillment(ctx context.Context, f *model.Fulfillment) error {
	if _, ok := t.orders[f.OrderReference]; !ok {
		return ErrOrderNotFound
	}

	if existing, ok := t.fulfillments[f.OrderReference]; ok {
		f.ID = existing.ID
		f.CreatedAt = existing.CreatedAt
		f.AmountFiat = existing.AmountFiat
		f.Attempts = existing.Attempts + 1
	} else {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.CreatedAt = f.UpdatedAt
		f.Attempts = 1
	}

	t.fulfillments[f.OrderReference] = *f
	return nil
}
