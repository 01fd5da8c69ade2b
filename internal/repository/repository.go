// Package repository содержит хранилища заказов, платежей и выполнений: PostgreSQL и in-memory.
package repository

import (
	"context"
	"errors"

	"github.com/mmeshcher/cryptotopup/internal/model"
)

var (
	// ErrOrderNotFound возвращается, если заказ с указанной ссылкой не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound возвращается, если у заказа нет платежа.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrDuplicateReference возвращается при повторной вставке заказа с той же ссылкой.
	ErrDuplicateReference = errors.New("duplicate order reference")
	// ErrDuplicatePayment возвращается при попытке создать второй платёж для заказа.
	ErrDuplicatePayment = errors.New("payment already exists for order")
)

// Tx описывает операции внутри одной единицы работы.
// Изменения видны другим участникам только после фиксации.
type Tx interface {
	InsertOrder(ctx context.Context, o *model.Order) error
	InsertPayment(ctx context.Context, p *model.Payment) error
	// LockOrder читает заказ и удерживает блокировку строки до конца транзакции.
	LockOrder(ctx context.Context, reference string) (*model.Order, error)
	GetPayment(ctx context.Context, orderReference string) (*model.Payment, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	UpdatePayment(ctx context.Context, p *model.Payment) error
	// UpsertFulfillment создаёт запись о выполнении или обновляет существующую,
	// увеличивая счётчик попыток. ID, Attempts и CreatedAt заполняются из хранилища.
	UpsertFulfillment(ctx context.Context, f *model.Fulfillment) error
	// AfterCommit регистрирует функцию, которая выполнится только после успешной фиксации.
	AfterCommit(fn func())
}

// txHooks накапливает функции, отложенные до фиксации.
type txHooks struct {
	hooks []func()
}

func (h *txHooks) AfterCommit(fn func()) {
	h.hooks = append(h.hooks, fn)
}

func (h *txHooks) run() {
	for _, fn := range h.hooks {
		fn()
	}
}
