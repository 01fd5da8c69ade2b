package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cryptotopup/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool         *pgxpool.Pool
	retryBackoff func() retry.Backoff
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool: pool,
		retryBackoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
		},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации, взаимных блокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.retryBackoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		// Ошибки вне БД (например, от платёжного шлюза) не повторяются.
		if pgconn.SafeToRetry(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InTx выполняет fn в одной транзакции. Функции, зарегистрированные через AfterCommit,
// выполняются только после успешной фиксации.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		ptx := &pgTx{tx: tx}
		if err := fn(ptx); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		ptx.run()
		return nil
	})
}

const orderColumns = `reference, service_type, provider,
	amount_fiat::text, amount_crypto::text, rate::text, fiat_currency, crypto_currency,
	phone, network, plan_code, plan_provider, payment_id, fulfillment_id, status, failure_reason,
	paid_at, fulfilled_at, created_at, updated_at`

const paymentColumns = `id, order_reference, gateway_payment_id, currency, address,
	amount_crypto::text, amount_smallest, confirmations, tx_hash, status, raw_payload,
	created_at, updated_at`

const fulfillmentColumns = `id, order_reference, provider, provider_transaction_id, request_id, status,
	amount_fiat::text, commission::text, total_charged::text, raw_response, failure_reason, attempts,
	created_at, updated_at`

// GetOrder возвращает заказ вместе с платежом и выполнением.
func (r *PostgresRepository) GetOrder(ctx context.Context, reference string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE reference = $1`,
		reference,
	))
	if err != nil {
		return nil, err
	}

	p, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_reference = $1`,
		reference,
	))
	switch {
	case err == nil:
		o.Payment = p
	case !errors.Is(err, ErrPaymentNotFound):
		return nil, err
	}

	f, err := scanFulfillment(r.pool.QueryRow(ctx,
		`SELECT `+fulfillmentColumns+` FROM fulfillments WHERE order_reference = $1`,
		reference,
	))
	switch {
	case err == nil:
		o.Fulfillment = f
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("get fulfillment: %w", err)
	}

	return o, nil
}

// ListOrdersByStatus возвращает ссылки заказов в указанном статусе, созданных до createdBefore,
// начиная с самых старых.
func (r *PostgresRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, createdBefore time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT reference
		 FROM orders
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		string(status), createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders by status: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan order reference: %w", err)
		}
		refs = append(refs, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return refs, nil
}

type pgTx struct {
	txHooks
	tx pgx.Tx
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (reference, service_type, provider,
			amount_fiat, amount_crypto, rate, fiat_currency, crypto_currency,
			phone, network, plan_code, plan_provider, payment_id, fulfillment_id, status, failure_reason,
			paid_at, fulfilled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		o.Reference, string(o.ServiceType), o.Provider,
		o.Amount.Fiat.String(), o.Amount.Crypto.String(), o.Amount.Rate.String(),
		o.Amount.FiatCurrency, o.Amount.CryptoCurrency,
		o.Meta.Phone, o.Meta.Network, o.Meta.PlanCode, o.Meta.PlanProvider,
		o.PaymentID, o.FulfillmentID, string(o.Status), o.FailureReason,
		o.PaidAt, o.FulfilledAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, o.Reference)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO payments (id, order_reference, gateway_payment_id, currency, address,
			amount_crypto, amount_smallest, confirmations, tx_hash, status, raw_payload,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.OrderReference, p.GatewayPaymentID, p.Currency, p.Address,
		p.AmountCrypto.String(), p.AmountSmallest, p.Confirmations, p.TxHash, string(p.Status),
		jsonOrNil(p.RawPayload), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.OrderReference)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, reference string) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE reference = $1 FOR UPDATE`,
		reference,
	))
}

func (t *pgTx) GetPayment(ctx context.Context, orderReference string) (*model.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_reference = $1`,
		orderReference,
	))
}

// UpdateOrder не трогает суммы и курс: они фиксируются при создании заказа.
func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET provider = $2, payment_id = $3, fulfillment_id = $4, status = $5,
		     failure_reason = $6, paid_at = $7, fulfilled_at = $8, updated_at = $9
		 WHERE reference = $1`,
		o.Reference, o.Provider, o.PaymentID, o.FulfillmentID, string(o.Status),
		o.FailureReason, o.PaidAt, o.FulfilledAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *model.Payment) error {
	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE payments
		 SET confirmations = $2, tx_hash = $3, status = $4, raw_payload = $5, updated_at = $6
		 WHERE id = $1`,
		p.ID, p.Confirmations, p.TxHash, string(p.Status), jsonOrNil(p.RawPayload), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// UpsertFulfillment создаёт запись исполнения или обновляет существующую запись заказа.
// При обновлении сохраняются прежние id и created_at.
func (t *pgTx) UpsertFulfillment(ctx context.Context, f *model.Fulfillment) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO fulfillments (id, order_reference, provider, provider_transaction_id, request_id,
			status, amount_fiat, commission, total_charged, raw_response, failure_reason, attempts,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10, $11, 1, $12, $12)
		 ON CONFLICT (order_reference) DO UPDATE
		 SET provider = EXCLUDED.provider,
		     provider_transaction_id = EXCLUDED.provider_transaction_id,
		     request_id = EXCLUDED.request_id,
		     status = EXCLUDED.status,
		     commission = EXCLUDED.commission,
		     total_charged = EXCLUDED.total_charged,
		     raw_response = EXCLUDED.raw_response,
		     failure_reason = EXCLUDED.failure_reason,
		     attempts = fulfillments.attempts + 1,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, attempts, created_at`,
		f.ID, f.OrderReference, f.Provider, f.ProviderTransactionID, f.RequestID,
		string(f.Status), f.AmountFiat.String(), f.Commission.String(), f.TotalCharged.String(),
		jsonOrNil(f.RawResponse), f.FailureReason, f.UpdatedAt,
	).Scan(&f.ID, &f.Attempts, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert fulfillment: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o                   model.Order
		serviceType, status string
		fiat, crypto, rate  string
	)
	err := row.Scan(
		&o.Reference, &serviceType, &o.Provider,
		&fiat, &crypto, &rate, &o.Amount.FiatCurrency, &o.Amount.CryptoCurrency,
		&o.Meta.Phone, &o.Meta.Network, &o.Meta.PlanCode, &o.Meta.PlanProvider,
		&o.PaymentID, &o.FulfillmentID, &status, &o.FailureReason,
		&o.PaidAt, &o.FulfilledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.ServiceType = model.ServiceType(serviceType)
	o.Status = model.OrderStatus(status)
	if o.Amount.Fiat, err = decimal.NewFromString(fiat); err != nil {
		return nil, fmt.Errorf("parse order %s amount_fiat: %w", o.Reference, err)
	}
	if o.Amount.Crypto, err = decimal.NewFromString(crypto); err != nil {
		return nil, fmt.Errorf("parse order %s amount_crypto: %w", o.Reference, err)
	}
	if o.Amount.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("parse order %s rate: %w", o.Reference, err)
	}

	return &o, nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p       model.Payment
		status  string
		amount  string
		payload []byte
	)
	err := row.Scan(
		&p.ID, &p.OrderReference, &p.GatewayPaymentID, &p.Currency, &p.Address,
		&amount, &p.AmountSmallest, &p.Confirmations, &p.TxHash, &status, &payload,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	p.Status = model.PaymentStatus(status)
	if p.AmountCrypto, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse payment %s amount_crypto: %w", p.ID, err)
	}
	p.RawPayload = payload

	return &p, nil
}

func scanFulfillment(row pgx.Row) (*model.Fulfillment, error) {
	var (
		f                               model.Fulfillment
		status                          string
		amountFiat, commission, charged string
		raw                             []byte
	)
	err := row.Scan(
		&f.ID, &f.OrderReference, &f.Provider, &f.ProviderTransactionID, &f.RequestID, &status,
		&amountFiat, &commission, &charged, &raw, &f.FailureReason, &f.Attempts,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.Status = model.FulfillmentStatus(status)
	if f.AmountFiat, err = decimal.NewFromString(amountFiat); err != nil {
		return nil, fmt.Errorf("parse fulfillment %s amount_fiat: %w", f.ID, err)
	}
	if f.Commission, err = decimal.NewFromString(commission); err != nil {
		return nil, fmt.Errorf("parse fulfillment %s commission: %w", f.ID, err)
	}
	if f.TotalCharged, err = decimal.NewFromString(charged); err != nil {
		return nil, fmt.Errorf("parse fulfillment %s total_charged: %w", f.ID, err)
	}
	f.RawResponse = raw

	return &f, nil
}

// jsonOrNil приводит ответ внешней системы к допустимому значению jsonb.
// Не-JSON тело сохраняется строкой.
func jsonOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}
