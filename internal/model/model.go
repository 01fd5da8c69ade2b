// Package model содержит доменные сущности сервиса оплаты услуг криптовалютой.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceType описывает вид оплачиваемой услуги.
type ServiceType string

const (
	ServiceAirtime ServiceType = "airtime"
	ServiceData    ServiceType = "data"
)

// ReferencePrefix возвращает префикс номера заказа для вида услуги.
func (t ServiceType) ReferencePrefix() string {
	switch t {
	case ServiceAirtime:
		return "AIR"
	case ServiceData:
		return "DAT"
	default:
		return "GEN"
	}
}

// Valid сообщает, известен ли вид услуги.
func (t ServiceType) Valid() bool {
	return t == ServiceAirtime || t == ServiceData
}

// PaymentStatus описывает статус платежа во внутреннем словаре.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// FulfillmentStatus описывает статус исполнения заказа у поставщика.
type FulfillmentStatus string

const (
	FulfillmentStatusPending FulfillmentStatus = "pending"
	FulfillmentStatusSuccess FulfillmentStatus = "success"
	FulfillmentStatusFailed  FulfillmentStatus = "failed"
)

// Amount фиксирует сумму заказа в фиате и криптовалюте по курсу на момент создания.
type Amount struct {
	Fiat           decimal.Decimal `json:"fiat"`
	Crypto         decimal.Decimal `json:"crypto"`
	Rate           decimal.Decimal `json:"rate"`
	FiatCurrency   string          `json:"fiat_currency"`
	CryptoCurrency string          `json:"crypto_currency"`
}

// ServiceMeta содержит параметры услуги, зависящие от её вида.
// PlanProvider хранит поставщика, выдавшего PlanCode: коды тарифов у поставщиков разные.
type ServiceMeta struct {
	Phone        string `json:"phone"`
	Network      string `json:"network"`
	PlanCode     string `json:"plan_code,omitempty"`
	PlanProvider string `json:"plan_provider,omitempty"`
}

// Order описывает заказ от запроса котировки до исполнения.
type Order struct {
	Reference     string       `json:"reference"`
	ServiceType   ServiceType  `json:"service_type"`
	Provider      string       `json:"provider"`
	Amount        Amount       `json:"amount"`
	Meta          ServiceMeta  `json:"meta"`
	PaymentID     *string      `json:"payment_id,omitempty"`
	FulfillmentID *string      `json:"fulfillment_id,omitempty"`
	Status        OrderStatus  `json:"status"`
	FailureReason *string      `json:"failure_reason,omitempty"`
	PaidAt        *time.Time   `json:"paid_at,omitempty"`
	FulfilledAt   *time.Time   `json:"fulfilled_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Payment       *Payment     `json:"payment,omitempty"`
	Fulfillment   *Fulfillment `json:"fulfillment,omitempty"`
}

// Payment описывает платёж, принятый платёжным шлюзом по заказу.
type Payment struct {
	ID               string          `json:"id"`
	OrderReference   string          `json:"order_reference"`
	GatewayPaymentID string          `json:"gateway_payment_id"`
	Currency         string          `json:"currency"`
	Address          string          `json:"address"`
	AmountCrypto     decimal.Decimal `json:"amount_crypto"`
	AmountSmallest   int64           `json:"amount_smallest"`
	Confirmations    int             `json:"confirmations"`
	TxHash           *string         `json:"tx_hash,omitempty"`
	Status           PaymentStatus   `json:"status"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Fulfillment описывает обращение к поставщику услуги после подтверждения оплаты.
type Fulfillment struct {
	ID                    string            `json:"id"`
	OrderReference        string            `json:"order_reference"`
	Provider              string            `json:"provider"`
	ProviderTransactionID *string           `json:"provider_transaction_id,omitempty"`
	RequestID             string            `json:"request_id"`
	Status                FulfillmentStatus `json:"status"`
	AmountFiat            decimal.Decimal   `json:"amount_fiat"`
	Commission            decimal.Decimal   `json:"commission"`
	TotalCharged          decimal.Decimal   `json:"total_charged"`
	RawResponse           json.RawMessage   `json:"raw_response,omitempty"`
	FailureReason         *string           `json:"failure_reason,omitempty"`
	Attempts              int               `json:"attempts"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// DataPlan описывает тарифный пакет мобильного интернета у поставщика.
type DataPlan struct {
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Network  string          `json:"network"`
	Price    decimal.Decimal `json:"price"`
	Provider string          `json:"provider"`
}
