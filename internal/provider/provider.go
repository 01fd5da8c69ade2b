// Package provider описывает поставщиков услуг и переключение между ними при сбоях.
package provider

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cryptotopup/internal/model"
)

// Provider реализует обращение к одному поставщику услуг.
type Provider interface {
	Name() string
	PurchaseAirtime(ctx context.Context, req AirtimeRequest) (*Result, error)
	PurchaseData(ctx context.Context, req DataRequest) (*Result, error)
	ListDataPlans(ctx context.Context, network string) ([]model.DataPlan, error)
}

// AirtimeRequest описывает пополнение баланса телефона.
type AirtimeRequest struct {
	RequestID string
	Phone     string
	Network   string
	Amount    decimal.Decimal
}

// DataRequest описывает покупку пакета мобильного интернета.
// Provider задаёт поставщика, выдавшего PlanCode; пустое значение разрешает любого.
type DataRequest struct {
	RequestID string
	Phone     string
	Network   string
	PlanCode  string
	Provider  string
	Amount    decimal.Decimal
}

// Result содержит приведённый к единому виду ответ поставщика.
type Result struct {
	Success       bool             `json:"success"`
	Provider      string           `json:"provider"`
	TransactionID string           `json:"transaction_id,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	ChargedAmount *decimal.Decimal `json:"charged_amount,omitempty"`
	Commission    *decimal.Decimal `json:"commission,omitempty"`
	RawResponse   json.RawMessage  `json:"raw_response,omitempty"`
}

// Failed создаёт результат неудачной попытки.
func Failed(provider, reason string, raw json.RawMessage) *Result {
	return &Result{
		Success:       false,
		Provider:      provider,
		FailureReason: reason,
		RawResponse:   raw,
	}
}
