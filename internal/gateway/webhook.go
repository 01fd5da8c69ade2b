package gateway

import (
	"encoding/json"
	"strings"

	"github.com/mmeshcher/cryptotopup/internal/model"
)

// WebhookPayload описывает уведомление шлюза о смене состояния платежа.
type WebhookPayload struct {
	Token   string         `json:"token"`
	Payment WebhookPayment `json:"payment"`
	// Raw хранит исходное тело уведомления для аудита.
	Raw json.RawMessage `json:"-"`
}

// WebhookPayment содержит поля платежа из уведомления.
type WebhookPayment struct {
	TxID          string `json:"tx_id"`
	Status        string `json:"status"`
	BlockHash     string `json:"block_hash,omitempty"`
	Confirmations int    `json:"confirmations,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Address       string `json:"address,omitempty"`
}

// ParseWebhook разбирает тело уведомления и сохраняет его в Raw.
func ParseWebhook(body []byte) (WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookPayload{}, err
	}
	p.Raw = append(json.RawMessage(nil), body...)
	return p, nil
}

// RedactedRaw возвращает исходное тело уведомления без токена.
func (p WebhookPayload) RedactedRaw() json.RawMessage {
	if len(p.Raw) == 0 {
		raw, _ := json.Marshal(struct {
			Payment WebhookPayment `json:"payment"`
		}{Payment: p.Payment})
		return raw
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(p.Raw, &doc); err != nil {
		return p.Raw
	}
	delete(doc, "token")
	raw, err := json.Marshal(doc)
	if err != nil {
		return p.Raw
	}
	return raw
}

var statusMap = map[string]model.PaymentStatus{
	"new":            model.PaymentStatusPending,
	"pending":        model.PaymentStatusPending,
	"waiting":        model.PaymentStatusPending,
	"unpaid":         model.PaymentStatusPending,
	"confirming":     model.PaymentStatusPending,
	"partially_paid": model.PaymentStatusPending,
	"paid":           model.PaymentStatusConfirmed,
	"confirmed":      model.PaymentStatusConfirmed,
	"completed":      model.PaymentStatusConfirmed,
	"finished":       model.PaymentStatusConfirmed,
	"overpaid":       model.PaymentStatusConfirmed,
	"failed":         model.PaymentStatusFailed,
	"expired":        model.PaymentStatusFailed,
	"cancelled":      model.PaymentStatusFailed,
	"canceled":       model.PaymentStatusFailed,
	"error":          model.PaymentStatusFailed,
	"refunded":       model.PaymentStatusRefunded,
	"refunding":      model.PaymentStatusRefunded,
}

// MapStatus переводит статус шлюза во внутренний словарь. Неизвестные статусы считаются ожидающими.
func MapStatus(external string) model.PaymentStatus {
	if s, ok := statusMap[strings.ToLower(strings.TrimSpace(external))]; ok {
		return s
	}
	return model.PaymentStatusPending
}

// MapStatus переводит статус шлюза во внутренний словарь.
func (c *Client) MapStatus(external string) model.PaymentStatus {
	return MapStatus(external)
}
