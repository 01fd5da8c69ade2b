package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// signedFields задаёт фиксированный порядок полей в подписываемой строке.
var signedFields = []string{
	"tx_id",
	"amount",
	"currency",
	"description",
	"callback_url",
	"return_url",
	"expire_min",
}

// CanonicalString собирает пары key=value в порядке signedFields, пропуская отсутствующие поля.
func CanonicalString(params map[string]string) string {
	parts := make([]string, 0, len(signedFields))
	for _, f := range signedFields {
		v, ok := params[f]
		if !ok {
			continue
		}
		parts = append(parts, f+"="+v)
	}
	return strings.Join(parts, "&")
}

// Sign вычисляет подпись запроса: hex(sha256(secret + canonical)).
func Sign(secret string, params map[string]string) string {
	sum := sha256.Sum256([]byte(secret + CanonicalString(params)))
	return hex.EncodeToString(sum[:])
}

// VerifyWebhookSignature проверяет токен уведомления. Без настроенного секрета любое уведомление отклоняется.
func (c *Client) VerifyWebhookSignature(payload WebhookPayload) bool {
	if c == nil || c.secret == "" {
		return false
	}
	if payload.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(payload.Token), []byte(c.secret)) == 1
}
