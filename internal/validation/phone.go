// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

// Networks перечисляет поддерживаемых операторов связи.
var Networks = []string{"mtn", "glo", "airtel", "9mobile"}

var networkAliases = map[string]string{
	"mtn":      "mtn",
	"glo":      "glo",
	"airtel":   "airtel",
	"9mobile":  "9mobile",
	"etisalat": "9mobile",
}

// NormalizeNetwork приводит название оператора к каноническому виду.
func NormalizeNetwork(network string) (string, bool) {
	n, ok := networkAliases[strings.ToLower(strings.TrimSpace(network))]
	return n, ok
}

// NormalizePhone приводит нигерийский номер мобильного телефона к виду 0XXXXXXXXXX.
// Допускаются форматы 0XXXXXXXXXX, 234XXXXXXXXXX и +234XXXXXXXXXX, пробелы и дефисы игнорируются.
func NormalizePhone(phone string) (string, bool) {
	var b strings.Builder
	for i, ch := range strings.TrimSpace(phone) {
		switch {
		case ch == ' ' || ch == '-':
			continue
		case ch == '+' && i == 0:
			continue
		case !unicode.IsDigit(ch) || ch > unicode.MaxASCII:
			return "", false
		}
		b.WriteRune(ch)
	}

	digits := b.String()
	switch {
	case len(digits) == 13 && strings.HasPrefix(digits, "234"):
		digits = "0" + digits[3:]
	case len(digits) == 11 && strings.HasPrefix(digits, "0"):
	default:
		return "", false
	}

	// Мобильные номера начинаются с 07, 08 или 09.
	if digits[1] < '7' || digits[1] > '9' {
		return "", false
	}

	return digits, true
}
