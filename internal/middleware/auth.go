// Package middleware содержит HTTP middleware сервиса оплаты услуг.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const adminIDKey contextKey = "adminID"

const bearerPrefix = "Bearer "

// ErrInvalidToken возвращается для неподписанного, повреждённого или просроченного токена.
var ErrInvalidToken = errors.New("invalid admin token")

// AuthMiddleware проверяет токен администратора вида <admin>.<expires unix>.<hmac>.
type AuthMiddleware struct {
	secretKey []byte
	now       func() time.Time
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Без ключа генерируется случайный, и выданные ранее токены перестают действовать после перезапуска.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		now:       time.Now,
	}
}

// Middleware проверяет заголовок Authorization и добавляет идентификатор администратора в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		adminID, err := a.ParseToken(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), adminIDKey, adminID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SignToken выпускает токен администратора, действующий ttl.
func (a *AuthMiddleware) SignToken(adminID string, ttl time.Duration) string {
	payload := adminID + "." + strconv.FormatInt(a.now().Add(ttl).Unix(), 10)
	return payload + "." + a.sign(payload)
}

// ParseToken проверяет подпись и срок действия токена и возвращает идентификатор администратора.
func (a *AuthMiddleware) ParseToken(token string) (string, error) {
	idx := strings.LastIndex(token, ".")
	if idx <= 0 {
		return "", ErrInvalidToken
	}
	payload, signature := token[:idx], token[idx+1:]

	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return "", ErrInvalidToken
	}

	sep := strings.LastIndex(payload, ".")
	if sep <= 0 {
		return "", ErrInvalidToken
	}
	adminID, expStr := payload[:sep], payload[sep+1:]

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if !a.now().Before(time.Unix(exp, 0)) {
		return "", ErrInvalidToken
	}

	return adminID, nil
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// GetAdminIDFromContext извлекает идентификатор администратора из контекста запроса.
func GetAdminIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(adminIDKey).(string)
	return id, ok
}
