// Package middleware содержит HTTP middleware сервиса расчётов.
package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

type contextKey string

const callerKey contextKey = "caller"

const (
	// SignatureHeader заголовок с HMAC-SHA256 тела входящего события.
	SignatureHeader = "X-Callback-Signature"

	// CallerWebhook и CallerOperator значения, которые middleware кладёт в контекст запроса.
	CallerWebhook  = "webhook"
	CallerOperator = "operator"

	maxSignedBody = 1 << 20
)

// AuthMiddleware проверяет подпись входящих событий и токен оператора.
type AuthMiddleware struct {
	secretKey     []byte
	operatorToken string
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой secret отключает проверку подписи, пустой
// token закрывает операторские маршруты.
func NewAuthMiddleware(secret, operatorToken string) *AuthMiddleware {
	return &AuthMiddleware{
		secretKey:     []byte(secret),
		operatorToken: operatorToken,
	}
}

// Sign возвращает подпись тела в шестнадцатеричном виде.
func (a *AuthMiddleware) Sign(body []byte) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Webhook проверяет подпись тела запроса в заголовке X-Callback-Signature.
func (a *AuthMiddleware) Webhook(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secretKey) == 0 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, CallerWebhook)))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		_ = r.Body.Close()
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		signature := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(SignatureHeader)), "sha256=")
		if signature == "" || !hmac.Equal([]byte(strings.ToLower(signature)), []byte(a.Sign(body))) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, CallerWebhook)))
	})
}

// Operator пропускает запросы с заголовком Authorization: Bearer <token>.
func (a *AuthMiddleware) Operator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.operatorToken == "" {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !hmac.Equal([]byte(strings.TrimSpace(token)), []byte(a.operatorToken)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, CallerOperator)))
	})
}

// GetCallerFromContext возвращает тип вызывающей стороны, установленный middleware.
func GetCallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey).(string)
	return caller, ok
}
