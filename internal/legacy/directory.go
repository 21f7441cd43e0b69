package legacy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/breaker"
	"github.com/mmeshcher/settlement-system/internal/model"
)

var errThrottled = errors.New("throttled by legacy system")

// Directory ищет партнёров во внешней системе с таймаутом и предохранителем.
type Directory struct {
	client  *Client
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[*Affiliate]
}

// NewDirectory создаёт справочник партнёров.
func NewDirectory(client *Client, timeout time.Duration, logger *zap.Logger) *Directory {
	return &Directory{
		client:  client,
		timeout: timeout,
		cb:      breaker.New[*Affiliate]("legacy-affiliates", breaker.DefaultSettings(), logger),
	}
}

// LookupAffiliate возвращает email и имя партнёра. Неизвестный партнёр даёт model.ErrNotFound,
// таймаут, ответ 429 и разомкнутый предохранитель дают model.ErrDependencyUnavailable.
func (d *Directory) LookupAffiliate(ctx context.Context, id int64) (string, string, error) {
	aff, err := d.cb.Execute(func() (*Affiliate, error) {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		aff, code, _, err := d.client.GetAffiliate(ctx, id)
		if err != nil {
			return nil, err
		}
		if code == http.StatusTooManyRequests {
			return nil, errThrottled
		}
		return aff, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: affiliate %d: %v", model.ErrDependencyUnavailable, id, err)
	}
	if aff == nil || aff.Email == "" {
		return "", "", fmt.Errorf("%w: affiliate %d", model.ErrNotFound, id)
	}

	return aff.Email, aff.Name, nil
}
