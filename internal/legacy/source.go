package legacy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/model"
)

const maxThrottleRetries = 5

// SalesSource отдаёт выгрузку заказов постранично как поток записей о платежах.
type SalesSource struct {
	client  *Client
	perPage int
	page    int
	done    bool
	logger  *zap.Logger
}

// NewSalesSource создаёт источник, начинающий с первой страницы.
func NewSalesSource(client *Client, perPage int, logger *zap.Logger) *SalesSource {
	if perPage <= 0 {
		perPage = 100
	}
	return &SalesSource{client: client, perPage: perPage, page: 1, logger: logger}
}

// Next возвращает записи следующей страницы или io.EOF, когда выгрузка закончилась.
// На ответ 429 источник ждёт Retry-After и повторяет запрос.
func (s *SalesSource) Next(ctx context.Context) ([]model.PaymentRecord, error) {
	if s.done {
		return nil, io.EOF
	}

	for attempt := 0; ; attempt++ {
		page, code, retryAfter, err := s.client.FetchSales(ctx, s.page, s.perPage)
		if err != nil {
			return nil, fmt.Errorf("fetch sales page %d: %w", s.page, err)
		}

		if code == http.StatusTooManyRequests {
			if attempt >= maxThrottleRetries {
				return nil, fmt.Errorf("fetch sales page %d: %w", s.page, errThrottled)
			}
			if retryAfter <= 0 {
				retryAfter = time.Second
			}
			s.logger.Info("legacy system throttled, waiting", zap.Int("page", s.page), zap.Duration("retry_after", retryAfter))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryAfter):
			}
			continue
		}

		if page == nil || len(page.Sales) == 0 {
			s.done = true
			return nil, io.EOF
		}

		if page.TotalPages > 0 && s.page >= page.TotalPages {
			s.done = true
		}
		s.page++

		records := make([]model.PaymentRecord, 0, len(page.Sales))
		for _, sale := range page.Sales {
			records = append(records, sale.Record())
		}
		return records, nil
	}
}
