// Package legacy предоставляет клиент для внешней системы продаж, из которой переносятся
// исторические заказы и справочник партнёров.
package legacy

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с внешней системой продаж.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Sale описывает заказ во внешней системе.
type Sale struct {
	ID          int64            `json:"id"`
	ProductName string           `json:"product_name"`
	UserEmail   string           `json:"user_email"`
	UserName    string           `json:"user_name"`
	UserID      *int64           `json:"user_id,omitempty"`
	AffiliateID *int64           `json:"affiliate_id,omitempty"`
	GrandTotal  decimal.Decimal  `json:"grand_total"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	Commission  *decimal.Decimal `json:"commission,omitempty"`
}

// SalesPage описывает страницу выгрузки заказов.
type SalesPage struct {
	Sales      []Sale `json:"sales"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
}

// Affiliate описывает партнёра во внешней системе.
type Affiliate struct {
	ID    int64  `json:"id"`
	Email string `json:"user_email"`
	Name  string `json:"display_name"`
}

// NewClient создаёт HTTP-клиент для обращения к внешней системе по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// CorrelationID возвращает ключ идемпотентности для заказа внешней системы.
func CorrelationID(saleID int64) string {
	return "legacy-" + strconv.FormatInt(saleID, 10)
}

// AffiliateReference возвращает ссылку на партнёра по его идентификатору во внешней системе.
func AffiliateReference(id int64) string {
	return "legacy:" + strconv.FormatInt(id, 10)
}

// Record приводит заказ к входящей записи о платеже.
func (s Sale) Record() model.PaymentRecord {
	paidAt := s.CreatedAt
	rec := model.PaymentRecord{
		CorrelationID:    CorrelationID(s.ID),
		Amount:           s.GrandTotal,
		Status:           s.Status,
		PayerEmail:       s.UserEmail,
		PayerName:        s.UserName,
		PayerExternalID:  s.UserID,
		ProductReference: s.ProductName,
		PaidAt:           &paidAt,
		Commission:       s.Commission,
	}
	if s.AffiliateID != nil && *s.AffiliateID > 0 {
		rec.AffiliateReference = AffiliateReference(*s.AffiliateID)
	}
	return rec
}

// FetchSales запрашивает страницу заказов. При 429 возвращает время ожидания из Retry-After.
func (c *Client) FetchSales(ctx context.Context, page, perPage int) (*SalesPage, int, time.Duration, error) {
	var result SalesPage
	code, retryAfter, err := c.get(ctx, fmt.Sprintf("/sales?page=%d&per_page=%d", page, perPage), &result)
	if err != nil || code != http.StatusOK {
		return nil, code, retryAfter, err
	}
	return &result, code, 0, nil
}

// GetAffiliate запрашивает партнёра по идентификатору. Для 204 и 404 возвращает nil без ошибки.
func (c *Client) GetAffiliate(ctx context.Context, id int64) (*Affiliate, int, time.Duration, error) {
	var result Affiliate
	code, retryAfter, err := c.get(ctx, fmt.Sprintf("/affiliates/%d", id), &result)
	if err != nil || code != http.StatusOK {
		return nil, code, retryAfter, err
	}
	return &result, code, 0, nil
}

func (c *Client) get(ctx context.Context, path string, out any) (int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return 0, 0, fmt.Errorf("legacy client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return resp.StatusCode, retryAfter, nil
	case http.StatusNoContent, http.StatusNotFound:
		return resp.StatusCode, 0, nil
	case http.StatusOK:
	default:
		return resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return resp.StatusCode, 0, nil
}
