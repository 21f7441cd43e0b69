package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/settlement-system/internal/model"
)

const defaultBatchSize = 100

// Record описывает запись источника. Err заполнен, если строку не удалось разобрать; такая
// запись учитывается как отклонённая и не прерывает импорт.
type Record struct {
	Position int64
	Payment  model.PaymentRecord
	Err      error
}

// Source отдаёт записи пакетами по возрастанию Position и io.EOF в конце.
type Source interface {
	Next(ctx context.Context) ([]Record, error)
}

// Pager отдаёт страницы записей без позиций, например выгрузку внешней системы.
type Pager interface {
	Next(ctx context.Context) ([]model.PaymentRecord, error)
}

type pagerSource struct {
	pager Pager
	pos   int64
}

// FromPager нумерует записи постраничного источника по порядку получения.
func FromPager(p Pager) Source {
	return &pagerSource{pager: p}
}

func (s *pagerSource) Next(ctx context.Context) ([]Record, error) {
	page, err := s.pager.Next(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(page))
	for _, rec := range page {
		s.pos++
		out = append(out, Record{Position: s.pos, Payment: rec})
	}
	return out, nil
}

// JSONLSource читает по одной записи о платеже в строке. Position равна номеру строки.
type JSONLSource struct {
	scanner *bufio.Scanner
	batch   int
	line    int64
	done    bool
}

// NewJSONLSource создаёт источник поверх r.
func NewJSONLSource(r io.Reader, batch int) *JSONLSource {
	if batch <= 0 {
		batch = defaultBatchSize
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &JSONLSource{scanner: sc, batch: batch}
}

func (s *JSONLSource) Next(ctx context.Context) ([]Record, error) {
	if s.done {
		return nil, io.EOF
	}

	out := make([]Record, 0, s.batch)
	for len(out) < s.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read line %d: %w", s.line+1, err)
			}
			s.done = true
			break
		}
		s.line++

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		rec := Record{Position: s.line}
		if err := json.Unmarshal([]byte(line), &rec.Payment); err != nil {
			rec.Err = model.NewValidationError("line", fmt.Sprintf("line %d: %v", s.line, err))
		}
		out = append(out, rec)
	}

	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

// CSV-колонки. Обязательные: external_id, amount, status, payer_email, product.
const (
	colExternalID = "external_id"
	colAmount     = "amount"
	colStatus     = "status"
	colPayerEmail = "payer_email"
	colPayerName  = "payer_name"
	colProduct    = "product"
	colAffiliate  = "affiliate"
	colPaidAt     = "paid_at"
	colCommission = "commission"
)

var requiredColumns = []string{colExternalID, colAmount, colStatus, colPayerEmail, colProduct}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// CSVSource читает выгрузку с заголовком. Position равна номеру строки данных.
type CSVSource struct {
	reader  *csv.Reader
	batch   int
	columns map[string]int
	row     int64
	done    bool
}

// NewCSVSource читает заголовок и проверяет наличие обязательных колонок.
func NewCSVSource(r io.Reader, batch int) (*CSVSource, error) {
	if batch <= 0 {
		batch = defaultBatchSize
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := columns[c]; !ok {
			return nil, model.NewValidationError("csv header", fmt.Sprintf("missing column %q", c))
		}
	}

	return &CSVSource{reader: cr, batch: batch, columns: columns}, nil
}

func (s *CSVSource) Next(ctx context.Context) ([]Record, error) {
	if s.done {
		return nil, io.EOF
	}

	out := make([]Record, 0, s.batch)
	for len(out) < s.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fields, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		s.row++

		rec := Record{Position: s.row}
		if err != nil {
			rec.Err = model.NewValidationError("row", fmt.Sprintf("row %d: %v", s.row, err))
		} else {
			rec.Payment, rec.Err = s.parse(fields)
		}
		out = append(out, rec)
	}

	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (s *CSVSource) field(fields []string, name string) string {
	i, ok := s.columns[name]
	if !ok || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func (s *CSVSource) parse(fields []string) (model.PaymentRecord, error) {
	rec := model.PaymentRecord{
		CorrelationID:      s.field(fields, colExternalID),
		Status:             s.field(fields, colStatus),
		PayerEmail:         s.field(fields, colPayerEmail),
		PayerName:          s.field(fields, colPayerName),
		ProductReference:   s.field(fields, colProduct),
		AffiliateReference: s.field(fields, colAffiliate),
	}

	amount, err := decimal.NewFromString(s.field(fields, colAmount))
	if err != nil {
		return rec, model.NewValidationError(colAmount, err.Error())
	}
	rec.Amount = amount

	if v := s.field(fields, colCommission); v != "" {
		c, err := decimal.NewFromString(v)
		if err != nil {
			return rec, model.NewValidationError(colCommission, err.Error())
		}
		rec.Commission = &c
	}

	if v := s.field(fields, colPaidAt); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return rec, model.NewValidationError(colPaidAt, err.Error())
		}
		rec.PaidAt = &t
	}

	return rec, nil
}

func parseTime(v string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time %q", v)
}
