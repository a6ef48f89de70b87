package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// MaxDecimalPlaces bounds currency precision; it matches the numeric scale of the wallets table.
const MaxDecimalPlaces = 18

// Currency is catalog reference data. Amounts in a currency never carry more
// fractional digits than DecimalPlaces.
type Currency struct {
	ID            int64           `json:"id"`
	Code          string          `json:"code"`
	Symbol        string          `json:"symbol"`
	FeeRate       decimal.Decimal `json:"fee_rate"`
	DecimalPlaces int32           `json:"decimal_places"`
}

// ValidateAmount rejects non-positive amounts and amounts finer than the currency precision.
func (c Currency) ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(c.DecimalPlaces)) {
		return Errorf(ErrInvalidAmount, "%s allows %d decimal places", c.Code, c.DecimalPlaces)
	}
	return nil
}

// Fee applies rate to gross with banker's rounding at the currency precision.
func (c Currency) Fee(gross, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return gross.Mul(rate).RoundBank(c.DecimalPlaces)
}

// Round quantizes v to the currency precision with banker's rounding.
func (c Currency) Round(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(c.DecimalPlaces)
}

// Format renders an amount with the currency precision, e.g. "49.50".
func (c Currency) Format(v decimal.Decimal) string {
	return v.StringFixedBank(c.DecimalPlaces)
}

func (c Currency) validate() error {
	if strings.TrimSpace(c.Code) == "" || len(c.Code) > 8 {
		return Errorf(ErrInvalidRequest, "currency code %q", c.Code)
	}
	if c.DecimalPlaces < 0 || c.DecimalPlaces > MaxDecimalPlaces {
		return Errorf(ErrInvalidRequest, "decimal places %d out of range", c.DecimalPlaces)
	}
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Errorf(ErrInvalidRequest, "fee rate %s out of range", c.FeeRate)
	}
	return nil
}

// Catalog resolves currencies. Implementations are read-mostly and safe for concurrent use.
type Catalog interface {
	ByCode(ctx context.Context, code string) (Currency, error)
	ByID(ctx context.Context, id int64) (Currency, error)
	All(ctx context.Context) ([]Currency, error)
}

// StaticCatalog is an in-process catalog, typically loaded from the currencies table at startup.
type StaticCatalog struct {
	mu     sync.RWMutex
	byCode map[string]Currency
	byID   map[int64]Currency
}

var _ Catalog = (*StaticCatalog)(nil)

// NewStaticCatalog builds a catalog from a fixed list of currencies.
func NewStaticCatalog(currencies ...Currency) (*StaticCatalog, error) {
	c := &StaticCatalog{}
	if err := c.Replace(currencies); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace swaps the catalog contents atomically.
func (c *StaticCatalog) Replace(currencies []Currency) error {
	byCode := make(map[string]Currency, len(currencies))
	byID := make(map[int64]Currency, len(currencies))
	for _, cur := range currencies {
		cur.Code = strings.ToUpper(strings.TrimSpace(cur.Code))
		if err := cur.validate(); err != nil {
			return err
		}
		if _, dup := byCode[cur.Code]; dup {
			return Errorf(ErrInvalidRequest, "duplicate currency %s", cur.Code)
		}
		if _, dup := byID[cur.ID]; dup {
			return Errorf(ErrInvalidRequest, "duplicate currency id %d", cur.ID)
		}
		byCode[cur.Code] = cur
		byID[cur.ID] = cur
	}
	c.mu.Lock()
	c.byCode, c.byID = byCode, byID
	c.mu.Unlock()
	return nil
}

func (c *StaticCatalog) ByCode(_ context.Context, code string) (Currency, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur, ok := c.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Currency{}, Errorf(ErrCurrencyNotFound, "%q", code)
	}
	return cur, nil
}

func (c *StaticCatalog) ByID(_ context.Context, id int64) (Currency, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur, ok := c.byID[id]
	if !ok {
		return Currency{}, Errorf(ErrCurrencyNotFound, "id %d", id)
	}
	return cur, nil
}

// All returns currencies ordered by id.
func (c *StaticCatalog) All(_ context.Context) ([]Currency, error) {
	c.mu.RLock()
	out := make([]Currency, 0, len(c.byID))
	for _, cur := range c.byID {
		out = append(out, cur)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
