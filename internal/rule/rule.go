package rule

import (
	"errors"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var ErrUnknownPair = errors.New("rule: unknown trading pair")

// NotionalMargin covers price movement between quantization and submission.
var NotionalMargin = decimal.RequireFromString("1.01")

// Rule is the venue constraint set for one trading pair. Zero fields are unconstrained.
type Rule struct {
	TradingPair            string          `json:"tradingPair"`
	MinOrderSize           decimal.Decimal `json:"minOrderSize"`
	MaxOrderSize           decimal.Decimal `json:"maxOrderSize"`
	MinPriceIncrement      decimal.Decimal `json:"minPriceIncrement"`
	MinBaseAmountIncrement decimal.Decimal `json:"minBaseAmountIncrement"`
	MinNotionalSize        decimal.Decimal `json:"minNotionalSize"`
}

// Validator quantizes order parameters against the cached rule set.
// Reads are lock free; Replace swaps the whole set atomically.
type Validator struct {
	rules atomic.Pointer[map[string]Rule]
}

func NewValidator(rules ...Rule) *Validator {
	v := &Validator{}
	v.Replace(rules)
	return v
}

// Replace installs a fresh rule set.
func (v *Validator) Replace(rules []Rule) {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		m[r.TradingPair] = r
	}
	v.rules.Store(&m)
}

// Ready reports whether at least one rule is cached.
func (v *Validator) Ready() bool {
	m := v.rules.Load()
	return m != nil && len(*m) > 0
}

func (v *Validator) Rule(pair string) (Rule, bool) {
	m := v.rules.Load()
	if m == nil {
		return Rule{}, false
	}
	r, ok := (*m)[pair]
	return r, ok
}

// Pairs returns the number of cached rules.
func (v *Validator) Pairs() int {
	m := v.rules.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// QuantizeAmount floors amount to the base increment and returns zero when the
// result must not be placed. A zero price skips the notional check.
func (v *Validator) QuantizeAmount(pair string, amount, price decimal.Decimal) (decimal.Decimal, error) {
	r, ok := v.Rule(pair)
	if !ok {
		return decimal.Zero, ErrUnknownPair
	}
	return r.QuantizeAmount(amount, price), nil
}

// QuantizePrice rounds price to the nearest price increment.
func (v *Validator) QuantizePrice(pair string, price decimal.Decimal) (decimal.Decimal, error) {
	r, ok := v.Rule(pair)
	if !ok {
		return decimal.Zero, ErrUnknownPair
	}
	return r.QuantizePrice(price), nil
}

func (r Rule) QuantizeAmount(amount, price decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	q := amount
	if r.MinBaseAmountIncrement.IsPositive() {
		q = amount.Div(r.MinBaseAmountIncrement).Floor().Mul(r.MinBaseAmountIncrement)
	}
	if !q.IsPositive() || q.LessThan(r.MinOrderSize) {
		return decimal.Zero
	}
	if r.MaxOrderSize.IsPositive() && q.GreaterThan(r.MaxOrderSize) {
		return decimal.Zero
	}
	if price.IsPositive() && r.MinNotionalSize.IsPositive() {
		if q.Mul(price).LessThan(r.MinNotionalSize.Mul(NotionalMargin)) {
			return decimal.Zero
		}
	}
	return q
}

func (r Rule) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	if !r.MinPriceIncrement.IsPositive() {
		return price
	}
	return price.Div(r.MinPriceIncrement).Round(0).Mul(r.MinPriceIncrement)
}
