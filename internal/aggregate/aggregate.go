// Package aggregate combines independently fetched balances into derived
// figures using arbitrary-precision decimals.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Sign int

const (
	Plus  Sign = 1
	Minus Sign = -1
)

func (s Sign) String() string {
	switch s {
	case Plus:
		return "+"
	case Minus:
		return "-"
	default:
		return fmt.Sprintf("Sign(%d)", int(s))
	}
}

// Term is one resolved input. Source records where Value came from,
// typically a contract address or a query name.
type Term struct {
	Label  string          `json:"label"`
	Value  decimal.Decimal `json:"value"`
	Sign   Sign            `json:"sign"`
	Source string          `json:"source,omitempty"`
}

// Result is the combined value plus the terms that produced it.
type Result struct {
	Value decimal.Decimal `json:"value"`
	Terms []Term          `json:"terms"`
}

// Provenance maps each term label to its source.
func (r Result) Provenance() map[string]string {
	out := make(map[string]string, len(r.Terms))
	for _, t := range r.Terms {
		out[t.Label] = t.Source
	}
	return out
}

// Term returns the value recorded under label.
func (r Result) Term(label string) (decimal.Decimal, bool) {
	for _, t := range r.Terms {
		if t.Label == label {
			return t.Value, true
		}
	}
	return decimal.Zero, false
}

var ErrNoTerms = errors.New("aggregate: no terms")

// Aggregate sums terms by sign. Terms are copied into the result in order.
func Aggregate(terms []Term) (Result, error) {
	if len(terms) == 0 {
		return Result{}, ErrNoTerms
	}
	sum := decimal.Zero
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		if _, dup := seen[t.Label]; dup {
			return Result{}, fmt.Errorf("aggregate: duplicate term %q", t.Label)
		}
		seen[t.Label] = struct{}{}
		switch t.Sign {
		case Plus:
			sum = sum.Add(t.Value)
		case Minus:
			sum = sum.Sub(t.Value)
		default:
			return Result{}, fmt.Errorf("aggregate: term %q has invalid sign %d", t.Label, int(t.Sign))
		}
	}
	out := make([]Term, len(terms))
	copy(out, terms)
	return Result{Value: sum, Terms: out}, nil
}

// Sum adds values without provenance.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(values[0], values[1:]...)
}
