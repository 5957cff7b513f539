package aggregate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NullPolicy decides what a NULL warehouse column becomes.
type NullPolicy int

const (
	// Strict rejects NULL and non-numeric values.
	Strict NullPolicy = iota
	// ZeroOnNull turns NULL into 0; non-numeric values are still rejected.
	ZeroOnNull
	// NullPassthrough keeps NULL as an invalid NullDecimal (JSON null).
	NullPassthrough
)

func (p NullPolicy) String() string {
	switch p {
	case Strict:
		return "strict"
	case ZeroOnNull:
		return "zero_on_null"
	case NullPassthrough:
		return "null_passthrough"
	default:
		return fmt.Sprintf("NullPolicy(%d)", int(p))
	}
}

// ParseError reports a column that could not become a decimal.
type ParseError struct {
	Column string
	Value  any
	Reason string
}

func (e *ParseError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("parse decimal: %s (%v)", e.Reason, e.Value)
	}
	return fmt.Sprintf("parse decimal %s: %s (%v)", e.Column, e.Reason, e.Value)
}

// ParseValue converts a scanned column value into a decimal under policy.
// Accepts the types database/sql drivers produce: []byte, string, int64,
// float64 and nil.
func ParseValue(v any, policy NullPolicy) (decimal.NullDecimal, error) {
	if v == nil {
		switch policy {
		case ZeroOnNull:
			return decimal.NewNullDecimal(decimal.Zero), nil
		case NullPassthrough:
			return decimal.NullDecimal{}, nil
		default:
			return decimal.NullDecimal{}, &ParseError{Value: v, Reason: "null value"}
		}
	}
	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case []byte:
		d, err = decimal.NewFromString(strings.TrimSpace(string(x)))
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(x))
	case int64:
		d = decimal.NewFromInt(x)
	case int:
		d = decimal.NewFromInt(int64(x))
	case int32:
		d = decimal.NewFromInt32(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.NullDecimal{}, &ParseError{Value: v, Reason: "not finite"}
		}
		d = decimal.NewFromFloat(x)
	case float32:
		d = decimal.NewFromFloat32(x)
	case decimal.Decimal:
		d = x
	default:
		return decimal.NullDecimal{}, &ParseError{Value: v, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	if err != nil {
		return decimal.NullDecimal{}, &ParseError{Value: v, Reason: "not numeric"}
	}
	return decimal.NewNullDecimal(d), nil
}

// Column reads name from row and parses it with policy.
func Column(row map[string]any, name string, policy NullPolicy) (decimal.NullDecimal, error) {
	v, ok := row[name]
	if !ok {
		return decimal.NullDecimal{}, &ParseError{Column: name, Reason: "missing column"}
	}
	d, err := ParseValue(v, policy)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Column = name
		}
		return decimal.NullDecimal{}, err
	}
	return d, nil
}

// Timestamp reads a time column. lib/pq yields time.Time; text columns are
// parsed as RFC3339.
func Timestamp(row map[string]any, name string) (time.Time, error) {
	switch x := row[name].(type) {
	case time.Time:
		return x, nil
	case []byte:
		return time.Parse(time.RFC3339Nano, string(x))
	case string:
		return time.Parse(time.RFC3339Nano, x)
	case nil:
		return time.Time{}, &ParseError{Column: name, Reason: "null timestamp"}
	default:
		return time.Time{}, &ParseError{Column: name, Value: x, Reason: fmt.Sprintf("unsupported type %T", x)}
	}
}

// Text reads a string column, tolerating []byte from the driver.
func Text(row map[string]any, name string) string {
	switch x := row[name].(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
