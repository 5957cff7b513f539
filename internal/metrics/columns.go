package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Synthetixio/snx-api/internal/aggregate"
	"github.com/Synthetixio/snx-api/internal/source"
)

type colKind int

const (
	colText colKind = iota
	colDecimal
	colInt
	colTime
	colMillis
)

// column maps one warehouse column onto one response field.
type column struct {
	From   string
	To     string
	Kind   colKind
	Policy aggregate.NullPolicy
}

func text(from, to string) column { return column{From: from, To: to, Kind: colText} }

func num(from, to string, p aggregate.NullPolicy) column {
	return column{From: from, To: to, Kind: colDecimal, Policy: p}
}

func integer(from, to string) column { return column{From: from, To: to, Kind: colInt} }

func timestamp(from, to string) column { return column{From: from, To: to, Kind: colTime} }

func millis(from, to string) column { return column{From: from, To: to, Kind: colMillis} }

type field struct {
	Key   string
	Value any
}

// object is a JSON object that keeps field order.
type object []field

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o object) Get(key string) (any, bool) {
	for _, f := range o {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func (c column) convert(row source.Row) (any, error) {
	switch c.Kind {
	case colDecimal:
		return aggregate.Column(row, c.From, c.Policy)
	case colInt:
		v := row[c.From]
		if v == nil {
			return nil, nil
		}
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.From, err)
		}
		return n, nil
	case colTime:
		if row[c.From] == nil {
			return nil, nil
		}
		t, err := aggregate.Timestamp(row, c.From)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case colMillis:
		if row[c.From] == nil {
			return nil, nil
		}
		t, err := aggregate.Timestamp(row, c.From)
		if err != nil {
			return nil, err
		}
		return t.UnixMilli(), nil
	default:
		if row[c.From] == nil {
			return nil, nil
		}
		return aggregate.Text(row, c.From), nil
	}
}

func mapRow(row source.Row, cols []column) (object, error) {
	out := make(object, 0, len(cols))
	for _, c := range cols {
		v, err := c.convert(row)
		if err != nil {
			return nil, err
		}
		out = append(out, field{Key: c.To, Value: v})
	}
	return out, nil
}

func mapRows(rows []source.Row, cols []column) ([]object, error) {
	out := make([]object, 0, len(rows))
	for i, row := range rows {
		o, err := mapRow(row, cols)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// camelRow renames every column to camelCase in sorted column order.
// convert may replace a value; returning ok=false keeps the default.
func camelRow(row source.Row, convert func(col string, v any) (any, bool, error)) (object, error) {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	out := make(object, 0, len(cols))
	for _, col := range cols {
		v := plain(row[col])
		if convert != nil {
			nv, ok, err := convert(col, row[col])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			if ok {
				v = nv
			}
		}
		out = append(out, field{Key: camelCase(col), Value: v})
	}
	return out, nil
}

// camelCase upper-cases each letter that follows '_' or '-' and drops the separator.
func camelCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c == '_' || c == '-') && i+1 < len(s) && isLetter(s[i+1]) {
			b.WriteString(strings.ToUpper(s[i+1 : i+2]))
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

// plain turns driver byte slices into text.
func plain(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported integer type %T", v)
	}
}
