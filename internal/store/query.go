package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/shopspring/decimal"
)

type Op string

const (
	OpEq     Op = "="
	OpLt     Op = "<"
	OpLte    Op = "<="
	OpGt     Op = ">"
	OpGte    Op = ">="
	OpPrefix Op = "prefix"
)

// Cond compares one top-level body field against a value. Numbers compare
// numerically and strings lexically; decimals are stored as strings.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents whose fields satisfy every condition.
type Query struct {
	Conds   []Cond
	OrderBy []string
	Desc    bool
	Limit   int
}

func Where(field string, value any) Query {
	return Query{}.And(field, value)
}

func All() Query {
	return Query{}
}

func (q Query) And(field string, value any) Query {
	return q.Filter(field, OpEq, value)
}

func (q Query) Filter(field string, op Op, value any) Query {
	conds := make([]Cond, 0, len(q.Conds)+1)
	conds = append(conds, q.Conds...)
	q.Conds = append(conds, Cond{Field: field, Op: op, Value: value})
	return q
}

// Order sorts by the given fields, ties broken by local id.
func (q Query) Order(fields ...string) Query {
	q.OrderBy = append([]string(nil), fields...)
	return q
}

func (q Query) Descending() Query {
	q.Desc = true
	return q
}

func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

func (q Query) Validate() error {
	for _, c := range q.Conds {
		if !validField(c.Field) {
			return fmt.Errorf("%w: query field %q", ErrInvalidRequest, c.Field)
		}
		switch c.Op {
		case OpEq, OpLt, OpLte, OpGt, OpGte:
		case OpPrefix:
			if _, ok := c.Value.(string); !ok {
				return fmt.Errorf("%w: prefix on %q needs a string", ErrInvalidRequest, c.Field)
			}
		default:
			return fmt.Errorf("%w: operator %q", ErrInvalidRequest, c.Op)
		}
	}
	for _, f := range q.OrderBy {
		if !validField(f) {
			return fmt.Errorf("%w: order field %q", ErrInvalidRequest, f)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidRequest)
	}
	return nil
}

// validField keeps field names safe to splice into a JSON path.
func validField(f string) bool {
	if f == "" {
		return false
	}
	for _, r := range f {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// Matches evaluates the query conditions against a decoded body.
func (q Query) Matches(f Fields) bool {
	for _, c := range q.Conds {
		raw, ok := f[c.Field]
		if !ok {
			return false
		}
		if c.Op == OpPrefix {
			var s string
			if json.Unmarshal(raw, &s) != nil || !strings.HasPrefix(s, c.Value.(string)) {
				return false
			}
			continue
		}
		cmp, ok := CompareRaw(raw, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			ok = cmp == 0
		case OpLt:
			ok = cmp < 0
		case OpLte:
			ok = cmp <= 0
		case OpGt:
			ok = cmp > 0
		case OpGte:
			ok = cmp >= 0
		}
		if !ok {
			return false
		}
	}
	return true
}

// CompareRaw compares a stored JSON value with a Go value. The second result
// is false when the two are not comparable.
func CompareRaw(raw json.RawMessage, v any) (int, bool) {
	left, ok := scalar(raw)
	if !ok {
		return 0, false
	}
	return compareScalars(left, normalize(v))
}

// CompareFields orders two stored values of the same field.
func CompareFields(a, b json.RawMessage) int {
	left, lok := scalar(a)
	right, rok := scalar(b)
	switch {
	case !lok && !rok:
		return 0
	case !lok:
		return -1
	case !rok:
		return 1
	}
	cmp, ok := compareScalars(left, right)
	if !ok {
		return bytes.Compare(a, b)
	}
	return cmp
}

func scalar(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return nil, false
		}
		return d, true
	case string, bool:
		return t, true
	}
	return nil, false
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return decimal.NewFromInt(int64(t))
	case int32:
		return decimal.NewFromInt32(t)
	case int64:
		return decimal.NewFromInt(t)
	case float64:
		return decimal.NewFromFloat(t)
	case decimal.Decimal:
		return t.String()
	case string, bool:
		return t
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return decimal.NewFromInt(rv.Int())
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}

func compareScalars(a, b any) (int, bool) {
	switch l := a.(type) {
	case decimal.Decimal:
		r, ok := b.(decimal.Decimal)
		if !ok {
			return 0, false
		}
		return l.Cmp(r), true
	case string:
		r, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(l, r), true
	case bool:
		r, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case l == r:
			return 0, true
		case !l:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}
