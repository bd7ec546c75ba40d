package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/remote"
	"kwaribook/backend/internal/store"
)

// ToRemote maps a local record body onto the collection's remote
// attributes. The local id travels as the localId cross reference; the
// local-only columns and unknown fields are dropped.
func ToRemote(spec domain.CollectionSpec, body []byte) (map[string]any, error) {
	f, err := store.DecodeFields(body)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(spec.Attributes)+1)
	for _, attr := range spec.Attributes {
		raw, ok := f[attr.Key]
		if !ok {
			continue
		}
		v, keep, err := encodeAttribute(attr, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", spec.Name, attr.Key, err)
		}
		if keep {
			out[attr.Key] = v
		}
	}
	if raw, ok := f[store.FieldID]; ok {
		var id int64
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("%s.id: %w", spec.Name, err)
		}
		out[domain.LocalIDAttribute] = id
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func encodeAttribute(attr domain.Attribute, raw json.RawMessage) (any, bool, error) {
	if isNull(raw) {
		return nil, false, nil
	}
	switch attr.Type {
	case domain.AttrString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return string(raw), true, nil
		}
		return s, true, nil
	case domain.AttrInteger:
		n, err := rawInt(raw)
		return n, err == nil, err
	case domain.AttrFloat:
		d, err := rawDecimal(raw)
		if err != nil {
			return nil, false, err
		}
		return d.InexactFloat64(), true, nil
	case domain.AttrBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, false, err
		}
		return b, true, nil
	case domain.AttrDatetime:
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, false, err
		}
		if t.IsZero() {
			return nil, false, nil
		}
		return t.UTC().Format(time.RFC3339Nano), true, nil
	case domain.AttrJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, false, err
		}
		return buf.String(), true, nil
	}
	return nil, false, fmt.Errorf("unknown attribute type %q", attr.Type)
}

func rawInt(raw json.RawMessage) (int64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	return toInt(v)
}

func rawDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return decimal.Zero, err
	}
	return toDecimal(v)
}

// FromRemote maps a remote document back onto local body fields, setting
// remoteId from the document id. Attributes the catalog does not know, such
// as localId, are dropped.
func FromRemote(spec domain.CollectionSpec, doc remote.Document) (map[string]any, error) {
	out := make(map[string]any, len(doc.Fields)+1)
	for key, v := range doc.Fields {
		attr, ok := spec.Attribute(key)
		if !ok || v == nil {
			continue
		}
		val, keep, err := decodeAttribute(attr, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s of %s: %w", spec.Name, key, doc.ID, err)
		}
		if keep {
			out[key] = val
		}
	}
	out[store.FieldRemoteID] = doc.ID
	return out, nil
}

func decodeAttribute(attr domain.Attribute, v any) (any, bool, error) {
	switch attr.Type {
	case domain.AttrString:
		if s, ok := v.(string); ok {
			return s, true, nil
		}
		return fmt.Sprint(v), true, nil
	case domain.AttrInteger:
		n, err := toInt(v)
		return n, err == nil, err
	case domain.AttrFloat:
		d, err := toDecimal(v)
		return d, err == nil, err
	case domain.AttrBoolean:
		switch b := v.(type) {
		case bool:
			return b, true, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			return parsed, err == nil, err
		}
		return nil, false, fmt.Errorf("not a boolean: %v", v)
	case domain.AttrDatetime:
		s, ok := v.(string)
		if !ok {
			return nil, false, fmt.Errorf("not a datetime: %v", v)
		}
		if s == "" {
			return nil, false, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, false, err
		}
		return t.UTC(), true, nil
	case domain.AttrJSON:
		s, ok := v.(string)
		if !ok {
			return v, true, nil
		}
		if strings.TrimSpace(s) == "" {
			return nil, false, nil
		}
		if !json.Valid([]byte(s)) {
			return nil, false, fmt.Errorf("invalid encoded JSON")
		}
		return json.RawMessage(s), true, nil
	}
	return nil, false, fmt.Errorf("unknown attribute type %q", attr.Type)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return floatToInt(f)
	case float64:
		return floatToInt(n)
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("not an integer: %v", v)
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("not an integer: %v", f)
	}
	return int64(f), nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		return decimal.NewFromString(n)
	}
	return decimal.Zero, fmt.Errorf("not a number: %v", v)
}
