package change

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

type typedValue struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

// MarshalValue encodes a normalized value keeping its kind, so that an int64
// sequence marker or a timestamp attribute survives a round trip through a
// text column unchanged.
func MarshalValue(v any) ([]byte, error) {
	tv, err := toTyped(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tv)
}

// UnmarshalValue decodes a value written by MarshalValue.
func UnmarshalValue(data []byte) (any, error) {
	var tv typedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return nil, errors.Wrap(err, "failed to decode typed value")
	}
	return fromTyped(tv)
}

// MarshalAttributes encodes an attribute map with typed values.
func MarshalAttributes(attrs map[string]any) ([]byte, error) {
	out := make(map[string]typedValue, len(attrs))
	for k, v := range attrs {
		tv, err := toTyped(v)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode attribute '%s'", k)
		}
		out[k] = tv
	}
	return json.Marshal(out)
}

// UnmarshalAttributes decodes an attribute map written by MarshalAttributes.
func UnmarshalAttributes(data []byte) (map[string]any, error) {
	var in map[string]typedValue
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, errors.Wrap(err, "failed to decode attributes")
	}
	out := make(map[string]any, len(in))
	for k, tv := range in {
		v, err := fromTyped(tv)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode attribute '%s'", k)
		}
		out[k] = v
	}
	return out, nil
}

// MarshalKey encodes a business key as a typed JSON array.
func MarshalKey(k Key) ([]byte, error) {
	parts := make([]typedValue, len(k))
	for i, part := range k {
		tv, err := toTyped(part)
		if err != nil {
			return nil, err
		}
		parts[i] = tv
	}
	return json.Marshal(parts)
}

// UnmarshalKey decodes a key written by MarshalKey.
func UnmarshalKey(data []byte) (Key, error) {
	var parts []typedValue
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, errors.Wrap(err, "failed to decode key")
	}
	k := make(Key, len(parts))
	for i, tv := range parts {
		v, err := fromTyped(tv)
		if err != nil {
			return nil, err
		}
		k[i] = v
	}
	return k, nil
}

func toTyped(v any) (typedValue, error) {
	v = Normalize(v)
	var (
		typ string
		raw any
	)
	switch val := v.(type) {
	case nil:
		return typedValue{Type: "null"}, nil
	case bool:
		typ, raw = "bool", val
	case int64:
		typ, raw = "int", val
	case float64:
		typ, raw = "float", val
		if math.IsInf(val, 0) || math.IsNaN(val) {
			// JSON has no literal for these; store "NaN", "+Inf" or "-Inf".
			raw = strconv.FormatFloat(val, 'g', -1, 64)
		}
	case string:
		typ, raw = "string", val
	case time.Time:
		typ, raw = "time", val.UTC().Format(time.RFC3339Nano)
	case []any:
		items := make([]typedValue, len(val))
		for i, item := range val {
			tv, err := toTyped(item)
			if err != nil {
				return typedValue{}, errors.Wrapf(err, "failed to encode list item %d", i)
			}
			items[i] = tv
		}
		typ, raw = "list", items
	case map[string]any:
		fields := make(map[string]typedValue, len(val))
		for k, item := range val {
			tv, err := toTyped(item)
			if err != nil {
				return typedValue{}, errors.Wrapf(err, "failed to encode map entry '%s'", k)
			}
			fields[k] = tv
		}
		typ, raw = "map", fields
	default:
		typ, raw = "json", val
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return typedValue{}, errors.Wrapf(err, "failed to encode %s value", typ)
	}
	return typedValue{Type: typ, Value: buf}, nil
}

func fromTyped(tv typedValue) (any, error) {
	switch tv.Type {
	case "null", "":
		return nil, nil
	case "bool":
		var b bool
		err := json.Unmarshal(tv.Value, &b)
		return b, err
	case "int":
		var i int64
		err := json.Unmarshal(tv.Value, &i)
		return i, err
	case "float":
		if len(tv.Value) > 0 && tv.Value[0] == '"' {
			var s string
			if err := json.Unmarshal(tv.Value, &s); err != nil {
				return nil, err
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse float value '%s'", s)
			}
			return f, nil
		}
		var f float64
		err := json.Unmarshal(tv.Value, &f)
		return f, err
	case "string":
		var s string
		err := json.Unmarshal(tv.Value, &s)
		return s, err
	case "time":
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse time value")
		}
		return t.UTC(), nil
	case "list":
		var items []typedValue
		if err := json.Unmarshal(tv.Value, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := fromTyped(item)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to decode list item %d", i)
			}
			out[i] = v
		}
		return out, nil
	case "map":
		var fields map[string]typedValue
		if err := json.Unmarshal(tv.Value, &fields); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(fields))
		for k, item := range fields {
			v, err := fromTyped(item)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to decode map entry '%s'", k)
			}
			out[k] = v
		}
		return out, nil
	case "json":
		dec := json.NewDecoder(bytes.NewReader(tv.Value))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return nil, err
		}
		return Normalize(out), nil
	}
	return nil, errors.Errorf("unknown value type '%s'", tv.Type)
}
