package change

import (
	"strconv"
	"strings"
	"time"
)

// Record is one observed state of a business entity as delivered by a reader.
// Fields carries the full state, not a diff. Rescued holds data the reader
// could not map onto the schema and is never compared.
type Record struct {
	Fields  map[string]any
	Rescued map[string]any
}

// NewRecord builds a record from raw reader values, normalizing every field.
func NewRecord(fields map[string]any) Record {
	normalized := make(map[string]any, len(fields))
	for k, v := range fields {
		normalized[k] = Normalize(v)
	}
	return Record{Fields: normalized}
}

// Get returns the normalized value of a field and whether it was present.
func (r Record) Get(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// FieldNames lists the record fields in no particular order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	return names
}

// Key is the ordered list of business key values of an entity.
type Key []any

// IsNull reports whether any part of the key is missing.
func (k Key) IsNull() bool {
	if len(k) == 0 {
		return true
	}
	for _, part := range k {
		if part == nil {
			return true
		}
	}
	return false
}

// String returns a canonical, type-tagged encoding of the key. Two keys encode
// to the same string only if every part has the same kind and value, so the
// string can be used as a map key and as the storage key.
func (k Key) String() string {
	var sb strings.Builder
	for i, part := range k {
		if i > 0 {
			sb.WriteByte('|')
		}
		switch v := part.(type) {
		case nil:
			sb.WriteString("n:")
		case bool:
			sb.WriteString("b:" + strconv.FormatBool(v))
		case int64:
			sb.WriteString("i:" + strconv.FormatInt(v, 10))
		case float64:
			if v == float64(int64(v)) {
				sb.WriteString("i:" + strconv.FormatInt(int64(v), 10))
			} else {
				sb.WriteString("f:" + strconv.FormatFloat(v, 'g', -1, 64))
			}
		case string:
			sb.WriteString("s:" + strconv.Quote(v))
		case time.Time:
			sb.WriteString("t:" + v.UTC().Format(time.RFC3339Nano))
		default:
			sb.WriteString("o:" + strconv.Quote(Format(v)))
		}
	}
	return sb.String()
}

// Display renders the key for humans.
func (k Key) Display() string {
	parts := make([]string, len(k))
	for i, part := range k {
		parts[i] = Format(part)
	}
	return strings.Join(parts, ", ")
}
