package change

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/pkg/errors"
)

// Kind is the comparable class of a normalized value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindTime
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	default:
		return "other"
	}
}

// decimal is implemented by fixed-point types drivers return, e.g. DuckDB's.
type decimal interface {
	Float64() float64
}

// Normalize collapses the many Go representations a reader or driver may hand
// over into the small set the merge engine understands: nil, bool, int64,
// float64, string, time.Time. Slices and arrays become []any and maps become
// map[string]any, with their elements normalized recursively. Anything else is
// returned untouched.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, int64, float64, string:
		return val
	case time.Time:
		return val.UTC()
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC()
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint:
		if uint64(val) <= math.MaxInt64 {
			return int64(val)
		}
		return float64(val)
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val)
		}
		return float64(val)
	case float32:
		return float64(val)
	case []byte:
		return string(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case decimal:
		return val.Float64()
	case driver.Valuer:
		if dv, err := val.Value(); err == nil {
			return Normalize(dv)
		}
		return v
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}

	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key().Interface())] = Normalize(iter.Value().Interface())
		}
		return out
	}

	return v
}

func mapKey(k any) string {
	if s, ok := Normalize(k).(string); ok {
		return s
	}
	return Format(Normalize(k))
}

// KindOf reports the kind of an already normalized value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int64, float64:
		return KindNumber
	case string:
		return KindString
	case time.Time:
		return KindTime
	default:
		return KindOther
	}
}

// Compare orders two normalized values. Values of different kinds, nulls and
// opaque values cannot be ordered.
func Compare(a, b any) (int, error) {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return 0, errors.Errorf("cannot compare %s value %v with %s value %v", ka, a, kb, b)
	}

	switch ka {
	case KindBool:
		av, bv := a.(bool), b.(bool)
		switch {
		case av == bv:
			return 0, nil
		case !av:
			return -1, nil
		default:
			return 1, nil
		}
	case KindNumber:
		return compareNumbers(a, b), nil
	case KindString:
		av, bv := a.(string), b.(string)
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case KindTime:
		return a.(time.Time).Compare(b.(time.Time)), nil
	case KindNull, KindOther:
	}

	return 0, errors.Errorf("values of kind %s are not orderable", ka)
}

func compareNumbers(a, b any) int {
	ai, aIsInt := a.(int64)
	bi, bIsInt := b.(int64)
	if aIsInt && bIsInt {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}

	af, bf := toFloat(a), toFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return math.NaN()
}

// Equal compares two normalized values for change detection. Numbers are equal
// across int64/float64 when numerically equal, times when they denote the same
// instant. Lists and maps are compared element by element with the same rules.
func Equal(a, b any) bool {
	ka, kb := KindOf(a), KindOf(b)
	if ka != kb {
		return false
	}

	switch ka {
	case KindNull:
		return true
	case KindBool, KindNumber, KindString, KindTime:
		c, err := Compare(a, b)
		return err == nil && c == 0
	case KindOther:
	}

	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, present := bv[k]
			if !present || !Equal(x, y) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

// Format renders a value for humans, used in reports and the history command.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case string:
		return val
	}
	return fmt.Sprint(v)
}
