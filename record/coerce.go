package record

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dekarrin/graphite"
	"gopkg.in/yaml.v3"
)

const zeroDateTime = "0000-00-00 00:00:00"

func reject(f Field, format string, a ...any) error {
	return graphite.NewError(fmt.Sprintf("%s: %s", f.Name, fmt.Sprintf(format, a...)), graphite.ErrRejected)
}

// normalize converts v to the in-memory form used for fields of f's kind. If
// bounded is true, f's bounds are applied; strict decides whether a value
// that does not fit is rejected or coerced.
func normalize(f Field, v any, strict bool, bounded bool) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch f.Kind {
	case KindInt, KindTimestamp:
		n, ok := toInt(v, strict)
		if !ok && f.Kind == KindTimestamp {
			if s, isStr := v.(string); isStr {
				var err error
				n, err = ResolveDate(s, clock())
				ok = err == nil
			}
		}
		if !ok {
			return nil, reject(f, "%v is not an integer", v)
		}
		if bounded {
			return clampInt(f, n, strict)
		}
		return n, nil
	case KindIP:
		return toIP(f, v, strict)
	case KindDateTime:
		return toDateTime(f, v, strict, bounded)
	case KindBool:
		b, ok := toBool(v, strict)
		if !ok {
			return nil, reject(f, "%v is not a boolean", v)
		}
		return b, nil
	case KindString:
		s, ok := toString(v, strict)
		if !ok {
			return nil, reject(f, "%v is not a string", v)
		}
		if bounded {
			return clampLength(f, s, strict)
		}
		return s, nil
	case KindEmail:
		s, ok := toString(v, strict)
		if !ok {
			return nil, reject(f, "%v is not a string", v)
		}
		if s != "" && !validEmail(s) {
			return nil, reject(f, "%q is not an email address", s)
		}
		if bounded && f.max != nil && int64(utf8.RuneCountInString(s)) > *f.max {
			return nil, reject(f, "longer than %d characters", *f.max)
		}
		return s, nil
	case KindEnum:
		s, ok := toString(v, strict)
		if !ok {
			return nil, reject(f, "%v is not a string", v)
		}
		for _, allowed := range f.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, reject(f, "%q is not one of the allowed values", s)
	case KindArray, KindObject:
		return toComposite(f, v)
	case KindJSON:
		return toJSON(f, v)
	default:
		return nil, reject(f, "unrecognized kind %s", f.Kind)
	}
}

// persisted converts an in-memory value of f's kind to the form written to
// the database.
func persisted(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch f.Kind {
	case KindArray, KindObject:
		data, err := yaml.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s: encode: %w", f.Name, err)
		}
		return string(data), nil
	case KindJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s: encode: %w", f.Name, err)
		}
		return string(data), nil
	default:
		return v, nil
	}
}

// presented converts an in-memory value of f's kind to the form returned by
// Get.
func presented(f Field, v any) any {
	if v == nil {
		return nil
	}
	if f.Kind == KindIP {
		n, _ := v.(int64)
		return ipString(n)
	}
	return v
}

func toInt(v any, strict bool) (int64, bool) {
	switch tv := v.(type) {
	case int:
		return int64(tv), true
	case int8:
		return int64(tv), true
	case int16:
		return int64(tv), true
	case int32:
		return int64(tv), true
	case int64:
		return tv, true
	case uint:
		return uintToInt(uint64(tv))
	case uint8:
		return int64(tv), true
	case uint16:
		return int64(tv), true
	case uint32:
		return int64(tv), true
	case uint64:
		return uintToInt(tv)
	case float32:
		return floatToInt(float64(tv), strict)
	case float64:
		return floatToInt(tv, strict)
	case bool:
		if strict {
			return 0, false
		}
		if tv {
			return 1, true
		}
		return 0, true
	case time.Time:
		return tv.Unix(), true
	case []byte:
		return toInt(string(tv), strict)
	case string:
		s := strings.TrimSpace(tv)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if strict {
			return 0, false
		}
		if s == "" {
			return 0, true
		}
		if fl, err := strconv.ParseFloat(s, 64); err == nil {
			return floatToInt(fl, false)
		}
		return 0, false
	default:
		return 0, false
	}
}

func uintToInt(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

func floatToInt(fl float64, strict bool) (int64, bool) {
	if math.IsNaN(fl) || math.IsInf(fl, 0) || fl > math.MaxInt64 || fl < math.MinInt64 {
		return 0, false
	}
	if strict && fl != math.Trunc(fl) {
		return 0, false
	}
	return int64(fl), true
}

func clampInt(f Field, n int64, strict bool) (any, error) {
	if f.min != nil && n < *f.min {
		if strict {
			return nil, reject(f, "%d is less than minimum %d", n, *f.min)
		}
		n = *f.min
	}
	if f.max != nil && n > *f.max {
		if strict {
			return nil, reject(f, "%d is greater than maximum %d", n, *f.max)
		}
		n = *f.max
	}
	return n, nil
}

func toBool(v any, strict bool) (bool, bool) {
	switch tv := v.(type) {
	case bool:
		return tv, true
	case []byte:
		return toBool(string(tv), strict)
	case string:
		switch strings.ToLower(strings.TrimSpace(tv)) {
		case "1", "true", "\x01":
			return true, true
		case "0", "false", "\x00":
			return false, true
		}
		if strict {
			return false, false
		}
		return tv != "", true
	}

	if n, ok := toInt(v, true); ok {
		if n == 0 || n == 1 {
			return n == 1, true
		}
		if strict {
			return false, false
		}
		return true, true
	}

	return false, false
}

func toString(v any, strict bool) (string, bool) {
	switch tv := v.(type) {
	case string:
		return tv, true
	case []byte:
		return string(tv), true
	}
	if strict {
		return "", false
	}

	switch tv := v.(type) {
	case fmt.Stringer:
		return tv.String(), true
	case bool:
		if tv {
			return "1", true
		}
		return "0", true
	case float32:
		return strconv.FormatFloat(float64(tv), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), true
	}
	if n, ok := toInt(v, true); ok {
		return strconv.FormatInt(n, 10), true
	}
	return "", false
}

func clampLength(f Field, s string, strict bool) (any, error) {
	length := int64(utf8.RuneCountInString(s))

	if f.max != nil && length > *f.max {
		if strict {
			return nil, reject(f, "longer than %d characters", *f.max)
		}
		s = string([]rune(s)[:*f.max])
	}
	if f.min != nil && length < *f.min && strict {
		return nil, reject(f, "shorter than %d characters", *f.min)
	}
	return s, nil
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Name == "" && addr.Address == s && strings.Contains(addr.Address, "@")
}

func toIP(f Field, v any, strict bool) (any, error) {
	var s string
	switch tv := v.(type) {
	case string:
		s = strings.TrimSpace(tv)
	case []byte:
		s = strings.TrimSpace(string(tv))
	case netip.Addr:
		s = tv.String()
	default:
		n, ok := toInt(v, strict)
		if !ok || n < 0 || n > math.MaxUint32 {
			return nil, reject(f, "%v is not an IPv4 address", v)
		}
		return n, nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 || n > math.MaxUint32 {
			return nil, reject(f, "%q is not an IPv4 address", s)
		}
		return n, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, reject(f, "%q is not an IPv4 address", s)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return nil, reject(f, "%q is not an IPv4 address", s)
	}
	b := addr.As4()
	return int64(b[0])<<24 | int64(b[1])<<16 | int64(b[2])<<8 | int64(b[3]), nil
}

func ipString(n int64) string {
	b := [4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	return netip.AddrFrom4(b).String()
}

func toDateTime(f Field, v any, strict bool, bounded bool) (any, error) {
	var t time.Time

	switch tv := v.(type) {
	case time.Time:
		t = tv.UTC()
	case []byte:
		return toDateTime(f, string(tv), strict, bounded)
	case string:
		s := strings.TrimSpace(tv)
		if s == zeroDateTime || s == "0000-00-00" {
			return zeroDateTime, nil
		}
		unix, err := ResolveDate(s, clock())
		if err != nil {
			return nil, reject(f, "%q is not a date", s)
		}
		t = time.Unix(unix, 0).UTC()
	default:
		n, ok := toInt(v, strict)
		if !ok {
			return nil, reject(f, "%v is not a date", v)
		}
		t = time.Unix(n, 0).UTC()
	}

	if bounded {
		unix := t.Unix()
		if f.min != nil && unix < *f.min {
			if strict {
				return nil, reject(f, "%s is before minimum", t.Format(DateTimeFormat))
			}
			t = time.Unix(*f.min, 0).UTC()
		}
		if f.max != nil && unix > *f.max {
			if strict {
				return nil, reject(f, "%s is after maximum", t.Format(DateTimeFormat))
			}
			t = time.Unix(*f.max, 0).UTC()
		}
	}

	return t.Format(DateTimeFormat), nil
}

// toComposite normalizes array and object values to the generic form produced
// by decoding YAML, so that equal values always compare equal.
func toComposite(f Field, v any) (any, error) {
	var text []byte
	switch tv := v.(type) {
	case string:
		if strings.TrimSpace(tv) == "" {
			return nil, nil
		}
		text = []byte(tv)
	case []byte:
		if len(strings.TrimSpace(string(tv))) == 0 {
			return nil, nil
		}
		text = tv
	default:
		rv := reflect.ValueOf(v)
		k := rv.Kind()
		if f.Kind == KindArray && k != reflect.Slice && k != reflect.Array && k != reflect.Map {
			return nil, reject(f, "%T is not an array", v)
		}
		if f.Kind == KindObject && k != reflect.Map && k != reflect.Struct && !(k == reflect.Pointer && rv.Elem().Kind() == reflect.Struct) {
			return nil, reject(f, "%T is not an object", v)
		}
		var err error
		text, err = yaml.Marshal(v)
		if err != nil {
			return nil, reject(f, "cannot encode: %s", err)
		}
	}

	var decoded any
	if err := yaml.Unmarshal(text, &decoded); err != nil {
		return nil, reject(f, "cannot decode: %s", err)
	}

	switch decoded.(type) {
	case []any:
		if f.Kind != KindArray {
			return nil, reject(f, "decoded value is not an object")
		}
	case map[string]any:
	case nil:
		return nil, nil
	default:
		return nil, reject(f, "decoded value is not a composite")
	}

	return decoded, nil
}

func toJSON(f Field, v any) (any, error) {
	var text []byte
	switch tv := v.(type) {
	case string:
		if !json.Valid([]byte(tv)) {
			return tv, nil
		}
		text = []byte(tv)
	case []byte:
		if !json.Valid(tv) {
			return string(tv), nil
		}
		text = tv
	case json.RawMessage:
		text = tv
	default:
		var err error
		text, err = json.Marshal(v)
		if err != nil {
			return nil, reject(f, "cannot encode: %s", err)
		}
	}

	var decoded any
	if err := json.Unmarshal(text, &decoded); err != nil {
		return nil, reject(f, "cannot decode: %s", err)
	}
	return decoded, nil
}
