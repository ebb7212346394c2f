// Package sqlfmt renders Go values as MySQL literal text. Output is meant for
// statements that are sent to the server as plain text, so every literal is
// escaped the same way the MySQL client library escapes strings.
package sqlfmt

import (
	"strconv"
	"strings"
)

// Escape escapes s for inclusion between single quotes in a MySQL statement.
// The characters escaped are the ones mysql_real_escape_string escapes when
// the connection does not use NO_BACKSLASH_ESCAPES.
func Escape(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 8)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case 0:
			sb.WriteString(`\0`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '"':
			sb.WriteString(`\"`)
		case '\x1a':
			sb.WriteString(`\Z`)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// Quote escapes s and surrounds it with single quotes.
func Quote(s string) string {
	return "'" + Escape(s) + "'"
}

// Ident back-quotes a table or column name. Back-quotes inside name are
// doubled.
func Ident(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Bit returns the MySQL bit-value literal for b.
func Bit(b bool) string {
	if b {
		return "b'1'"
	}
	return "b'0'"
}

// Literal renders v as a MySQL literal. Booleans become bit literals, nil
// becomes NULL, integers are written bare and everything else is quoted as a
// string.
func Literal(v any) string {
	switch tv := v.(type) {
	case nil:
		return "NULL"
	case bool:
		return Bit(tv)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case int32:
		return strconv.FormatInt(int64(tv), 10)
	case uint32:
		return strconv.FormatUint(uint64(tv), 10)
	case uint64:
		return strconv.FormatUint(tv, 10)
	case string:
		return Quote(tv)
	case []byte:
		return Quote(string(tv))
	default:
		return Quote(toString(tv))
	}
}

// List renders each value with Literal and joins them with ", ".
func List(vals []any) string {
	parts := make([]string, len(vals))
	for i := range vals {
		parts[i] = Literal(vals[i])
	}
	return strings.Join(parts, ", ")
}

func toString(v any) string {
	switch tv := v.(type) {
	case interface{ String() string }:
		return tv.String()
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(tv), 'f', -1, 32)
	default:
		return ""
	}
}
