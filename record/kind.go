package record

import (
	"fmt"
	"strings"
)

// Kind is the type of value a Field holds.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindTimestamp
	KindDateTime
	KindBool
	KindString
	KindEmail
	KindIP
	KindEnum
	KindArray
	KindObject
	KindJSON
)

// String returns the short code of the Kind.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "i"
	case KindTimestamp:
		return "ts"
	case KindDateTime:
		return "dt"
	case KindBool:
		return "b"
	case KindString:
		return "s"
	case KindEmail:
		return "em"
	case KindIP:
		return "ip"
	case KindEnum:
		return "e"
	case KindArray:
		return "a"
	case KindObject:
		return "o"
	case KindJSON:
		return "j"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Valid returns whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k > KindInvalid && k <= KindJSON
}

// Composite returns whether values of k are structured data that is encoded
// to text only when persisted.
func (k Kind) Composite() bool {
	return k == KindArray || k == KindObject || k == KindJSON
}

// Numeric returns whether values of k are integers in memory.
func (k Kind) Numeric() bool {
	return k == KindInt || k == KindTimestamp || k == KindIP
}

// ParseKind parses either the short code of a Kind or its long name. The check
// is case-insensitive.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "i", "int", "integer":
		return KindInt, nil
	case "ts", "timestamp":
		return KindTimestamp, nil
	case "dt", "datetime", "date":
		return KindDateTime, nil
	case "b", "bool", "boolean":
		return KindBool, nil
	case "s", "string":
		return KindString, nil
	case "em", "email":
		return KindEmail, nil
	case "ip":
		return KindIP, nil
	case "e", "enum":
		return KindEnum, nil
	case "a", "array":
		return KindArray, nil
	case "o", "object":
		return KindObject, nil
	case "j", "json":
		return KindJSON, nil
	default:
		return KindInvalid, fmt.Errorf("unknown field kind %q", s)
	}
}
