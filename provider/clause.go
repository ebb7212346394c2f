package provider

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/record"
)

// buildWhere builds the WHERE clause for params, using scratch to coerce each
// search value the same way it would be coerced on assignment. Keys that are
// not fields of the schema are ignored. Conditions appear in schema order.
func buildWhere(scratch *record.Record, params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", nil
	}

	var conds []string
	for _, f := range scratch.Schema().Fields() {
		v, ok := params[f.Name]
		if !ok {
			continue
		}
		col := "t." + sqlfmt.Ident(f.Name)

		if elems, isList := listElements(v); isList && !f.Kind.Composite() && f.Kind != record.KindBool {
			lits := make([]any, 0, len(elems))
			for _, e := range elems {
				stored, err := sanitize(scratch, f.Name, e)
				if err != nil {
					return "", err
				}
				lits = append(lits, stored)
			}
			if len(lits) == 0 {
				// matches nothing
				lits = append(lits, nil)
			}
			conds = append(conds, col+" IN ("+sqlfmt.List(lits)+")")
			continue
		}

		stored, err := sanitize(scratch, f.Name, v)
		if err != nil {
			return "", err
		}
		if stored == nil {
			conds = append(conds, col+" IS NULL")
		} else {
			conds = append(conds, col+" = "+literal(f, stored))
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

// sanitize passes v through the named field of scratch and returns the value
// in the form it would be persisted.
func sanitize(scratch *record.Record, field string, v any) (any, error) {
	if err := scratch.Set(field, v); err != nil {
		return nil, graphite.NewError(fmt.Sprintf("search value for %s", field), err, graphite.ErrBadArgument)
	}
	stored, err := scratch.Stored(field)
	if err != nil {
		return nil, graphite.NewError(fmt.Sprintf("search value for %s", field), err, graphite.ErrBadArgument)
	}
	return stored, nil
}

// literal renders a persisted value of f as SQL.
func literal(f record.Field, stored any) string {
	if f.Kind == record.KindBool {
		b, _ := stored.(bool)
		return sqlfmt.Bit(b)
	}
	return sqlfmt.Literal(stored)
}

// listElements returns the elements of v if it is a slice or array other than
// a byte slice.
func listElements(v any) ([]any, bool) {
	switch tv := v.(type) {
	case nil, []byte, string:
		return nil, false
	case []any:
		return tv, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	elems := make([]any, rv.Len())
	for i := range elems {
		elems[i] = rv.Index(i).Interface()
	}
	return elems, true
}

// OrderTerm is one entry of an ORDER BY clause.
type OrderTerm struct {
	// Field is the field to sort by, or "random" for a random order.
	Field string

	// Dir is the direction: true or "asc" for ascending, false or "desc" for
	// descending. Anything else leaves the direction to the server.
	Dir any
}

// Asc returns an ascending OrderTerm on field.
func Asc(field string) OrderTerm {
	return OrderTerm{Field: field, Dir: true}
}

// Desc returns a descending OrderTerm on field.
func Desc(field string) OrderTerm {
	return OrderTerm{Field: field, Dir: false}
}

// Random returns an OrderTerm that shuffles the results.
func Random() OrderTerm {
	return OrderTerm{Field: "random"}
}

// buildOrderBy builds the ORDER BY clause for terms. Terms on fields not in
// allowed are dropped. Column names are prefixed with alias and a dot unless
// alias is empty.
func buildOrderBy(terms []OrderTerm, allowed []string, alias string) string {
	if len(terms) == 0 || len(allowed) == 0 {
		return ""
	}

	valid := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		valid[name] = true
	}

	var parts []string
	for _, term := range terms {
		var expr string
		switch {
		case strings.EqualFold(term.Field, "random"), strings.EqualFold(term.Field, "rand()"):
			expr = "RAND()"
		case valid[term.Field]:
			expr = sqlfmt.Ident(term.Field)
			if alias != "" {
				expr = alias + "." + expr
			}
		default:
			continue
		}
		if dir := direction(term.Dir); dir != "" {
			expr += " " + dir
		}
		parts = append(parts, expr)
	}

	if len(parts) == 0 {
		return ""
	}
	return "\nORDER BY " + strings.Join(parts, ",")
}

func direction(dir any) string {
	switch d := dir.(type) {
	case bool:
		if d {
			return "ASC"
		}
		return "DESC"
	case string:
		switch strings.ToLower(d) {
		case "asc":
			return "ASC"
		case "desc":
			return "DESC"
		}
	}
	return ""
}

// buildLimit builds the LIMIT clause. It is empty unless both limit and offset
// are numeric and not negative. A nil offset counts as 0.
func buildLimit(limit, offset any) string {
	if offset == nil {
		offset = 0
	}
	count, ok := numeric(limit)
	if !ok || count < 0 {
		return ""
	}
	start, ok := numeric(offset)
	if !ok || start < 0 {
		return ""
	}
	return "\nLIMIT " + strconv.FormatInt(start, 10) + "," + strconv.FormatInt(count, 10)
}

// numeric returns v as an integer if it is a number or a string holding one.
// Fractions are truncated.
func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}
