package provider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/record"
)

// columns that MySQL maintains as the time of the last change to the row.
var autoUpdatedColumns = []string{"updated_dts", "recordChanged"}

func isAutoUpdated(name string) bool {
	for _, c := range autoUpdatedColumns {
		if c == name {
			return true
		}
	}
	return false
}

// DeriveColumn returns the column definition of field f in a CREATE TABLE
// statement. pk is the name of the primary key of the table. A field with an
// explicit DDL constraint uses it unchanged.
//
// Integer columns are sized from the bounds of the field and made unsigned
// when the minimum is not negative. String-family columns are sized from the
// maximum length. An integer primary key is made AUTO_INCREMENT.
func DeriveColumn(f record.Field, pk string) (string, error) {
	if f.DDL != "" {
		return f.DDL, nil
	}

	def, err := f.DefaultValue()
	if err != nil {
		return "", &ConfigError{Field: f.Name, Msg: fmt.Sprintf("default: %v", err)}
	}

	col := sqlfmt.Ident(f.Name)
	min, max := f.Bounds()

	switch f.Kind {
	case record.KindBool:
		b, _ := def.(bool)
		return col + " bit(1) NOT NULL DEFAULT " + sqlfmt.Bit(b), nil

	case record.KindIP:
		n, _ := def.(int64)
		return col + " int(10) unsigned NOT NULL DEFAULT " + strconv.FormatInt(n, 10), nil

	case record.KindString, record.KindEmail, record.KindArray, record.KindObject, record.KindJSON:
		ddl := col + " " + textType(max) + " NOT NULL"
		if f.Default != nil {
			s := ""
			if str, ok := def.(string); ok && f.Kind != record.KindArray && f.Kind != record.KindObject && f.Kind != record.KindJSON {
				s = str
			} else if str, ok := f.Default.(string); ok {
				s = str
			}
			ddl += " DEFAULT " + sqlfmt.Quote(s)
		}
		return ddl, nil

	case record.KindInt, record.KindTimestamp:
		ddl := col + " " + intType(min, max) + " NOT NULL"
		if n, ok := def.(int64); ok {
			ddl += " DEFAULT " + strconv.FormatInt(n, 10)
		} else if f.Name != pk {
			ddl += " DEFAULT 0"
		}
		if f.Name == pk {
			ddl += " AUTO_INCREMENT"
		}
		return ddl, nil

	case record.KindEnum:
		if len(f.Values) == 0 {
			return "", &ConfigError{Field: f.Name, Msg: "enum has no values"}
		}
		vals := make([]string, len(f.Values))
		for i := range f.Values {
			vals[i] = sqlfmt.Quote(f.Values[i])
		}
		ddl := col + " enum(" + strings.Join(vals, ",") + ") NOT NULL"
		if s, ok := def.(string); ok {
			ddl += " DEFAULT " + sqlfmt.Quote(s)
		}
		return ddl, nil

	case record.KindDateTime:
		if isAutoUpdated(f.Name) {
			return col + " timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP", nil
		}
		ddl := col + " datetime NOT NULL"
		if strings.HasSuffix(f.Name, "_dts") {
			ddl = col + " timestamp NOT NULL"
		}
		if s, ok := def.(string); ok {
			ddl += " DEFAULT " + sqlfmt.Quote(s)
		}
		return ddl, nil

	default:
		return "", &ConfigError{Field: f.Name, Msg: fmt.Sprintf("cannot derive column type of kind %s", f.Kind)}
	}
}

func textType(max *int64) string {
	switch {
	case max == nil || *max > 16777215:
		return "longtext"
	case *max > 65535:
		return "mediumtext"
	case *max > 255:
		return "text"
	default:
		return fmt.Sprintf("varchar(%d)", *max)
	}
}

func intType(min, max *int64) string {
	if min != nil && *min >= 0 {
		switch {
		case max == nil:
			return "int(10) unsigned"
		case *max > 4294967295:
			return "bigint(20) unsigned"
		case *max > 16777215:
			return "int(10) unsigned"
		case *max > 65535:
			return "mediumint(7) unsigned"
		case *max > 255:
			return "smallint(5) unsigned"
		default:
			return "tinyint(3) unsigned"
		}
	}

	if max == nil {
		return "int(11)"
	}

	// a signed column must also hold the most negative allowed value.
	limit := *max
	if min != nil && -(*min+1) > limit {
		limit = -(*min + 1)
	}
	switch {
	case limit > 2147483647:
		return "bigint(20)"
	case limit > 8388607:
		return "int(11)"
	case limit > 32767:
		return "mediumint(8)"
	case limit > 127:
		return "smallint(6)"
	default:
		return "tinyint(4)"
	}
}

// CreateTable returns the CREATE TABLE statement for s, with prefix applied to
// the table name.
func CreateTable(s *record.Schema, prefix string) (string, error) {
	var sb strings.Builder

	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(sqlfmt.Ident(prefix + s.Table()))
	sb.WriteString(" (\n")

	for _, f := range s.Fields() {
		ddl, err := DeriveColumn(f, s.PK())
		if err != nil {
			if ce, ok := err.(*ConfigError); ok {
				ce.Entity = s.Name()
			}
			return "", err
		}
		sb.WriteString("    " + ddl + ",\n")
	}

	keyed := map[string]bool{}
	for _, idx := range s.Indexes() {
		if idx.Unique {
			continue
		}
		if len(idx.Columns) == 1 {
			keyed[idx.Columns[0]] = true
		}
		sb.WriteString("    KEY (" + indexColumns(idx.Columns) + "),\n")
	}
	for _, name := range autoUpdatedColumns {
		if s.Has(name) && !keyed[name] {
			sb.WriteString("    KEY (" + sqlfmt.Ident(name) + "),\n")
		}
	}
	for _, idx := range s.Indexes() {
		if !idx.Unique {
			continue
		}
		sb.WriteString("    UNIQUE KEY (" + indexColumns(idx.Columns) + "),\n")
	}

	sb.WriteString("    PRIMARY KEY(" + sqlfmt.Ident(s.PK()) + ")\n);")
	return sb.String(), nil
}

func indexColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		if strings.HasPrefix(c, "`") {
			quoted[i] = c
		} else {
			quoted[i] = sqlfmt.Ident(c)
		}
	}
	return strings.Join(quoted, ",")
}

// DropTable returns the DROP TABLE statement for s, with prefix applied to the
// table name.
func DropTable(s *record.Schema, prefix string) string {
	return "DROP TABLE IF EXISTS " + sqlfmt.Ident(prefix+s.Table()) + ";"
}
