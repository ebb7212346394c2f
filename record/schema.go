package record

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dekarrin/graphite/internal/sqlfmt"
)

// SchemaError is returned when a schema is malformed. It indicates a
// programming mistake rather than a runtime condition, and the entity type it
// describes cannot be used until it is fixed.
type SchemaError struct {
	Schema string
	Msg    string
}

func (e *SchemaError) Error() string {
	if e.Schema == "" {
		return "schema: " + e.Msg
	}
	return fmt.Sprintf("schema %s: %s", e.Schema, e.Msg)
}

// UnknownFieldError is returned when a field that a schema does not declare is
// read or written.
type UnknownFieldError struct {
	Schema string
	Field  string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("%s has no field %q", e.Schema, e.Field)
}

// Index is a secondary index on a table.
type Index struct {
	Columns []string
	Unique  bool
}

// Definition is the declarative description of an entity type. It is turned
// into an immutable *Schema with Define.
type Definition struct {
	// Name identifies the entity type, for use with a Registry.
	Name string

	// Table is the name of the table without any connection prefix.
	Table string

	// PK is the name of the primary key field.
	PK string

	Fields []Field

	// Query, if set, returns the SELECT statement (without WHERE or later
	// clauses) used to find records. prefix is the table prefix of the
	// connection the statement will run on. The main table must be aliased
	// as "t".
	Query func(prefix string) string

	// Joiners maps names of related entities to joiner table names.
	Joiners map[string]string

	Indexes []Index

	// Source names the database source reads for this entity go to. Empty
	// means the default source.
	Source string

	err error
}

// DefineField adds a field to the definition. It fails if kind is not a known
// Kind or if name is already defined.
func (d *Definition) DefineField(name string, kind Kind, c Constraints) error {
	if !kind.Valid() {
		return &SchemaError{Schema: d.Name, Msg: fmt.Sprintf("field %q: unrecognized kind %s", name, kind)}
	}
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &SchemaError{Schema: d.Name, Msg: fmt.Sprintf("field %q: already defined", name)}
		}
	}

	d.Fields = append(d.Fields, Field{Name: name, Kind: kind, Constraints: c})
	return nil
}

// Add is DefineField that records the first error in the Definition instead
// of returning it. The error is reported by Define. It returns d so calls can
// be chained.
func (d *Definition) Add(name string, kind Kind, c Constraints) *Definition {
	if err := d.DefineField(name, kind, c); err != nil && d.err == nil {
		d.err = err
	}
	return d
}

// Schema is the immutable set of fields describing an entity type. A Schema is
// shared by every Record of the type.
type Schema struct {
	name    string
	table   string
	pk      string
	fields  []Field
	index   map[string]int
	query   func(prefix string) string
	joiners map[string]string
	indexes []Index
	source  string

	transient bool
}

// Define validates d and creates a Schema from it. Date expression bounds are
// resolved against the current time. A *SchemaError is returned if d has no
// table, no primary key, a primary key that is not one of its fields, or any
// malformed field.
func Define(d Definition) (*Schema, error) {
	return define(d, false)
}

// DefineTransient creates a Schema for records that are never persisted, such
// as search forms and report parameters. Table and PK are optional; if PK is
// given it must be one of the fields. Name is required when Table is empty.
// Providers refuse to read or write transient records.
func DefineTransient(d Definition) (*Schema, error) {
	return define(d, true)
}

// MustDefineTransient is DefineTransient but panics if d is not a valid
// definition.
func MustDefineTransient(d Definition) *Schema {
	s, err := DefineTransient(d)
	if err != nil {
		panic(err.Error())
	}
	return s
}

func define(d Definition, transient bool) (*Schema, error) {
	if d.err != nil {
		return nil, d.err
	}
	if !transient {
		if d.Table == "" {
			return nil, &SchemaError{Schema: d.Name, Msg: "no table defined"}
		}
		if d.PK == "" {
			return nil, &SchemaError{Schema: d.Name, Msg: "no primary key defined"}
		}
	}
	if d.Name == "" {
		d.Name = d.Table
	}
	if d.Name == "" {
		return nil, &SchemaError{Msg: "no name defined"}
	}

	s := &Schema{
		name:    d.Name,
		table:   d.Table,
		pk:      d.PK,
		fields:  make([]Field, len(d.Fields)),
		index:   make(map[string]int, len(d.Fields)),
		query:   d.Query,
		joiners: make(map[string]string, len(d.Joiners)),
		indexes: make([]Index, len(d.Indexes)),
		source:  d.Source,

		transient: transient,
	}

	now := clock()
	for i, f := range d.Fields {
		if f.Name == "" {
			return nil, &SchemaError{Schema: d.Name, Msg: fmt.Sprintf("field %d has no name", i)}
		}
		if !f.Kind.Valid() {
			return nil, &SchemaError{Schema: d.Name, Msg: fmt.Sprintf("field %q: unrecognized kind %s", f.Name, f.Kind)}
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, &SchemaError{Schema: d.Name, Msg: fmt.Sprintf("field %q: already defined", f.Name)}
		}
		if f.Kind == KindEnum && len(f.Values) == 0 {
			return nil, &SchemaError{Schema: d.Name, Msg: fmt.Sprintf("field %q: enum has no values", f.Name)}
		}

		resolved, err := resolveBounds(f, now)
		if err != nil {
			return nil, &SchemaError{Schema: d.Name, Msg: fmt.Sprintf("field %q: %s", f.Name, err)}
		}
		resolved.Values = append([]string(nil), f.Values...)
		if f.Default != nil {
			if _, err := normalize(resolved, f.Default, false, false); err != nil {
				return nil, &SchemaError{Schema: d.Name, Msg: fmt.Sprintf("field %q: bad default: %s", f.Name, err)}
			}
		}

		s.fields[i] = resolved
		s.index[f.Name] = i
	}

	if _, ok := s.index[d.PK]; !ok && (d.PK != "" || !transient) {
		return nil, &SchemaError{Schema: d.Name, Msg: fmt.Sprintf("primary key %q is not a defined field", d.PK)}
	}

	for k, v := range d.Joiners {
		s.joiners[k] = v
	}
	for i := range d.Indexes {
		s.indexes[i] = Index{
			Columns: append([]string(nil), d.Indexes[i].Columns...),
			Unique:  d.Indexes[i].Unique,
		}
	}

	return s, nil
}

// MustDefine is Define but panics if d is not a valid definition.
func MustDefine(d Definition) *Schema {
	s, err := Define(d)
	if err != nil {
		panic(err.Error())
	}
	return s
}

func resolveBounds(f Field, now time.Time) (Field, error) {
	f.min = copyBound(f.Min)
	f.max = copyBound(f.Max)

	if f.MinExpr != "" || f.MaxExpr != "" {
		if f.Kind != KindTimestamp && f.Kind != KindDateTime {
			return f, fmt.Errorf("date expression bounds on non-date kind %s", f.Kind)
		}
	}
	if f.MinExpr != "" {
		v, err := ResolveDate(f.MinExpr, now)
		if err != nil {
			return f, fmt.Errorf("min: %w", err)
		}
		f.min = &v
	}
	if f.MaxExpr != "" {
		v, err := ResolveDate(f.MaxExpr, now)
		if err != nil {
			return f, fmt.Errorf("max: %w", err)
		}
		f.max = &v
	}
	if lengthBounded(f.Kind) {
		if f.min != nil && *f.min < 0 {
			return f, fmt.Errorf("negative min length %d", *f.min)
		}
		if f.max != nil && *f.max < 0 {
			return f, fmt.Errorf("negative max length %d", *f.max)
		}
	}
	if f.min != nil && f.max != nil && *f.min > *f.max {
		return f, fmt.Errorf("min %d is greater than max %d", *f.min, *f.max)
	}
	return f, nil
}

// lengthBounded returns whether Min and Max of fields of kind k count
// characters.
func lengthBounded(k Kind) bool {
	switch k {
	case KindString, KindEmail, KindEnum, KindArray, KindObject, KindJSON:
		return true
	}
	return false
}

func copyBound(b *int64) *int64 {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// Name returns the entity type name.
func (s *Schema) Name() string {
	return s.name
}

// Table returns the unprefixed table name.
func (s *Schema) Table() string {
	return s.table
}

// PK returns the name of the primary key field.
func (s *Schema) PK() string {
	return s.pk
}

// Transient returns whether records of the schema are never persisted.
func (s *Schema) Transient() bool {
	return s.transient
}

// Source returns the name of the database source reads should go to.
func (s *Schema) Source() string {
	return s.source
}

// Has returns whether the schema declares the named field.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Fields returns all fields in declaration order.
func (s *Schema) Fields() []Field {
	fields := make([]Field, len(s.fields))
	copy(fields, s.fields)
	return fields
}

// FieldNames returns the names of all fields in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i := range s.fields {
		names[i] = s.fields[i].Name
	}
	return names
}

// Indexes returns the secondary indexes declared on the schema.
func (s *Schema) Indexes() []Index {
	idx := make([]Index, len(s.indexes))
	copy(idx, s.indexes)
	return idx
}

// Query returns the SELECT statement used to find records, with no WHERE
// clause. Tables are prefixed with prefix.
func (s *Schema) Query(prefix string) string {
	if s.query != nil {
		return s.query(prefix)
	}

	cols := make([]string, len(s.fields))
	for i := range s.fields {
		cols[i] = "t." + sqlfmt.Ident(s.fields[i].Name)
	}

	return "SELECT " + strings.Join(cols, ", ") + " FROM " + sqlfmt.Ident(prefix+s.table) + " t"
}

var joinerName = regexp.MustCompile(`^\w+$`)

// Joiner returns the unprefixed name of the joiner table between this entity
// and other. Explicitly declared joiners are used first; otherwise the name is
// derived as "<table>_<other>". An empty string is returned if other is not a
// plausible table name.
func (s *Schema) Joiner(other string) string {
	if other == "" {
		return s.table
	}
	if j, ok := s.joiners[other]; ok {
		return j
	}
	if joinerName.MatchString(other) {
		return s.table + "_" + other
	}
	return ""
}
