// Package record holds declarative field schemas and the records built from
// them. A Record tracks both the current value of each field and the value last
// known to be persisted, so only changed fields are written back.
//
// Records are not safe for concurrent use.
package record

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dekarrin/graphite"
)

// Entity is any type that is backed by a Record. Types embed *Record to get
// the default hook implementations and override the hooks they need.
type Entity interface {
	// Rec returns the Record backing the entity.
	Rec() *Record

	// BeforeInsert is called before the entity is inserted. It may change
	// values; the diff is recomputed after it returns.
	BeforeInsert(ctx context.Context) error

	// AfterInsert is called after a successful insert.
	AfterInsert(ctx context.Context) error

	// BeforeUpdate is called before the entity is updated. It may change
	// values; the diff is recomputed after it returns.
	BeforeUpdate(ctx context.Context) error

	// AfterUpdate is called after a successful update.
	AfterUpdate(ctx context.Context) error

	// BeforeDelete is called before the entity is deleted.
	BeforeDelete(ctx context.Context) error

	// PostLoad is called after the entity is hydrated from a row. extra holds
	// the row columns that are not schema fields. It returns the columns it
	// did not consume.
	PostLoad(ctx context.Context, extra map[string]any) (map[string]any, error)
}

// Record is one entity instance: a schema, the current values of its fields
// and the values as last loaded or saved.
type Record struct {
	schema *Schema
	vals   map[string]any
	dbVals map[string]any
}

func newRecord(s *Schema) (*Record, error) {
	if s == nil {
		return nil, &SchemaError{Msg: "nil schema"}
	}
	if !s.transient {
		if s.table == "" {
			return nil, &SchemaError{Schema: s.name, Msg: "no table defined"}
		}
		if !s.Has(s.pk) {
			return nil, &SchemaError{Schema: s.name, Msg: "no primary key defined"}
		}
	}

	r := &Record{
		schema: s,
		vals:   make(map[string]any, len(s.fields)),
		dbVals: make(map[string]any, len(s.fields)),
	}
	for _, f := range s.fields {
		r.vals[f.Name] = nil
		r.dbVals[f.Name] = nil
	}
	return r, nil
}

// New creates an empty Record of schema s. Every field is null.
func New(s *Schema) (*Record, error) {
	return newRecord(s)
}

// NewDefaults creates a Record of schema s with each field set to its default.
func NewDefaults(s *Schema) (*Record, error) {
	r, err := newRecord(s)
	if err != nil {
		return nil, err
	}
	if err := r.applyDefaults(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewWithPK creates a Record of schema s with only its primary key set. It is
// used for records that are about to be loaded, updated or deleted by key.
func NewWithPK(s *Schema, pk any) (*Record, error) {
	r, err := newRecord(s)
	if err != nil {
		return nil, err
	}
	if s.pk == "" {
		return nil, &SchemaError{Schema: s.name, Msg: "no primary key defined"}
	}
	if err := r.Set(s.pk, pk); err != nil {
		return nil, err
	}
	return r, nil
}

// NewFromMap creates a Record of schema s with the fields in m set, as if by
// SetAll. If defaults is true, defaults are applied first. The new values are
// not marked as persisted.
func NewFromMap(s *Schema, m map[string]any, defaults bool) (*Record, error) {
	r, err := newRecord(s)
	if err != nil {
		return nil, err
	}
	if defaults {
		if err := r.applyDefaults(); err != nil {
			return nil, err
		}
	}
	if _, err := r.SetAll(m); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Record) applyDefaults() error {
	for _, f := range r.schema.fields {
		if f.Default == nil {
			continue
		}
		v, err := normalize(f, f.Default, false, false)
		if err != nil {
			return &SchemaError{Schema: r.schema.name, Msg: fmt.Sprintf("bad default: %s", err)}
		}
		r.vals[f.Name] = v
	}
	return nil
}

// Rec returns r. It makes *Record an Entity.
func (r *Record) Rec() *Record {
	return r
}

// Schema returns the schema of the Record.
func (r *Record) Schema() *Schema {
	return r.schema
}

func (r *Record) field(name string) (Field, error) {
	f, ok := r.schema.Field(name)
	if !ok {
		return Field{}, &UnknownFieldError{Schema: r.schema.name, Field: name}
	}
	return f, nil
}

// Set assigns v to the named field. The value is checked against the field's
// kind and bounds; strict fields reject values that do not fit and other
// fields have them clamped, truncated or converted. If v is rejected, an error
// that matches graphite.ErrRejected is returned and the prior value is kept.
// Setting a field the schema does not declare returns an *UnknownFieldError.
func (r *Record) Set(name string, v any) error {
	f, err := r.field(name)
	if err != nil {
		return err
	}

	nv, err := normalize(f, v, f.Strict, true)
	if err != nil {
		return err
	}

	r.vals[name] = nv
	return nil
}

// Get returns the current value of the named field. IP fields are returned in
// dotted-quad form. Reading a field the schema does not declare returns an
// *UnknownFieldError.
func (r *Record) Get(name string) (any, error) {
	f, err := r.field(name)
	if err != nil {
		return nil, err
	}
	return presented(f, r.vals[name]), nil
}

// MustGet is Get but panics if the field is not declared.
func (r *Record) MustGet(name string) any {
	v, err := r.Get(name)
	if err != nil {
		panic(err.Error())
	}
	return v
}

// Int returns the named field as an int64. Null and non-integer values are
// returned as 0. It panics if the field is not declared.
func (r *Record) Int(name string) int64 {
	r.MustGet(name)
	n, _ := toInt(r.vals[name], true)
	return n
}

// Str returns the named field as a string. Null is returned as "". It panics
// if the field is not declared.
func (r *Record) Str(name string) string {
	v := r.MustGet(name)
	s, _ := toString(v, false)
	return s
}

// Bool returns the named field as a bool. Null is returned as false. It panics
// if the field is not declared.
func (r *Record) Bool(name string) bool {
	v := r.MustGet(name)
	if v == nil {
		return false
	}
	b, _ := toBool(v, false)
	return b
}

// IsNull returns whether the named field is unset. It panics if the field is
// not declared.
func (r *Record) IsNull(name string) bool {
	return r.MustGet(name) == nil
}

// PK returns the primary key value, or nil if it is unset or the schema has
// no primary key.
func (r *Record) PK() any {
	if r.schema.pk == "" {
		return nil
	}
	return r.vals[r.schema.pk]
}

// Stored returns the current value of the named field in the form written to
// the database: IPs as integers and array, object and json values as encoded
// text.
func (r *Record) Stored(name string) (any, error) {
	f, err := r.field(name)
	if err != nil {
		return nil, err
	}
	return persisted(f, r.vals[name])
}

// SetAll calls Set for each entry in m. Keys that are not schema fields are
// skipped and returned in unknown. All values are attempted; the returned
// error matches every rejection that occurred.
func (r *Record) SetAll(m map[string]any) (unknown map[string]any, err error) {
	unknown = map[string]any{}
	var rejections []error

	for _, f := range r.schema.fields {
		v, ok := m[f.Name]
		if !ok {
			continue
		}
		if setErr := r.Set(f.Name, v); setErr != nil {
			rejections = append(rejections, setErr)
		}
	}
	for k, v := range m {
		if !r.schema.Has(k) {
			unknown[k] = v
		}
	}

	if len(rejections) > 0 {
		causes := append(rejections, graphite.ErrRejected)
		return unknown, graphite.NewError(fmt.Sprintf("%d value(s) rejected", len(rejections)), causes...)
	}
	return unknown, nil
}

// GetAll returns the current value of every field, as Get would return them.
func (r *Record) GetAll() map[string]any {
	all := make(map[string]any, len(r.schema.fields))
	for _, f := range r.schema.fields {
		all[f.Name] = presented(f, r.vals[f.Name])
	}
	return all
}

// DiffFields returns the names of the fields whose current value differs from
// the last persisted value, in schema order.
func (r *Record) DiffFields() []string {
	var changed []string
	for _, f := range r.schema.fields {
		if !reflect.DeepEqual(r.vals[f.Name], r.dbVals[f.Name]) {
			changed = append(changed, f.Name)
		}
	}
	return changed
}

// Diff returns the current value of each field that changed since the record
// was last loaded or saved.
func (r *Record) Diff() map[string]any {
	diff := map[string]any{}
	for _, name := range r.DiffFields() {
		f, _ := r.schema.Field(name)
		diff[name] = presented(f, r.vals[name])
	}
	return diff
}

// HasDiff returns whether any field changed since the record was last loaded
// or saved.
func (r *Record) HasDiff() bool {
	for _, f := range r.schema.fields {
		if !reflect.DeepEqual(r.vals[f.Name], r.dbVals[f.Name]) {
			return true
		}
	}
	return false
}

// UnDiff marks the named fields as persisted with their current values. With
// no names, every field is marked.
func (r *Record) UnDiff(names ...string) {
	if len(names) == 0 {
		names = r.schema.FieldNames()
	}
	for _, name := range names {
		if r.schema.Has(name) {
			r.dbVals[name] = r.vals[name]
		}
	}
}

// Hydrate loads r from a database row as if it had just been read. The primary
// key, if the schema has one, must be present in row and not null. Values are converted to their
// in-memory form without applying bounds, and every field is then marked as
// persisted. The columns of row that are not schema fields are returned.
func (r *Record) Hydrate(row map[string]any) (map[string]any, error) {
	if r.schema.pk != "" {
		if v, ok := row[r.schema.pk]; !ok || v == nil {
			return nil, graphite.NewError(fmt.Sprintf("row has no %s", r.schema.pk), graphite.ErrNoPrimaryKey)
		}
	}

	vals := make(map[string]any, len(r.vals))
	for k, v := range r.vals {
		vals[k] = v
	}

	extra := map[string]any{}
	for k, v := range row {
		f, ok := r.schema.Field(k)
		if !ok {
			extra[k] = v
			continue
		}
		nv, err := normalize(f, v, false, false)
		if err != nil {
			return nil, graphite.NewError(fmt.Sprintf("column %s", k), err, graphite.ErrDecodingFailure)
		}
		vals[k] = nv
	}

	r.vals = vals
	r.UnDiff()
	return extra, nil
}

// Load hydrates e from row and then calls its PostLoad hook with the columns
// that are not schema fields. It returns the columns PostLoad did not consume.
func Load(ctx context.Context, e Entity, row map[string]any) (map[string]any, error) {
	extra, err := e.Rec().Hydrate(row)
	if err != nil {
		return nil, err
	}
	return e.PostLoad(ctx, extra)
}

// BeforeInsert stamps the created_uts field with the current time if the
// schema declares it as a timestamp and it is unset or zero.
func (r *Record) BeforeInsert(ctx context.Context) error {
	f, ok := r.schema.Field("created_uts")
	if !ok || f.Kind != KindTimestamp {
		return nil
	}
	if v := r.vals["created_uts"]; v == nil || v == int64(0) {
		r.vals["created_uts"] = clock().Unix()
	}
	return nil
}

func (r *Record) AfterInsert(ctx context.Context) error {
	return nil
}

func (r *Record) BeforeUpdate(ctx context.Context) error {
	return nil
}

func (r *Record) AfterUpdate(ctx context.Context) error {
	return nil
}

func (r *Record) BeforeDelete(ctx context.Context) error {
	return nil
}

// PostLoad returns extra unchanged.
func (r *Record) PostLoad(ctx context.Context, extra map[string]any) (map[string]any, error) {
	return extra, nil
}

// String returns a short description of the record, for logs.
func (r *Record) String() string {
	if r.schema.pk == "" {
		return r.schema.name
	}
	return fmt.Sprintf("%s<%v>", r.schema.name, presented(r.pkField(), r.PK()))
}

func (r *Record) pkField() Field {
	f, _ := r.schema.Field(r.schema.pk)
	return f
}
