// Package provider runs finds, counts and writes of records against MySQL and
// derives table definitions from record schemas.
//
// Statement failures are returned as errors that match graphite.ErrDB.
// Operations that have nothing to do return one of the skip sentinels
// graphite.ErrNoDiff, graphite.ErrNoPrimaryKey or graphite.ErrNothingToDelete
// without sending a statement. A schema that cannot be used as configured
// gives a *ConfigError.
package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/conn"
	"github.com/dekarrin/graphite/internal/logging"
	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/record"
)

// ConfigError is returned when an entity type is configured in a way that
// makes an operation impossible. It indicates a programming mistake rather
// than a runtime condition.
type ConfigError struct {
	Entity string
	Field  string
	Msg    string
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration error")
	if e.Entity != "" {
		sb.WriteString(": entity " + e.Entity)
	}
	if e.Field != "" {
		sb.WriteString(": field " + e.Field)
	}
	sb.WriteString(": " + e.Msg)
	return sb.String()
}

// Query selects the records returned by Find.
type Query struct {
	// Params maps field names to the values they must equal. A slice value
	// matches any of its elements, except on array, object, json and bool
	// fields. Keys that are not fields are ignored.
	Params map[string]any

	// Order gives the sort order. Terms on unknown fields are ignored.
	Order []OrderTerm

	// Limit is the maximum number of records to return. It is applied only
	// if it and Offset are both numeric and not negative.
	Limit any

	// Offset is the number of records to skip. Nil is the same as 0.
	Offset any
}

// Where returns a Query with only Params set.
func Where(params map[string]any) Query {
	return Query{Params: params}
}

// Results holds found entities keyed by primary key, in the order the server
// returned them.
type Results struct {
	keys  []string
	byKey map[string]record.Entity
}

func newResults(n int) *Results {
	return &Results{byKey: make(map[string]record.Entity, n)}
}

func resultKey(pk any) string {
	return fmt.Sprint(pk)
}

func (r *Results) add(e record.Entity) {
	key := resultKey(e.Rec().PK())
	if _, dup := r.byKey[key]; !dup {
		r.keys = append(r.keys, key)
	}
	r.byKey[key] = e
}

// Len returns the number of entities.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Keys returns the primary keys of the entities, as text, in order.
func (r *Results) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Get returns the entity with the given primary key.
func (r *Results) Get(pk any) (record.Entity, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.byKey[resultKey(pk)]
	return e, ok
}

// All returns the entities in order.
func (r *Results) All() []record.Entity {
	all := make([]record.Entity, len(r.keys))
	for i, k := range r.keys {
		all[i] = r.byKey[k]
	}
	return all
}

// First returns the first entity, or nil if there are none.
func (r *Results) First() record.Entity {
	if r.Len() == 0 {
		return nil
	}
	return r.byKey[r.keys[0]]
}

// Provider runs record operations on the connections of a Sources. Reads of
// an entity type go to the source its schema names, falling back to the read
// replica and then the primary. Writes always go to the primary.
type Provider struct {
	sources  *conn.Sources
	registry *record.Registry
	log      graphite.Logger
}

// New creates a Provider. Entity types given by name are created with reg.
func New(sources *conn.Sources, reg *record.Registry, logger graphite.Logger) *Provider {
	return &Provider{
		sources:  sources,
		registry: reg,
		log:      logging.OrNoOp(logger),
	}
}

// Sources returns the connections the Provider uses.
func (p *Provider) Sources() *conn.Sources {
	return p.sources
}

func (p *Provider) scratch(entityType string) (record.Entity, *record.Schema, error) {
	e, err := p.registry.New(entityType)
	if err != nil {
		return nil, nil, err
	}
	s := e.Rec().Schema()
	if err := persistent(s); err != nil {
		return nil, nil, err
	}
	return e, s, nil
}

// persistent returns a *ConfigError if records of s are never persisted.
func persistent(s *record.Schema) error {
	if s.Transient() {
		return &ConfigError{Entity: s.Name(), Msg: "transient records are never persisted"}
	}
	return nil
}

// Find returns the entities of entityType that match q.
func (p *Provider) Find(ctx context.Context, entityType string, q Query) (*Results, error) {
	proto, s, err := p.scratch(entityType)
	if err != nil {
		return nil, err
	}

	where, err := buildWhere(proto.Rec(), q.Params)
	if err != nil {
		return nil, err
	}

	c, err := p.sources.ForRead(ctx, s.Source())
	if err != nil {
		return nil, err
	}

	stmt := s.Query(c.TablePrefix()) +
		where +
		"\nGROUP BY t." + sqlfmt.Ident(s.PK()) +
		buildOrderBy(q.Order, s.FieldNames(), "t") +
		buildLimit(q.Limit, q.Offset)

	res, err := c.Execute(ctx, stmt)
	if err != nil {
		return nil, err
	}

	found := newResults(res.Len())
	for i, row := range res.Rows {
		e, err := p.registry.New(entityType)
		if err != nil {
			return nil, err
		}
		extra, err := record.Load(ctx, e, row)
		if err != nil {
			return nil, graphite.NewError(fmt.Sprintf("load %s row %d", entityType, i), err)
		}
		if len(extra) > 0 {
			p.log.Tracef("%s: unused columns in row %d: %v", entityType, i, extra)
		}
		found.add(e)
	}
	return found, nil
}

// FindOne returns the first entity of entityType that matches q. It returns
// an error that matches graphite.ErrNotFound if none do.
func (p *Provider) FindOne(ctx context.Context, entityType string, q Query) (record.Entity, error) {
	q.Limit = 1
	found, err := p.Find(ctx, entityType, q)
	if err != nil {
		return nil, err
	}
	if found.Len() == 0 {
		return nil, graphite.NewError(entityType, graphite.ErrNotFound)
	}
	return found.First(), nil
}

// ByPK returns the entity of entityType with the given primary key. It returns
// an error that matches graphite.ErrNotFound if there is none.
func (p *Provider) ByPK(ctx context.Context, entityType string, pk any) (record.Entity, error) {
	_, s, err := p.scratch(entityType)
	if err != nil {
		return nil, err
	}
	return p.FindOne(ctx, entityType, Where(map[string]any{s.PK(): pk}))
}

// Count returns how many entities of entityType match params.
func (p *Provider) Count(ctx context.Context, entityType string, params map[string]any) (int64, error) {
	proto, s, err := p.scratch(entityType)
	if err != nil {
		return 0, err
	}

	where, err := buildWhere(proto.Rec(), params)
	if err != nil {
		return 0, err
	}

	c, err := p.sources.ForRead(ctx, s.Source())
	if err != nil {
		return 0, err
	}

	stmt := "SELECT COUNT(t." + sqlfmt.Ident(s.PK()) + ") AS `count`" +
		" FROM " + sqlfmt.Ident(c.Table(s.Table())) + " t" +
		where

	res, err := c.Execute(ctx, stmt)
	if err != nil {
		return 0, err
	}
	row := res.First()
	if row == nil {
		return 0, graphite.WrapDBError(graphite.ErrNotFound, "count returned no rows")
	}

	n, ok := countValue(row["count"])
	if !ok {
		return 0, graphite.NewError(fmt.Sprintf("count: unexpected value %v", row["count"]), graphite.ErrDecodingFailure)
	}
	return n, nil
}

func countValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return numeric(v)
}

// columnValues returns the back-quoted names and literal values of the named
// fields of r.
func columnValues(r *record.Record, names []string) (cols []string, vals []string, err error) {
	s := r.Schema()
	for _, name := range names {
		f, _ := s.Field(name)
		stored, err := r.Stored(name)
		if err != nil {
			return nil, nil, graphite.NewError(fmt.Sprintf("%s: field %s", s.Name(), name), err, graphite.ErrBadArgument)
		}
		cols = append(cols, sqlfmt.Ident(name))
		vals = append(vals, literal(f, stored))
	}
	return cols, vals, nil
}

// Insert inserts e and returns its primary key. Only the fields that have
// changed are written. If the server generates the primary key, it is set on
// e. It returns graphite.ErrNoDiff without sending anything if e has no
// changes.
func (p *Provider) Insert(ctx context.Context, e record.Entity) (any, error) {
	r := e.Rec()
	if err := persistent(r.Schema()); err != nil {
		return nil, err
	}
	if !r.HasDiff() {
		return nil, graphite.ErrNoDiff
	}

	if err := e.BeforeInsert(ctx); err != nil {
		return nil, err
	}
	diff := r.DiffFields()
	if len(diff) == 0 {
		return nil, graphite.ErrNoDiff
	}

	cols, vals, err := columnValues(r, diff)
	if err != nil {
		return nil, err
	}

	c, err := p.sources.Writer(ctx)
	if err != nil {
		return nil, err
	}

	stmt := "INSERT INTO " + sqlfmt.Ident(c.Table(r.Schema().Table())) +
		" (" + strings.Join(cols, ", ") + ")" +
		"\nVALUES (" + strings.Join(vals, ", ") + ")"

	return p.finishInsert(ctx, e, c, stmt)
}

func (p *Provider) finishInsert(ctx context.Context, e record.Entity, c *conn.Connection, stmt string) (any, error) {
	r := e.Rec()

	res, err := c.Execute(ctx, stmt)
	if err != nil {
		return nil, err
	}

	if res.LastInsertID != 0 {
		if err := r.Set(r.Schema().PK(), res.LastInsertID); err != nil {
			return nil, graphite.NewError(fmt.Sprintf("%s: apply generated key %d", r.Schema().Name(), res.LastInsertID), err)
		}
	}
	r.UnDiff()

	if err := e.AfterInsert(ctx); err != nil {
		return r.PK(), err
	}
	return r.PK(), nil
}

// Upsert inserts e, or updates the existing row if the insert conflicts with
// a unique key. The changed fields, plus the primary key when set, are
// written in both cases. It returns e's primary key.
//
// Required fields that are null give a *ConfigError before anything is sent,
// since a conflicting row may not exist to supply them.
func (p *Provider) Upsert(ctx context.Context, e record.Entity) (any, error) {
	r := e.Rec()
	s := r.Schema()
	if err := persistent(s); err != nil {
		return nil, err
	}
	if !r.HasDiff() {
		return nil, graphite.ErrNoDiff
	}

	if err := e.BeforeInsert(ctx); err != nil {
		return nil, err
	}
	names := r.DiffFields()
	if len(names) == 0 {
		return nil, graphite.ErrNoDiff
	}

	for _, f := range s.Fields() {
		if f.Required && r.IsNull(f.Name) {
			return nil, &ConfigError{Entity: s.Name(), Field: f.Name, Msg: "required field has no value"}
		}
	}

	if r.PK() != nil && !contains(names, s.PK()) {
		names = append(names, s.PK())
	}

	cols, vals, err := columnValues(r, names)
	if err != nil {
		return nil, err
	}
	updates := make([]string, len(cols))
	for i := range cols {
		updates[i] = cols[i] + " = " + vals[i]
	}

	c, err := p.sources.Writer(ctx)
	if err != nil {
		return nil, err
	}

	stmt := "INSERT INTO " + sqlfmt.Ident(c.Table(s.Table())) +
		" (" + strings.Join(cols, ", ") + ")" +
		"\nVALUES (" + strings.Join(vals, ", ") + ")" +
		"\nON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")

	return p.finishInsert(ctx, e, c, stmt)
}

// Update writes the changed fields of e to its row. It returns
// graphite.ErrNoPrimaryKey or graphite.ErrNoDiff without sending anything if
// e has no primary key or no changes.
func (p *Provider) Update(ctx context.Context, e record.Entity) error {
	r := e.Rec()
	s := r.Schema()
	if err := persistent(s); err != nil {
		return err
	}
	if r.PK() == nil {
		return graphite.ErrNoPrimaryKey
	}
	if !r.HasDiff() {
		return graphite.ErrNoDiff
	}

	if err := e.BeforeUpdate(ctx); err != nil {
		return err
	}
	diff := r.DiffFields()
	if len(diff) == 0 {
		return graphite.ErrNoDiff
	}

	cols, vals, err := columnValues(r, diff)
	if err != nil {
		return err
	}
	sets := make([]string, len(cols))
	for i := range cols {
		sets[i] = cols[i] + " = " + vals[i]
	}

	pkLit, err := pkLiteral(r)
	if err != nil {
		return err
	}

	c, err := p.sources.Writer(ctx)
	if err != nil {
		return err
	}

	stmt := "UPDATE " + sqlfmt.Ident(c.Table(s.Table())) + " SET " + strings.Join(sets, ", ") +
		"\nWHERE " + sqlfmt.Ident(s.PK()) + " = " + pkLit

	if _, err := c.Execute(ctx, stmt); err != nil {
		return err
	}
	r.UnDiff()

	return e.AfterUpdate(ctx)
}

// Delete deletes the row of e and returns the number of rows deleted. It
// returns graphite.ErrNoPrimaryKey without sending anything if e has no
// primary key.
func (p *Provider) Delete(ctx context.Context, e record.Entity) (int64, error) {
	r := e.Rec()
	s := r.Schema()
	if err := persistent(s); err != nil {
		return 0, err
	}
	if r.PK() == nil {
		return 0, graphite.ErrNoPrimaryKey
	}

	if err := e.BeforeDelete(ctx); err != nil {
		return 0, err
	}

	pkLit, err := pkLiteral(r)
	if err != nil {
		return 0, err
	}

	c, err := p.sources.Writer(ctx)
	if err != nil {
		return 0, err
	}

	stmt := "DELETE FROM " + sqlfmt.Ident(c.Table(s.Table())) + " " +
		"\nWHERE " + sqlfmt.Ident(s.PK()) + " = " + pkLit

	res, err := c.Execute(ctx, stmt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

// DeleteBatch deletes the rows of all of es with one statement and returns the
// number of rows deleted. Entities without a primary key are skipped. All of
// es must be of the same entity type. It returns graphite.ErrNothingToDelete
// if no entity has a primary key.
func (p *Provider) DeleteBatch(ctx context.Context, es []record.Entity) (int64, error) {
	var s *record.Schema
	var keyed []record.Entity

	for _, e := range es {
		if e == nil {
			continue
		}
		r := e.Rec()
		if s == nil {
			s = r.Schema()
			if err := persistent(s); err != nil {
				return 0, err
			}
		} else if r.Schema() != s {
			return 0, graphite.NewError(fmt.Sprintf("batch mixes %s and %s", s.Name(), r.Schema().Name()), graphite.ErrBadArgument)
		}
		if r.PK() != nil {
			keyed = append(keyed, e)
		}
	}

	var keys []any
	for _, e := range keyed {
		r := e.Rec()
		if err := e.BeforeDelete(ctx); err != nil {
			return 0, err
		}
		stored, err := r.Stored(s.PK())
		if err != nil {
			return 0, err
		}
		keys = append(keys, stored)
	}

	if len(keys) == 0 {
		return 0, graphite.ErrNothingToDelete
	}
	return p.deleteKeys(ctx, s, keys)
}

// DeleteByPrimaryKeys deletes the rows of entityType with the given primary
// keys and returns the number of rows deleted. Keys that are not valid
// values of the primary key field are skipped. It returns
// graphite.ErrNothingToDelete if no key is valid.
func (p *Provider) DeleteByPrimaryKeys(ctx context.Context, entityType string, keys []any) (int64, error) {
	proto, s, err := p.scratch(entityType)
	if err != nil {
		return 0, err
	}
	r := proto.Rec()

	var valid []any
	for _, k := range keys {
		if k == nil {
			continue
		}
		if err := r.Set(s.PK(), k); err != nil {
			continue
		}
		// keys that were changed by coercion are not the keys asked for.
		if resultKey(r.PK()) != resultKey(k) {
			continue
		}
		stored, err := r.Stored(s.PK())
		if err != nil {
			continue
		}
		valid = append(valid, stored)
	}

	if len(valid) == 0 {
		return 0, graphite.ErrNothingToDelete
	}
	return p.deleteKeys(ctx, s, valid)
}

func (p *Provider) deleteKeys(ctx context.Context, s *record.Schema, keys []any) (int64, error) {
	c, err := p.sources.Writer(ctx)
	if err != nil {
		return 0, err
	}

	stmt := "\nDELETE FROM " + sqlfmt.Ident(c.Table(s.Table())) +
		"\nWHERE " + sqlfmt.Ident(s.PK()) + " IN (" + sqlfmt.List(keys) + ")\n"

	res, err := c.Execute(ctx, stmt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

// CreateTable creates the table of entityType if it does not exist.
func (p *Provider) CreateTable(ctx context.Context, entityType string) error {
	_, s, err := p.scratch(entityType)
	if err != nil {
		return err
	}

	c, err := p.sources.Writer(ctx)
	if err != nil {
		return err
	}

	stmt, err := CreateTable(s, c.TablePrefix())
	if err != nil {
		return err
	}

	_, err = c.Execute(ctx, stmt)
	return err
}

// DropTable drops the table of entityType if it exists.
func (p *Provider) DropTable(ctx context.Context, entityType string) error {
	_, s, err := p.scratch(entityType)
	if err != nil {
		return err
	}

	c, err := p.sources.Writer(ctx)
	if err != nil {
		return err
	}

	_, err = c.Execute(ctx, DropTable(s, c.TablePrefix()))
	return err
}

func pkLiteral(r *record.Record) (string, error) {
	s := r.Schema()
	stored, err := r.Stored(s.PK())
	if err != nil {
		return "", err
	}
	f, _ := s.Field(s.PK())
	return literal(f, stored), nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
