package models

import (
	"context"
	"fmt"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/actor"
	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/provider"
	"github.com/dekarrin/graphite/record"
)

// RevisionHistoryLimit is the number of revisions RevisionService.Get returns.
const RevisionHistoryLimit = 100

// RevisionSchema describes one recorded change to another record.
var RevisionSchema = record.MustDefine(revisionDefinition())

func revisionDefinition() record.Definition {
	d := record.Definition{
		Name:    RevisionType,
		Table:   "Revision",
		PK:      "revision_id",
		Indexes: []record.Index{{Columns: []string{"revisedModel", "revised_id"}}},
	}

	d.Add("revision_id", record.KindInt, record.Constraints{Min: record.Bound(1), Guard: true}).
		Add("created_uts", record.KindTimestamp, record.Constraints{Min: record.Bound(0), Guard: true}).
		Add("updated_dts", record.KindDateTime, record.Constraints{MinExpr: "now", Default: "now", Guard: true}).
		Add("revisedModel", record.KindString, record.Constraints{Min: record.Bound(0), Max: record.Bound(255)}).
		Add("revised_id", record.KindInt, record.Constraints{Min: record.Bound(0)}).
		Add("editor_id", record.KindInt, record.Constraints{Min: record.Bound(0)}).
		Add("changes", record.KindObject, record.Constraints{Strict: true, Max: record.Bound(655350)})

	cols := selectColumns(d)
	d.Query = func(prefix string) string {
		return "SELECT " + cols + ", l.`loginname`" +
			"\nFROM " + sqlfmt.Ident(prefix+"Revision") + " t" +
			"\n    LEFT JOIN " + sqlfmt.Ident(prefix+"Login") + " l ON t.`editor_id` = l.`login_id`"
	}

	return d
}

// Revision is one recorded change to another record.
type Revision struct {
	*record.Record
	loginname string
}

// NewRevision returns an empty Revision.
func NewRevision() (*Revision, error) {
	r, err := record.New(RevisionSchema)
	if err != nil {
		return nil, err
	}
	return &Revision{Record: r}, nil
}

// ID returns the revision_id of rev, or 0 if it has not been saved.
func (rev *Revision) ID() int64 {
	return rev.Int("revision_id")
}

// Loginname returns the loginname of the editor, as of when rev was loaded.
// It is empty if the editor is unknown.
func (rev *Revision) Loginname() string {
	return rev.loginname
}

// Changes returns the recorded change data.
func (rev *Revision) Changes() map[string]any {
	m, _ := rev.MustGet("changes").(map[string]any)
	return m
}

// PostLoad consumes the loginname column produced by the Revision query.
func (rev *Revision) PostLoad(ctx context.Context, extra map[string]any) (map[string]any, error) {
	rev.loginname = ""

	v, ok := extra["loginname"]
	if !ok {
		return extra, nil
	}
	delete(extra, "loginname")

	switch tv := v.(type) {
	case string:
		rev.loginname = tv
	case []byte:
		rev.loginname = string(tv)
	}
	return extra, nil
}

// BeforeInsert stamps created_uts.
func (rev *Revision) BeforeInsert(ctx context.Context) error {
	return rev.Set("created_uts", now().Unix())
}

// RevisionService records and recalls the change history of records.
//
// The zero-value of RevisionService is not ready to be used until its
// Provider is set.
type RevisionService struct {
	Provider *provider.Provider
}

// Log records a change to the record of the given model with the given key.
// model is usually a table or entity type name but may be any grouping. The
// current actor in ctx is recorded as the editor. data must be an object.
func (svc RevisionService) Log(ctx context.Context, model string, key int64, data any) (*Revision, error) {
	rev, err := NewRevision()
	if err != nil {
		return nil, err
	}

	if err := rev.Set("revisedModel", model); err != nil {
		return nil, err
	}
	if err := rev.Set("revised_id", key); err != nil {
		return nil, err
	}
	if err := rev.Set("changes", data); err != nil {
		return nil, graphite.NewError("revision changes", err, graphite.ErrBadArgument)
	}
	if err := rev.Set("editor_id", actor.FromContext(ctx)); err != nil {
		return nil, err
	}

	if _, err := svc.Provider.Insert(ctx, rev); err != nil {
		return nil, err
	}
	return rev, nil
}

// Get returns the most recent revisions of the record of the given model with
// the given key, newest first. At most RevisionHistoryLimit are returned.
func (svc RevisionService) Get(ctx context.Context, model string, key int64) ([]*Revision, error) {
	found, err := svc.Provider.Find(ctx, RevisionType, provider.Query{
		Params: map[string]any{"revisedModel": model, "revised_id": key},
		Order:  []provider.OrderTerm{provider.Desc("created_uts")},
		Limit:  RevisionHistoryLimit,
	})
	if err != nil {
		return nil, err
	}

	revs := make([]*Revision, 0, found.Len())
	for _, e := range found.All() {
		rev, ok := e.(*Revision)
		if !ok {
			return nil, fmt.Errorf("%s entity is a %T", RevisionType, e)
		}
		revs = append(revs, rev)
	}
	return revs, nil
}
