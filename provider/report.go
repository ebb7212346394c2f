package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/conn"
	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/record"
)

// DefaultReportCount is the number of rows a report returns when neither the
// query nor the report sets a limit.
const DefaultReportCount = 10000

// Report is a read-only query whose WHERE clause is assembled from SQL
// conditions attached to its parameters. Its rows are returned as the server
// sends them. Reports are never written.
type Report struct {
	// Name identifies the report in errors and logs.
	Name string

	// Params declares the parameters the report accepts. It must be a
	// transient schema. Values are set on a record of it before use, so kinds
	// and bounds apply to them as they would on assignment.
	Params *record.Schema

	// Conditions maps parameter names to SQL conditions. Each condition has a
	// single %s verb that receives the SQL literal of the value, or for array
	// parameters the comma-separated literals of its elements. Parameters
	// without a condition are ignored.
	Conditions map[string]string

	// Query returns the SELECT statement with a single %s verb where the
	// conditions go, joined with AND. prefix is the table prefix of the
	// connection the statement will run on.
	Query func(prefix string) string

	// Orderables lists the columns results may be ordered by.
	Orderables []string

	// Order is used when the query gives none.
	Order []OrderTerm

	// Count and Start are the limit and offset used when the query gives no
	// limit. A zero Count is DefaultReportCount.
	Count int64
	Start int64

	// Source names the database source the report reads from.
	Source string
}

// Validate returns a *ConfigError if rep cannot be run.
func (rep *Report) Validate() error {
	if rep.Params == nil || !rep.Params.Transient() {
		return &ConfigError{Entity: rep.Name, Msg: "report parameters must be a transient schema"}
	}
	if rep.Query == nil {
		return &ConfigError{Entity: rep.Name, Msg: "report has no query"}
	}
	for name, cond := range rep.Conditions {
		if !rep.Params.Has(name) {
			return &ConfigError{Entity: rep.Name, Field: name, Msg: "condition on undeclared parameter"}
		}
		if strings.Count(cond, "%s") != 1 {
			return &ConfigError{Entity: rep.Name, Field: name, Msg: "condition must have exactly one %s"}
		}
	}
	return nil
}

// RunReport runs rep with the parameters in q.Params and returns its rows.
// Parameters that are null after sanitizing are left out. q.Order is
// filtered through rep.Orderables; with no order rep.Order is used. If
// q.Limit is nil, rep.Count and rep.Start are used.
func (p *Provider) RunReport(ctx context.Context, rep *Report, q Query) ([]conn.Row, error) {
	if err := rep.Validate(); err != nil {
		return nil, err
	}

	where, err := reportWhere(rep, q.Params)
	if err != nil {
		return nil, err
	}

	order := q.Order
	if len(order) == 0 {
		order = rep.Order
	}

	limit, offset := q.Limit, q.Offset
	if limit == nil {
		count := rep.Count
		if count == 0 {
			count = DefaultReportCount
		}
		limit, offset = count, rep.Start
	}

	c, err := p.sources.ForRead(ctx, rep.Source)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf(rep.Query(c.TablePrefix()), where) +
		buildOrderBy(order, rep.Orderables, "") +
		buildLimit(limit, offset)

	res, err := c.Execute(ctx, stmt)
	if err != nil {
		return nil, err
	}
	p.log.Tracef("report %s: %d row(s)", rep.Name, res.Len())
	return res.Rows, nil
}

// reportWhere joins the conditions of the non-null parameters in params, in
// the declaration order of rep.Params. It returns "1" if there are none.
func reportWhere(rep *Report, params map[string]any) (string, error) {
	scratch, err := record.New(rep.Params)
	if err != nil {
		return "", err
	}

	var conds []string
	for _, f := range rep.Params.Fields() {
		cond, ok := rep.Conditions[f.Name]
		if !ok {
			continue
		}
		v, ok := params[f.Name]
		if !ok || v == nil {
			continue
		}

		stored, err := sanitize(scratch, f.Name, v)
		if err != nil {
			return "", graphite.NewError("report "+rep.Name, err)
		}
		if stored == nil {
			continue
		}

		var lit string
		if f.Kind == record.KindArray {
			elems, _ := listElements(scratch.MustGet(f.Name))
			if len(elems) == 0 {
				continue
			}
			lit = sqlfmt.List(elems)
		} else {
			lit = literal(f, stored)
		}
		conds = append(conds, fmt.Sprintf(cond, lit))
	}

	if len(conds) == 0 {
		return "1", nil
	}
	return strings.Join(conds, " AND "), nil
}
