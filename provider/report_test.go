package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/record"
	"github.com/stretchr/testify/assert"
)

func widgetReportParams() *record.Schema {
	d := record.Definition{Name: "WidgetSearch"}
	d.Add("label", record.KindString, record.Constraints{Max: record.Bound(20)}).
		Add("statuses", record.KindArray, record.Constraints{}).
		Add("active", record.KindBool, record.Constraints{}).
		Add("code", record.KindString, record.Constraints{Max: record.Bound(4), Strict: true}).
		Add("unconditioned", record.KindInt, record.Constraints{})
	return record.MustDefineTransient(d)
}

func widgetReport() *Report {
	return &Report{
		Name:   "WidgetHits",
		Params: widgetReportParams(),
		Conditions: map[string]string{
			"label":    "w.`label` = %s",
			"statuses": "w.`status` IN (%s)",
			"active":   "w.`active` = %s",
			"code":     "w.`code` = %s",
		},
		Query: func(prefix string) string {
			return "SELECT w.`label`, COUNT(*) AS `hits` FROM `" + prefix + "Widgets` w WHERE %s GROUP BY w.`label`"
		},
		Orderables: []string{"label", "hits"},
		Order:      []OrderTerm{Desc("hits")},
	}
}

func Test_Report_Validate(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(rep *Report)
		expectErr bool
	}{
		{name: "valid", modify: func(rep *Report) {}},
		{
			name:      "persisted parameter schema",
			modify:    func(rep *Report) { rep.Params = widgetSchema() },
			expectErr: true,
		},
		{
			name:      "no parameter schema",
			modify:    func(rep *Report) { rep.Params = nil },
			expectErr: true,
		},
		{
			name:      "no query",
			modify:    func(rep *Report) { rep.Query = nil },
			expectErr: true,
		},
		{
			name:      "condition on undeclared parameter",
			modify:    func(rep *Report) { rep.Conditions["colour"] = "w.`colour` = %s" },
			expectErr: true,
		},
		{
			name:      "condition without verb",
			modify:    func(rep *Report) { rep.Conditions["label"] = "w.`label` = 'x'" },
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			rep := widgetReport()
			tc.modify(rep)

			err := rep.Validate()

			if tc.expectErr {
				var cfgErr *ConfigError
				assert.ErrorAs(err, &cfgErr)
				return
			}
			assert.NoError(err)
		})
	}
}

func Test_Provider_RunReport(t *testing.T) {
	const selectPart = "SELECT w.`label`, COUNT(*) AS `hits` FROM `g_Widgets` w WHERE "
	const groupPart = " GROUP BY w.`label`"

	testCases := []struct {
		name   string
		modify func(rep *Report)
		query  Query
		expect string
	}{
		{
			name:   "defaults",
			expect: selectPart + "1" + groupPart + "\nORDER BY `hits` DESC\nLIMIT 0,10000",
		},
		{
			name:   "report paging",
			modify: func(rep *Report) { rep.Count, rep.Start = 25, 50 },
			expect: selectPart + "1" + groupPart + "\nORDER BY `hits` DESC\nLIMIT 50,25",
		},
		{
			name: "conditions in parameter order",
			query: Query{Params: map[string]any{
				"active":        false,
				"label":         "it's",
				"statuses":      []int{1, 2},
				"unconditioned": 4,
				"colour":        "red",
				"code":          nil,
			}},
			expect: selectPart + "w.`label` = 'it\\'s' AND w.`status` IN (1, 2) AND w.`active` = b'0'" + groupPart +
				"\nORDER BY `hits` DESC\nLIMIT 0,10000",
		},
		{
			name: "empty array left out",
			query: Query{Params: map[string]any{
				"statuses": []string{},
			}},
			expect: selectPart + "1" + groupPart + "\nORDER BY `hits` DESC\nLIMIT 0,10000",
		},
		{
			name: "order filtered and explicit limit",
			query: Query{
				Order:  []OrderTerm{Asc("label"), Desc("secret")},
				Limit:  5,
				Offset: 10,
			},
			expect: selectPart + "1" + groupPart + "\nORDER BY `label` ASC\nLIMIT 10,5",
		},
		{
			name:   "no usable order",
			query:  Query{Order: []OrderTerm{Desc("secret")}, Limit: "all"},
			expect: selectPart + "1" + groupPart,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			p, mock, _ := newTestProvider(t, "g_")
			rep := widgetReport()
			if tc.modify != nil {
				tc.modify(rep)
			}

			mock.ExpectQuery(tc.expect).
				WillReturnRows(sqlmock.NewRows([]string{"label", "hits"}).
					AddRow("sprocket", int64(3)).
					AddRow("gear", int64(1)))

			rows, err := p.RunReport(context.Background(), rep, tc.query)
			if !assert.NoError(err) {
				return
			}

			if assert.Len(rows, 2) {
				assert.Equal("sprocket", fmt.Sprint(rows[0]["label"]))
				assert.Equal("3", fmt.Sprint(rows[0]["hits"]))
			}
			assert.NoError(mock.ExpectationsWereMet())
		})
	}
}

func Test_Provider_RunReport_rejectedParam(t *testing.T) {
	assert := assert.New(t)

	p, mock, _ := newTestProvider(t, "")

	_, err := p.RunReport(context.Background(), widgetReport(), Where(map[string]any{"code": "toolong"}))

	assert.ErrorIs(err, graphite.ErrBadArgument)
	assert.NoError(mock.ExpectationsWereMet())
}

func Test_Provider_transient(t *testing.T) {
	assert := assert.New(t)

	p, mock, _ := newTestProvider(t, "")
	params := widgetReportParams()
	p.registry.MustRegister("WidgetSearch", record.SchemaFactory(params))

	r, err := record.NewFromMap(params, map[string]any{"label": "gear"}, false)
	if !assert.NoError(err) {
		return
	}

	var cfgErr *ConfigError

	_, err = p.Insert(context.Background(), r)
	assert.ErrorAs(err, &cfgErr)

	_, err = p.Upsert(context.Background(), r)
	assert.ErrorAs(err, &cfgErr)

	err = p.Update(context.Background(), r)
	assert.ErrorAs(err, &cfgErr)

	_, err = p.Delete(context.Background(), r)
	assert.ErrorAs(err, &cfgErr)

	_, err = p.DeleteBatch(context.Background(), []record.Entity{r})
	assert.ErrorAs(err, &cfgErr)

	_, err = p.Find(context.Background(), "WidgetSearch", Query{})
	assert.ErrorAs(err, &cfgErr)

	_, err = p.Count(context.Background(), "WidgetSearch", nil)
	assert.ErrorAs(err, &cfgErr)

	assert.NoError(mock.ExpectationsWereMet())
}
