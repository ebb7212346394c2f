package models

import (
	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/provider"
	"github.com/dekarrin/graphite/record"
)

// LoginActivityParams are the parameters accepted by LoginActivity.
var LoginActivityParams = record.MustDefineTransient(loginActivityParams())

func loginActivityParams() record.Definition {
	d := record.Definition{Name: "LoginActivityParams"}

	d.Add("login_id", record.KindInt, record.Constraints{Min: record.Bound(1)}).
		Add("loginnames", record.KindArray, record.Constraints{}).
		Add("since", record.KindTimestamp, record.Constraints{Min: record.Bound(0)}).
		Add("disabled", record.KindBool, record.Constraints{})

	return d
}

// LoginActivity reports, per login, how many sign-ins were logged and when
// the latest was. With since, only sign-ins at or after it are counted and
// logins without any are left out.
var LoginActivity = &provider.Report{
	Name:   "LoginActivity",
	Params: LoginActivityParams,
	Conditions: map[string]string{
		"login_id":   "l.`login_id` = %s",
		"loginnames": "l.`loginname` IN (%s)",
		"since":      "ll.`login_uts` >= %s",
		"disabled":   "l.`disabled` = %s",
	},
	Query: func(prefix string) string {
		return "SELECT l.`login_id`, l.`loginname`, COUNT(ll.`loginlog_id`) AS `logins`, MAX(ll.`login_uts`) AS `last_uts`" +
			"\nFROM " + sqlfmt.Ident(prefix+"Login") + " l" +
			"\n    LEFT JOIN " + sqlfmt.Ident(prefix+"LoginLog") + " ll ON ll.`login_id` = l.`login_id`" +
			"\nWHERE %s" +
			"\nGROUP BY l.`login_id`"
	},
	Orderables: []string{"loginname", "logins", "last_uts"},
	Order:      []provider.OrderTerm{provider.Desc("logins")},
	Count:      500,
}
