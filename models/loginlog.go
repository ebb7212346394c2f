package models

import (
	"github.com/dekarrin/graphite/record"
)

// LoginLogSchema describes one successful sign-in.
var LoginLogSchema = record.MustDefine(loginLogDefinition())

func loginLogDefinition() record.Definition {
	d := record.Definition{
		Name:    LoginLogType,
		Table:   "LoginLog",
		PK:      "loginlog_id",
		Indexes: []record.Index{{Columns: []string{"login_id"}}},
	}

	d.Add("loginlog_id", record.KindInt, record.Constraints{Min: record.Bound(1), Guard: true}).
		Add("created_uts", record.KindTimestamp, record.Constraints{Min: record.Bound(0), Guard: true}).
		Add("updated_dts", record.KindDateTime, record.Constraints{MinExpr: "now", Default: "now", Guard: true}).
		Add("login_id", record.KindInt, record.Constraints{Min: record.Bound(0)}).
		Add("ip", record.KindIP, record.Constraints{DDL: "`ip` int(10) unsigned NOT NULL DEFAULT 0"}).
		Add("ua", record.KindString, record.Constraints{Max: record.Bound(255)}).
		Add("login_uts", record.KindTimestamp, record.Constraints{Min: record.Bound(0), Default: "now", DDL: "`login_uts` int(10) unsigned NOT NULL DEFAULT 0"})

	return d
}

// LoginLog is one successful sign-in of a Login.
type LoginLog struct {
	*record.Record
}

// NewLoginLog returns an empty LoginLog.
func NewLoginLog() (*LoginLog, error) {
	r, err := record.New(LoginLogSchema)
	if err != nil {
		return nil, err
	}
	return &LoginLog{Record: r}, nil
}
