// Package models holds the stock entity types: logins, the roles granted to
// them, the log of each successful sign-in, and the revision history of other
// records. Register adds all of them to a record.Registry so the data provider
// can find them by name. LoginActivity is a stock report over logins and
// their sign-ins.
package models

import (
	"strings"
	"time"

	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/record"
)

// Entity type names, as registered by Register.
const (
	LoginType    = "Login"
	RoleType     = "Role"
	LoginLogType = "LoginLog"
	RevisionType = "Revision"
)

// now returns the current time. Tests replace it.
var now = time.Now

// Register adds the stock entity types to reg.
func Register(reg *record.Registry) error {
	factories := []struct {
		name string
		f    record.Factory
	}{
		{LoginType, func() (record.Entity, error) { return NewLogin() }},
		{RoleType, func() (record.Entity, error) { return NewRole() }},
		{LoginLogType, func() (record.Entity, error) { return NewLoginLog() }},
		{RevisionType, func() (record.Entity, error) { return NewRevision() }},
	}

	for _, f := range factories {
		if err := reg.Register(f.name, f.f); err != nil {
			return err
		}
	}
	return nil
}

// Schemas returns the schemas of the stock entity types, in the order their
// tables can be created.
func Schemas() []*record.Schema {
	return []*record.Schema{LoginSchema, RoleSchema, LoginLogSchema, RevisionSchema}
}

// selectColumns returns "t.`a`, t.`b`, ..." for the fields of d.
func selectColumns(d record.Definition) string {
	cols := make([]string, len(d.Fields))
	for i := range d.Fields {
		cols[i] = "t." + sqlfmt.Ident(d.Fields[i].Name)
	}
	return strings.Join(cols, ", ")
}
