package models

import (
	"context"

	"github.com/dekarrin/graphite/actor"
	"github.com/dekarrin/graphite/record"
)

// RoleSchema describes a named set of responsibilities that can be granted to
// logins.
var RoleSchema = record.MustDefine(roleDefinition())

func roleDefinition() record.Definition {
	d := record.Definition{
		Name:    RoleType,
		Table:   "Role",
		PK:      "role_id",
		Joiners: map[string]string{LoginType: rolesLoginsTable},
		Indexes: []record.Index{{Columns: []string{"label"}, Unique: true}},
	}

	d.Add("role_id", record.KindInt, record.Constraints{Min: record.Bound(1), Guard: true}).
		Add("created_uts", record.KindTimestamp, record.Constraints{Min: record.Bound(0), Guard: true}).
		Add("updated_dts", record.KindDateTime, record.Constraints{MinExpr: "now", Default: "now", Guard: true}).
		Add("creator_id", record.KindInt, record.Constraints{Strict: true, Default: 0, Min: record.Bound(1)}).
		Add("label", record.KindString, record.Constraints{Strict: true, Min: record.Bound(3), Max: record.Bound(255), Required: true}).
		Add("description", record.KindString, record.Constraints{Strict: true, Min: record.Bound(3), Max: record.Bound(255), Required: true}).
		Add("disabled", record.KindBool, record.Constraints{Default: 0})

	return d
}

// Role is a named set of responsibilities.
type Role struct {
	*record.Record
}

// NewRole returns an empty Role.
func NewRole() (*Role, error) {
	r, err := record.New(RoleSchema)
	if err != nil {
		return nil, err
	}
	return &Role{Record: r}, nil
}

// NewRoleDefaults returns a Role with every field set to its default.
func NewRoleDefaults() (*Role, error) {
	r, err := record.NewDefaults(RoleSchema)
	if err != nil {
		return nil, err
	}
	return &Role{Record: r}, nil
}

// ID returns the role_id of r, or 0 if it has not been saved.
func (r *Role) ID() int64 {
	return r.Int("role_id")
}

// BeforeInsert stamps created_uts and, if no creator is set, records the
// current actor as the creator.
func (r *Role) BeforeInsert(ctx context.Context) error {
	if err := r.Set("created_uts", now().Unix()); err != nil {
		return err
	}
	if r.Int("creator_id") < 1 {
		if id := actor.FromContext(ctx); id != actor.None {
			return r.Set("creator_id", id)
		}
	}
	return nil
}

// BeforeUpdate stamps updated_dts.
func (r *Role) BeforeUpdate(ctx context.Context) error {
	return r.Set("updated_dts", now())
}
