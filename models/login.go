package models

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/actor"
	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/record"
)

// rolesLoginsTable joins logins to the roles granted to them.
const rolesLoginsTable = "Roles_Logins"

// LoginSchema describes a site user.
var LoginSchema = record.MustDefine(loginDefinition())

func loginDefinition() record.Definition {
	d := record.Definition{
		Name:    LoginType,
		Table:   "Login",
		PK:      "login_id",
		Joiners: map[string]string{RoleType: rolesLoginsTable},
		Indexes: []record.Index{{Columns: []string{"loginname"}, Unique: true}},
	}

	d.Add("login_id", record.KindInt, record.Constraints{Min: record.Bound(1), Guard: true}).
		Add("created_uts", record.KindTimestamp, record.Constraints{Min: record.Bound(0), Guard: true}).
		Add("updated_dts", record.KindDateTime, record.Constraints{MinExpr: "now", Default: "now", Guard: true}).
		Add("edited_uts", record.KindDateTime, record.Constraints{MinExpr: "now", Default: "now", Guard: true, DDL: "`edited_uts` datetime NOT NULL"}).
		Add("active_uts", record.KindTimestamp, record.Constraints{Min: record.Bound(0)}).
		Add("login_uts", record.KindTimestamp, record.Constraints{Min: record.Bound(0)}).
		Add("logout_uts", record.KindTimestamp, record.Constraints{Min: record.Bound(0)}).
		Add("loginname", record.KindString, record.Constraints{Strict: true, Min: record.Bound(3), Max: record.Bound(255), Required: true}).
		Add("password", record.KindString, record.Constraints{Strict: true, Min: record.Bound(3), Max: record.Bound(255), Required: true}).
		Add("realname", record.KindString, record.Constraints{Max: record.Bound(255)}).
		Add("email", record.KindEmail, record.Constraints{Max: record.Bound(255)}).
		Add("comment", record.KindString, record.Constraints{Max: record.Bound(255)}).
		Add("UA", record.KindString, record.Constraints{Min: record.Bound(40), Max: record.Bound(40)}).
		Add("lastIP", record.KindIP, record.Constraints{}).
		Add("referrer_id", record.KindInt, record.Constraints{Strict: true, Default: 0, Min: record.Bound(1)}).
		Add("disabled", record.KindBool, record.Constraints{Default: 0}).
		Add("flagChangePass", record.KindBool, record.Constraints{Default: 1})

	cols := selectColumns(d)
	d.Query = func(prefix string) string {
		return "SELECT " + cols + ", GROUP_CONCAT(r.`label`) AS `roles`" +
			"\nFROM " + sqlfmt.Ident(prefix+"Login") + " t" +
			"\n    LEFT JOIN " + sqlfmt.Ident(prefix+rolesLoginsTable) + " rl ON t.`login_id` = rl.`login_id`" +
			"\n    LEFT JOIN " + sqlfmt.Ident(prefix+"Role") + " r ON r.`role_id` = rl.`role_id`"
	}

	return d
}

// fields whose change does not count as an edit of the login.
var loginMetaFields = map[string]bool{
	"login_uts":   true,
	"logout_uts":  true,
	"active_uts":  true,
	"edited_uts":  true,
	"created_uts": true,
	"lastIP":      true,
}

var loginnameRE = regexp.MustCompile(`^\w[\w\-@.]+$`)

// Login is a site user.
type Login struct {
	*record.Record
	roles []string
}

// NewLogin returns an empty Login.
func NewLogin() (*Login, error) {
	r, err := record.New(LoginSchema)
	if err != nil {
		return nil, err
	}
	return &Login{Record: r}, nil
}

// NewLoginDefaults returns a Login with every field set to its default.
func NewLoginDefaults() (*Login, error) {
	r, err := record.NewDefaults(LoginSchema)
	if err != nil {
		return nil, err
	}
	return &Login{Record: r}, nil
}

// ID returns the login_id of l, or 0 if it has not been saved.
func (l *Login) ID() int64 {
	return l.Int("login_id")
}

// Roles returns the labels of the roles granted to l, as of when it was
// loaded.
func (l *Login) Roles() []string {
	return append([]string(nil), l.roles...)
}

// HasRole returns whether the role with the given label is granted to l.
func (l *Login) HasRole(label string) bool {
	for _, r := range l.roles {
		if r == label {
			return true
		}
	}
	return false
}

// SetLoginname sets the loginname. Names must start with a word character,
// contain only word characters, '-', '@' and '.', and be at least three
// characters long.
func (l *Login) SetLoginname(name string) error {
	if !loginnameRE.MatchString(name) {
		return graphite.NewError(fmt.Sprintf("loginname: %q is not a valid loginname", name), graphite.ErrRejected)
	}
	return l.Set("loginname", name)
}

// SetPassword sets the password. A value that is already a password hash is
// stored as-is; anything else is hashed first.
func (l *Login) SetPassword(password string) error {
	if !IsHash(password) {
		var err error
		password, err = HashPassword(password)
		if err != nil {
			return err
		}
	}
	return l.Set("password", password)
}

// CheckPassword returns nil if password is the password of l. Otherwise the
// returned error matches graphite.ErrBadCredentials.
func (l *Login) CheckPassword(password string) error {
	return CheckPassword(password, l.Str("password"))
}

// PostLoad consumes the roles column produced by the Login query.
func (l *Login) PostLoad(ctx context.Context, extra map[string]any) (map[string]any, error) {
	l.roles = nil

	v, ok := extra["roles"]
	if !ok {
		return extra, nil
	}
	delete(extra, "roles")

	var list string
	switch tv := v.(type) {
	case string:
		list = tv
	case []byte:
		list = string(tv)
	}
	for _, label := range strings.Split(list, ",") {
		if label = strings.TrimSpace(label); label != "" {
			l.roles = append(l.roles, label)
		}
	}
	return extra, nil
}

// BeforeInsert stamps created_uts and, if no referrer is set, records the
// current actor as the referrer.
func (l *Login) BeforeInsert(ctx context.Context) error {
	if err := l.Set("created_uts", now().Unix()); err != nil {
		return err
	}
	if l.Int("referrer_id") < 1 {
		if id := actor.FromContext(ctx); id != actor.None {
			return l.Set("referrer_id", id)
		}
	}
	return nil
}

// BeforeUpdate stamps edited_uts if any field other than the sign-in
// bookkeeping fields changed.
func (l *Login) BeforeUpdate(ctx context.Context) error {
	for _, name := range l.DiffFields() {
		if !loginMetaFields[name] {
			return l.Set("edited_uts", now())
		}
	}
	return nil
}
