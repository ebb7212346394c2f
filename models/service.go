package models

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"strconv"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/actor"
	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/provider"
)

// LoginService signs logins in and out and manages them and their roles. It
// persists through its Provider, which must have the stock entity types
// registered.
//
// The zero-value of LoginService is not ready to be used until its Provider is
// set.
type LoginService struct {
	Provider *provider.Provider
}

// Login verifies the provided loginname and password and returns the Login
// they are valid for. On success the sign-in time, IP address and user agent
// are saved on the Login and a LoginLog entry is written.
//
// The returned error, if non-nil, will return true for various calls to
// errors.Is depending on what caused the error. If the credentials do not match
// an enabled login, it will match graphite.ErrBadCredentials. If the error
// occured due to an unexpected problem with the DB, it will match
// graphite.ErrDB.
func (svc LoginService) Login(ctx context.Context, loginname, password, ip, userAgent string) (*Login, error) {
	e, err := svc.Provider.FindOne(ctx, LoginType, provider.Where(map[string]any{"loginname": loginname}))
	if err != nil {
		if errors.Is(err, graphite.ErrNotFound) || errors.Is(err, graphite.ErrBadArgument) {
			return nil, graphite.ErrBadCredentials
		}
		return nil, err
	}
	l := e.(*Login)

	if l.Bool("disabled") {
		return nil, graphite.NewError("login is disabled", graphite.ErrBadCredentials)
	}
	if err := l.CheckPassword(password); err != nil {
		return nil, err
	}

	// successful login; update the DB
	ts := now().Unix()
	if err := l.Set("login_uts", ts); err != nil {
		return nil, err
	}
	if err := l.Set("active_uts", ts); err != nil {
		return nil, err
	}
	if ip != "" {
		if err := l.Set("lastIP", ip); err != nil {
			return nil, graphite.NewError("", err, graphite.ErrBadArgument)
		}
	}
	if err := l.Set("UA", fmt.Sprintf("%x", sha1.Sum([]byte(userAgent)))); err != nil {
		return nil, err
	}
	if err := svc.Provider.Update(ctx, l); err != nil && !errors.Is(err, graphite.ErrNoDiff) {
		return nil, graphite.NewError("cannot update login time", err)
	}

	entry, err := NewLoginLog()
	if err != nil {
		return nil, err
	}
	if _, err := entry.SetAll(map[string]any{
		"created_uts": ts,
		"login_id":    l.ID(),
		"ip":          l.MustGet("lastIP"),
		"ua":          userAgent,
		"login_uts":   ts,
	}); err != nil {
		return nil, err
	}
	if _, err := svc.Provider.Insert(ctx, entry); err != nil {
		return nil, graphite.NewError("cannot record login", err)
	}

	return l, nil
}

// Logout marks the login with the given ID as having signed out. Returns the
// Login that was signed out.
//
// The returned error, if non-nil, will return true for various calls to
// errors.Is depending on what caused the error. If the login doesn't exist, it
// will match graphite.ErrNotFound. If the error occured due to an unexpected
// problem with the DB, it will match graphite.ErrDB.
func (svc LoginService) Logout(ctx context.Context, id int64) (*Login, error) {
	e, err := svc.Provider.ByPK(ctx, LoginType, id)
	if err != nil {
		return nil, err
	}
	l := e.(*Login)

	if err := l.Set("logout_uts", now().Unix()); err != nil {
		return nil, err
	}
	if err := svc.Provider.Update(ctx, l); err != nil && !errors.Is(err, graphite.ErrNoDiff) {
		return nil, graphite.NewError("could not update login", err)
	}

	return l, nil
}

// CreateLogin creates a new login with the given loginname, password, and
// email. The current actor in ctx is recorded as its referrer. Returns the
// newly-created Login.
//
// The returned error, if non-nil, will return true for various calls to
// errors.Is depending on what caused the error. If a login with that loginname
// is already present, it will match graphite.ErrAlreadyExists. If one of the
// arguments is invalid, it will match graphite.ErrRejected or
// graphite.ErrBadArgument. If the error occured due to an unexpected problem
// with the DB, it will match graphite.ErrDB.
func (svc LoginService) CreateLogin(ctx context.Context, loginname, password, email string) (*Login, error) {
	l, err := NewLoginDefaults()
	if err != nil {
		return nil, err
	}
	if err := l.SetLoginname(loginname); err != nil {
		return nil, err
	}
	if err := l.SetPassword(password); err != nil {
		return nil, err
	}
	if email != "" {
		if err := l.Set("email", email); err != nil {
			return nil, err
		}
	}

	n, err := svc.Provider.Count(ctx, LoginType, map[string]any{"loginname": loginname})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, graphite.NewError(fmt.Sprintf("loginname %q is taken", loginname), graphite.ErrAlreadyExists)
	}

	if _, err := svc.Provider.Insert(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Grant grants the role to the login. The current actor in ctx is recorded
// as the grantor.
func (svc LoginService) Grant(ctx context.Context, roleID, loginID int64) error {
	if roleID < 1 || loginID < 1 {
		return graphite.NewError("role and login IDs must be positive", graphite.ErrBadArgument)
	}

	c, err := svc.Provider.Sources().Writer(ctx)
	if err != nil {
		return err
	}

	stmt := "INSERT INTO " + sqlfmt.Ident(c.Table(rolesLoginsTable)) +
		" (`role_id`, `login_id`, `grantor_id`, `created_uts`)" +
		"\nVALUES (" + sqlfmt.List([]any{roleID, loginID, actor.FromContext(ctx), now().Unix()}) + ")"

	_, err = c.Execute(ctx, stmt)
	return err
}

// Revoke removes the role from the login.
func (svc LoginService) Revoke(ctx context.Context, roleID, loginID int64) error {
	if roleID < 1 || loginID < 1 {
		return graphite.NewError("role and login IDs must be positive", graphite.ErrBadArgument)
	}

	c, err := svc.Provider.Sources().Writer(ctx)
	if err != nil {
		return err
	}

	stmt := "DELETE FROM " + sqlfmt.Ident(c.Table(rolesLoginsTable)) +
		"\nWHERE `role_id` = " + strconv.FormatInt(roleID, 10) +
		" AND `login_id` = " + strconv.FormatInt(loginID, 10)

	_, err = c.Execute(ctx, stmt)
	return err
}

// Members returns the logins the role is granted to, each mapped to the login
// that granted it.
func (svc LoginService) Members(ctx context.Context, roleID int64) (map[int64]int64, error) {
	c, err := svc.Provider.Sources().Reader(ctx)
	if err != nil {
		return nil, err
	}

	stmt := "SELECT rl.`login_id`, rl.`grantor_id`" +
		"\nFROM " + sqlfmt.Ident(c.Table(rolesLoginsTable)) + " rl" +
		"\nWHERE rl.`role_id` = " + strconv.FormatInt(roleID, 10)

	rows, err := c.ExecuteToMap(ctx, stmt, "login_id")
	if err != nil {
		return nil, err
	}

	members := make(map[int64]int64, rows.Len())
	for _, key := range rows.Keys {
		loginID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, graphite.NewError(fmt.Sprintf("login_id %q", key), err, graphite.ErrDecodingFailure)
		}
		grantor, err := strconv.ParseInt(fmt.Sprint(rows.Rows[key]["grantor_id"]), 10, 64)
		if err != nil {
			return nil, graphite.NewError(fmt.Sprintf("grantor_id of %d", loginID), err, graphite.ErrDecodingFailure)
		}
		members[loginID] = grantor
	}
	return members, nil
}

// JoinerTable returns the CREATE TABLE statement for the table that joins
// roles to logins, with prefix applied to the table name.
func JoinerTable(prefix string) string {
	return "CREATE TABLE IF NOT EXISTS " + sqlfmt.Ident(prefix+rolesLoginsTable) + " (\n" +
		"    `role_id` int(10) unsigned NOT NULL,\n" +
		"    `login_id` int(10) unsigned NOT NULL,\n" +
		"    `grantor_id` int(10) unsigned NOT NULL DEFAULT 0,\n" +
		"    `created_uts` int(10) unsigned NOT NULL DEFAULT 0,\n" +
		"    KEY (`login_id`),\n" +
		"    PRIMARY KEY(`role_id`,`login_id`)\n" +
		");"
}

// DropJoinerTable returns the DROP TABLE statement for the table that joins
// roles to logins, with prefix applied to the table name.
func DropJoinerTable(prefix string) string {
	return "DROP TABLE IF EXISTS " + sqlfmt.Ident(prefix+rolesLoginsTable) + ";"
}
