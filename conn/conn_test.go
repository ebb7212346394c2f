package conn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/config"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

// mockServer hands out one sqlmock database per call to its opener, in order.
type mockServer struct {
	dbs    []*sql.DB
	mocks  []sqlmock.Sqlmock
	opened int
	sent   []string
}

func newMockServer(t *testing.T, n int) *mockServer {
	ms := &mockServer{}
	matcher := sqlmock.QueryMatcherFunc(func(expectedSQL, actualSQL string) error {
		ms.sent = append(ms.sent, actualSQL)
		if !strings.HasSuffix(actualSQL, expectedSQL) {
			return fmt.Errorf("statement %q does not end with %q", actualSQL, expectedSQL)
		}
		return nil
	})

	for i := 0; i < n; i++ {
		db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(matcher))
		if err != nil {
			t.Fatalf("create mock: %v", err)
		}
		ms.dbs = append(ms.dbs, db)
		ms.mocks = append(ms.mocks, mock)
	}
	return ms
}

func (ms *mockServer) open(ctx context.Context, cred Credentials) (*sql.DB, error) {
	if ms.opened >= len(ms.dbs) {
		return nil, errors.New("connection refused")
	}
	db := ms.dbs[ms.opened]
	ms.opened++
	return db, nil
}

func (ms *mockServer) assertMet(assert *assert.Assertions) {
	for i, m := range ms.mocks {
		assert.NoError(m.ExpectationsWereMet(), "mock connection %d", i)
	}
}

type recordingLogger struct {
	graphite.NoOpLogger
	warns []string
	errs  []string
}

func (l *recordingLogger) Warnf(msg string, a ...interface{}) {
	l.warns = append(l.warns, fmt.Sprintf(msg, a...))
}

func (l *recordingLogger) Errorf(msg string, a ...interface{}) {
	l.errs = append(l.errs, fmt.Sprintf(msg, a...))
}

var testCreds = Credentials{Host: "db.example", User: "app", Name: "site", Port: 3306}

func Test_Connection_Execute(t *testing.T) {
	t.Run("statement without rows", func(t *testing.T) {
		assert := assert.New(t)

		ms := newMockServer(t, 1)
		ms.mocks[0].
			ExpectExec("UPDATE `Logins` SET `comment` = 'hi'").
			WillReturnResult(sqlmock.NewResult(0, 2))
		ms.mocks[0].ExpectClose()

		c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
		if !assert.NoError(err) {
			return
		}

		res, err := c.Execute(context.Background(), "UPDATE `Logins` SET `comment` = 'hi'")
		if !assert.NoError(err) {
			return
		}

		assert.Equal(int64(2), res.RowsAffected)
		assert.Equal(int64(2), c.AffectedRows())
		assert.Equal(int64(0), c.InsertID())
		assert.Equal(uint16(0), c.ErrNo())
		assert.Equal("", c.ErrText())
		assert.Equal(0, res.Len())

		assert.NoError(c.Close())
		ms.assertMet(assert)
	})

	t.Run("insert sets insert id", func(t *testing.T) {
		assert := assert.New(t)

		ms := newMockServer(t, 1)
		ms.mocks[0].
			ExpectExec("INSERT INTO `Roles` (`label`) VALUES ('admin')").
			WillReturnResult(sqlmock.NewResult(14, 1))
		ms.mocks[0].ExpectClose()

		c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
		if !assert.NoError(err) {
			return
		}

		_, err = c.Execute(context.Background(), "INSERT INTO `Roles` (`label`) VALUES ('admin')")
		if !assert.NoError(err) {
			return
		}

		assert.Equal(int64(14), c.InsertID())
		assert.Equal(int64(1), c.AffectedRows())

		assert.NoError(c.Close())
		ms.assertMet(assert)
	})

	t.Run("statement with rows", func(t *testing.T) {
		assert := assert.New(t)

		ms := newMockServer(t, 1)
		ms.mocks[0].
			ExpectQuery("SELECT t.`login_id`, t.`loginname` FROM `Logins` t").
			WillReturnRows(sqlmock.NewRows([]string{"login_id", "loginname"}).
				AddRow(int64(1), []byte("ann")).
				AddRow(int64(2), nil))
		ms.mocks[0].ExpectClose()

		c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
		if !assert.NoError(err) {
			return
		}

		res, err := c.Execute(context.Background(), "SELECT t.`login_id`, t.`loginname` FROM `Logins` t")
		if !assert.NoError(err) {
			return
		}

		expect := []Row{
			{"login_id": int64(1), "loginname": "ann"},
			{"login_id": int64(2), "loginname": nil},
		}
		assert.Equal(expect, res.Rows)
		assert.Equal([]string{"login_id", "loginname"}, res.Columns)
		assert.Equal(expect[0], res.First())
		assert.Equal(int64(2), c.AffectedRows())

		assert.NoError(c.Close())
		ms.assertMet(assert)
	})

	t.Run("server error is returned and recorded", func(t *testing.T) {
		assert := assert.New(t)

		ms := newMockServer(t, 1)
		ms.mocks[0].
			ExpectExec("INSERT INTO `Logins` (`loginname`) VALUES ('ann')").
			WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'ann' for key 'loginname'"})
		ms.mocks[0].ExpectClose()

		c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
		if !assert.NoError(err) {
			return
		}

		_, err = c.Execute(context.Background(), "INSERT INTO `Logins` (`loginname`) VALUES ('ann')")

		assert.ErrorIs(err, graphite.ErrDB)
		assert.ErrorIs(err, graphite.ErrConstraintViolation)
		assert.Equal(uint16(1062), c.ErrNo())
		assert.Contains(c.ErrText(), "Duplicate entry")
		assert.Equal(int64(-1), c.AffectedRows())

		assert.NoError(c.Close())
		ms.assertMet(assert)
	})
}

func Test_Connection_readOnly(t *testing.T) {
	assert := assert.New(t)

	ms := newMockServer(t, 1)
	ms.mocks[0].
		ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(int64(1)))
	ms.mocks[0].ExpectClose()

	c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open, ReadOnly: true})
	if !assert.NoError(err) {
		return
	}

	_, err = c.Execute(context.Background(), "DELETE FROM `Logins`")
	assert.ErrorIs(err, graphite.ErrReadOnly)
	assert.NotEmpty(c.ErrText())

	_, err = c.Execute(context.Background(), "SELECT 1")
	assert.NoError(err)
	assert.Equal("", c.ErrText())

	assert.NoError(c.Close())
	ms.assertMet(assert)
}

func Test_readOnlyAllowed(t *testing.T) {
	testCases := []struct {
		stmt   string
		expect bool
	}{
		{stmt: "SELECT * FROM t", expect: true},
		{stmt: "  \n\tselect 1", expect: true},
		{stmt: "EXPLAIN SELECT 1", expect: true},
		{stmt: "describe t", expect: true},
		{stmt: "SHOW TABLES", expect: true},
		{stmt: "SHOW DATABASES", expect: false},
		{stmt: "UPDATE t SET a = 1", expect: false},
		{stmt: "INSERT INTO t VALUES (1)", expect: false},
		{stmt: "delete from t", expect: false},
		{stmt: "DROP TABLE t", expect: false},
		{stmt: "sel", expect: false},
		{stmt: "", expect: false},
	}

	for _, tc := range testCases {
		t.Run(tc.stmt, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(tc.expect, readOnlyAllowed(tc.stmt))
		})
	}
}

func Test_returnsRows(t *testing.T) {
	testCases := []struct {
		stmt   string
		expect bool
	}{
		{stmt: "SELECT 1", expect: true},
		{stmt: "/* a.go:1 - x.Y */ SELECT 1", expect: true},
		{stmt: "\nSELECT t.`a` FROM `b` t", expect: true},
		{stmt: "SHOW TABLES", expect: true},
		{stmt: "explain select 1", expect: true},
		{stmt: "DESC t", expect: true},
		{stmt: "DELETE FROM t", expect: false},
		{stmt: "/* a.go:1 - x.Y */ UPDATE t SET a = 1", expect: false},
		{stmt: "SET @x = 1", expect: false},
		{stmt: "CREATE TABLE IF NOT EXISTS `t` (\n)", expect: false},
	}

	for _, tc := range testCases {
		t.Run(tc.stmt, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(tc.expect, returnsRows(tc.stmt))
		})
	}
}

func Test_Connection_sparse(t *testing.T) {
	assert := assert.New(t)

	ms := newMockServer(t, 3)
	ms.mocks[0].ExpectClose()
	ms.mocks[1].ExpectExec("SET @x = 1").WillReturnResult(sqlmock.NewResult(0, 0))
	ms.mocks[1].ExpectClose()
	ms.mocks[2].
		ExpectQuery("SELECT @x").
		WillReturnRows(sqlmock.NewRows([]string{"@x"}).AddRow(nil))
	ms.mocks[2].ExpectClose()

	c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open, Sparse: true})
	if !assert.NoError(err) {
		return
	}
	assert.True(c.IsOpen())
	assert.False(c.Connected())

	_, err = c.Execute(context.Background(), "SET @x = 1")
	if !assert.NoError(err) {
		return
	}
	assert.False(c.Connected())

	res, err := c.Execute(context.Background(), "SELECT @x")
	if !assert.NoError(err) {
		return
	}

	// each statement runs on its own physical connection
	assert.Nil(res.First()["@x"])
	assert.Equal(3, ms.opened)
	assert.True(c.IsOpen())
	assert.False(c.Connected())

	assert.NoError(c.Close())
	ms.assertMet(assert)
}

func Test_Connection_reconnect(t *testing.T) {
	gone := &mysql.MySQLError{Number: 2006, Message: "MySQL server has gone away"}
	lost := &mysql.MySQLError{Number: 2013, Message: "Lost connection to MySQL server during query"}

	t.Run("retries once after losing the connection", func(t *testing.T) {
		assert := assert.New(t)

		ms := newMockServer(t, 3)
		ms.mocks[0].ExpectExec("UPDATE t SET a = 1").WillReturnError(gone)
		ms.mocks[0].ExpectClose()
		ms.mocks[1].ExpectExec("UPDATE t SET a = 1").WillReturnResult(sqlmock.NewResult(0, 1))
		ms.mocks[1].ExpectClose()

		c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
		if !assert.NoError(err) {
			return
		}

		_, err = c.Execute(context.Background(), "UPDATE t SET a = 1")

		assert.NoError(err)
		assert.Equal(2, ms.opened)
		assert.Equal(int64(1), c.AffectedRows())
		assert.Equal(uint16(0), c.ErrNo())

		assert.NoError(c.Close())
		ms.assertMet(assert)
	})

	t.Run("fails when the retry loses the connection too", func(t *testing.T) {
		assert := assert.New(t)

		ms := newMockServer(t, 3)
		ms.mocks[0].ExpectExec("UPDATE t SET a = 1").WillReturnError(gone)
		ms.mocks[0].ExpectClose()
		ms.mocks[1].ExpectExec("UPDATE t SET a = 1").WillReturnError(lost)
		ms.mocks[1].ExpectClose()

		c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
		if !assert.NoError(err) {
			return
		}

		_, err = c.Execute(context.Background(), "UPDATE t SET a = 1")

		assert.ErrorIs(err, graphite.ErrDB)
		assert.ErrorIs(err, graphite.ErrConnectionLost)
		assert.Equal(2, ms.opened)
		assert.Equal(uint16(2013), c.ErrNo())

		assert.NoError(c.Close())
		ms.assertMet(assert)
	})

	t.Run("fails when the server cannot be reached again", func(t *testing.T) {
		assert := assert.New(t)

		ms := newMockServer(t, 1)
		ms.mocks[0].ExpectExec("UPDATE t SET a = 1").WillReturnError(gone)
		ms.mocks[0].ExpectClose()

		c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
		if !assert.NoError(err) {
			return
		}

		_, err = c.Execute(context.Background(), "UPDATE t SET a = 1")

		assert.ErrorIs(err, graphite.ErrDB)
		assert.Contains(c.ErrText(), "connection refused")

		assert.NoError(c.Close())
		ms.assertMet(assert)
	})
}

func Test_Connection_closed(t *testing.T) {
	assert := assert.New(t)

	unopened := New(testCreds, Options{Opener: newMockServer(t, 0).open})
	_, err := unopened.Execute(context.Background(), "SELECT 1")
	assert.ErrorIs(err, graphite.ErrClosed)
	assert.False(unopened.IsOpen())

	ms := newMockServer(t, 1)
	ms.mocks[0].ExpectClose()

	c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
	if !assert.NoError(err) {
		return
	}
	assert.True(c.IsOpen())

	assert.NoError(c.Close())
	assert.NoError(c.Close())
	assert.False(c.IsOpen())

	_, err = c.Execute(context.Background(), "SELECT 1")
	assert.ErrorIs(err, graphite.ErrClosed)
	assert.ErrorIs(c.Open(context.Background()), graphite.ErrClosed)

	ms.assertMet(assert)
}

func Test_Connect_failure(t *testing.T) {
	assert := assert.New(t)

	_, err := Connect(context.Background(), testCreds, Options{Opener: newMockServer(t, 0).open})

	assert.ErrorIs(err, graphite.ErrDB)
	assert.Contains(err.Error(), "db.example:3306 via TCP/IP")
}

func Test_Connection_queryLog(t *testing.T) {
	assert := assert.New(t)

	ms := newMockServer(t, 1)
	ms.mocks[0].
		ExpectQuery("SELECT * FROM `Logins`").
		WillReturnRows(sqlmock.NewRows([]string{"login_id"}).AddRow(int64(1)).AddRow(int64(2)))
	ms.mocks[0].
		ExpectExec("UPDATE `Logins` SET").
		WillReturnError(&mysql.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"})
	ms.mocks[0].ExpectClose()

	c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open, LogLevel: 1})
	if !assert.NoError(err) {
		return
	}

	_, err = c.Execute(context.Background(), "SELECT * FROM `Logins`")
	assert.NoError(err)
	_, err = c.Execute(context.Background(), "UPDATE `Logins` SET")
	assert.Error(err)

	entries := c.QueryLog().Entries()
	if !assert.Len(entries, 2) {
		return
	}

	assert.Equal("SELECT * FROM `Logins`", entries[0].Query)
	assert.Equal(int64(2), entries[0].Rows)
	assert.Equal(c.ID(), entries[0].Conn)
	assert.Equal("db.example:3306 via TCP/IP", entries[0].Host)
	assert.Contains(entries[0].CallSite, "conn_test.go:")
	assert.False(entries[0].Failed())

	assert.True(entries[1].Failed())
	assert.Equal(uint16(1064), entries[1].ErrNo)

	// the call site travels to the server as a comment
	if assert.Len(ms.sent, 2) {
		assert.True(strings.HasPrefix(ms.sent[0], "/* conn_test.go:"), "sent %q", ms.sent[0])
	}

	assert.NoError(c.Close())
	ms.assertMet(assert)
}

func Test_Connection_queryLog_disabled(t *testing.T) {
	assert := assert.New(t)

	ms := newMockServer(t, 1)
	ms.mocks[0].ExpectExec("DELETE FROM t").WillReturnResult(sqlmock.NewResult(0, 0))
	ms.mocks[0].ExpectClose()

	c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
	if !assert.NoError(err) {
		return
	}

	_, err = c.Execute(context.Background(), "DELETE FROM t")
	assert.NoError(err)

	assert.Equal(0, c.QueryLog().Len())
	assert.Equal([]string{"DELETE FROM t"}, ms.sent)

	assert.NoError(c.Close())
	ms.assertMet(assert)
}

func Test_Connection_reporting(t *testing.T) {
	assert := assert.New(t)

	logger := &recordingLogger{}
	ms := newMockServer(t, 1)
	ms.mocks[0].
		ExpectExec("UPDATE a SET b = 1").
		WillReturnError(&mysql.MySQLError{Number: 1146, Message: "Table 'site.a' doesn't exist"})
	ms.mocks[0].
		ExpectExec("UPDATE c SET d = 1").
		WillReturnError(&mysql.MySQLError{Number: 1290, Message: "The MySQL server is running with the --read-only option so it cannot execute this statement"})
	ms.mocks[0].
		ExpectQuery("SELECT SLEEP(1)").
		WillDelayFor(20 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"SLEEP(1)"}).AddRow(int64(0)))
	ms.mocks[0].ExpectClose()

	c, err := Connect(context.Background(), testCreds, Options{
		Opener:             ms.open,
		LogLevel:           2,
		Logger:             logger,
		SlowQueryThreshold: 5 * time.Millisecond,
	})
	if !assert.NoError(err) {
		return
	}

	_, err = c.Execute(context.Background(), "UPDATE a SET b = 1")
	assert.Error(err)
	assert.Len(logger.errs, 1)
	assert.Contains(logger.errs[0], "1146")

	_, err = c.Execute(context.Background(), "UPDATE c SET d = 1")
	assert.ErrorIs(err, graphite.ErrServerReadOnly)
	assert.Len(logger.errs, 1, "server read-only refusals are not reported as errors")

	_, err = c.Execute(context.Background(), "SELECT SLEEP(1)")
	assert.NoError(err)
	if assert.NotEmpty(logger.warns) {
		assert.Contains(logger.warns[len(logger.warns)-1], "slow query")
	}

	assert.NoError(c.Close())
	ms.assertMet(assert)
}

func Test_Connection_ExecuteToMap(t *testing.T) {
	t.Run("keyed by column", func(t *testing.T) {
		assert := assert.New(t)

		ms := newMockServer(t, 1)
		ms.mocks[0].
			ExpectQuery("SELECT `role_id`, `label` FROM `Roles`").
			WillReturnRows(sqlmock.NewRows([]string{"role_id", "label"}).
				AddRow(int64(7), "admin").
				AddRow(int64(3), "editor"))
		ms.mocks[0].ExpectClose()

		c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open})
		if !assert.NoError(err) {
			return
		}

		rm, err := c.ExecuteToMap(context.Background(), "SELECT `role_id`, `label` FROM `Roles`", "role_id")
		if !assert.NoError(err) {
			return
		}

		assert.Equal([]string{"7", "3"}, rm.Keys)
		row, ok := rm.Get("3")
		assert.True(ok)
		assert.Equal("editor", row["label"])
		assert.Equal(2, rm.Len())

		assert.NoError(c.Close())
		ms.assertMet(assert)
	})

	t.Run("missing key column falls back to position", func(t *testing.T) {
		assert := assert.New(t)

		logger := &recordingLogger{}
		ms := newMockServer(t, 1)
		ms.mocks[0].
			ExpectQuery("SELECT `label` FROM `Roles`").
			WillReturnRows(sqlmock.NewRows([]string{"label"}).AddRow("admin").AddRow("editor"))
		ms.mocks[0].ExpectClose()

		c, err := Connect(context.Background(), testCreds, Options{Opener: ms.open, Logger: logger})
		if !assert.NoError(err) {
			return
		}

		rm, err := c.ExecuteToMap(context.Background(), "SELECT `label` FROM `Roles`", "role_id")
		if !assert.NoError(err) {
			return
		}

		assert.Equal([]string{"0", "1"}, rm.Keys)
		row, _ := rm.Get("1")
		assert.Equal("editor", row["label"])
		assert.Len(logger.warns, 1)

		assert.NoError(c.Close())
		ms.assertMet(assert)
	})
}

func Test_Connection_accessors(t *testing.T) {
	assert := assert.New(t)

	c := New(Credentials{Socket: "/run/mysqld.sock", User: "app", Name: "site"}, Options{TablePrefix: "g_", ReadOnly: true, Sparse: true})

	assert.Equal("g_", c.TablePrefix())
	assert.Equal("g_Logins", c.Table("Logins"))
	assert.Equal(`it\'s`, c.Escape("it's"))
	assert.Equal("/run/mysqld.sock via unix socket", c.HostInfo())
	assert.True(c.ReadOnly())
	assert.True(c.Sparse())
	assert.NotEmpty(c.ID())
	assert.NotEqual(c.ID(), New(testCreds, Options{}).ID())
}

func Test_OptionsFrom(t *testing.T) {
	assert := assert.New(t)

	on := true
	lvl := 2
	cfg := config.Config{
		Prefix:             "g_",
		LogLevel:           1,
		SlowQueryThreshold: time.Second,
		DBs: map[string]config.Database{
			"default": {Host: "a", User: "u", Name: "n"},
			"ro":      {Host: "b", User: "u", Name: "n", Sparse: &on, LogLevel: &lvl},
		},
	}

	def, _ := cfg.Source("default")
	opts := OptionsFrom(cfg, def)
	assert.Equal(Options{LogLevel: 1, SlowQueryThreshold: time.Second, TablePrefix: "g_"}, opts)

	ro, _ := cfg.Source("ro")
	opts = OptionsFrom(cfg, ro)
	assert.True(opts.Sparse)
	assert.True(opts.ReadOnly)
	assert.Equal(2, opts.LogLevel)
}

func Test_Credentials_Addr(t *testing.T) {
	testCases := []struct {
		name   string
		cred   Credentials
		expect string
	}{
		{name: "tcp", cred: Credentials{Host: "db", Port: 3307}, expect: "db:3307 via TCP/IP"},
		{name: "tcp defaults", cred: Credentials{}, expect: "localhost:3306 via TCP/IP"},
		{name: "ipv6", cred: Credentials{Host: "::1", Port: 3306}, expect: "[::1]:3306 via TCP/IP"},
		{name: "socket", cred: Credentials{Socket: "/tmp/mysql.sock"}, expect: "/tmp/mysql.sock via unix socket"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(tc.expect, tc.cred.Addr())
		})
	}
}

func Test_Connection_regexMatching(t *testing.T) {
	assert := assert.New(t)

	db, mock, err := sqlmock.New()
	if !assert.NoError(err) {
		return
	}
	mock.ExpectQuery(regexp.QuoteMeta("SHOW TABLES")).WillReturnRows(sqlmock.NewRows([]string{"Tables_in_site"}).AddRow("Logins"))
	mock.ExpectClose()

	opener := func(ctx context.Context, cred Credentials) (*sql.DB, error) { return db, nil }
	c, err := Connect(context.Background(), testCreds, Options{Opener: opener, LogLevel: 1, ReadOnly: true})
	if !assert.NoError(err) {
		return
	}

	res, err := c.Execute(context.Background(), "SHOW TABLES")
	if !assert.NoError(err) {
		return
	}
	assert.Equal("Logins", res.First()["Tables_in_site"])

	assert.NoError(c.Close())
	assert.NoError(mock.ExpectationsWereMet())
}
