// Package conn wraps a single MySQL connection with query logging, a
// read-only guard, sparse mode and transparent reconnection.
//
// In sparse mode the physical connection is closed after every statement and
// reopened on the next one, which keeps the number of idle server connections
// low at the cost of reconnecting. No server session state, such as user
// variables or an open transaction, survives between statements in sparse
// mode.
package conn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/config"
	"github.com/dekarrin/graphite/internal/logging"
	"github.com/dekarrin/graphite/internal/sqlfmt"
	"github.com/dekarrin/graphite/querylog"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// Credentials identify the server and account a Connection uses.
type Credentials struct {
	Host   string
	User   string
	Pass   string
	Name   string
	Port   int
	Socket string
}

// CredentialsFrom returns the Credentials of a configured source.
func CredentialsFrom(db config.Database) Credentials {
	return Credentials{
		Host:   db.Host,
		User:   db.User,
		Pass:   db.Pass,
		Name:   db.Name,
		Port:   db.Port,
		Socket: db.Socket,
	}
}

// Addr describes where the server is, for logs.
func (c Credentials) Addr() string {
	if c.Socket != "" {
		return c.Socket + " via unix socket"
	}
	return c.hostPort() + " via TCP/IP"
}

func (c Credentials) hostPort() string {
	port := c.Port
	if port == 0 {
		port = 3306
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Opener opens a database handle for the given credentials. It is called
// every time a Connection needs a new physical connection.
type Opener func(ctx context.Context, cred Credentials) (*sql.DB, error)

// MySQLOpener opens a handle with the MySQL driver and pings the server to
// make sure the credentials work.
func MySQLOpener(ctx context.Context, cred Credentials) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = cred.User
	cfg.Passwd = cred.Pass
	cfg.DBName = cred.Name
	if cred.Socket != "" {
		cfg.Net = "unix"
		cfg.Addr = cred.Socket
	} else {
		cfg.Net = "tcp"
		cfg.Addr = cred.hostPort()
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Options control the behavior of a Connection.
type Options struct {
	// Sparse closes the physical connection after each statement.
	Sparse bool

	// ReadOnly refuses statements that are not SELECT, EXPLAIN, DESCRIBE or
	// SHOW TABLES. This is a convenience guard, not access control.
	ReadOnly bool

	// LogLevel is 0 for no query log, 1 to record each statement, and 2 to
	// also report failed statements to Logger at error level.
	LogLevel int

	// SlowQueryThreshold is the elapsed time above which a logged statement
	// is reported to Logger as slow. Zero disables the report.
	SlowQueryThreshold time.Duration

	// TablePrefix is prepended to table names by Table.
	TablePrefix string

	// Logger receives diagnostic messages. Nil discards them.
	Logger graphite.Logger

	// Opener opens physical connections. Nil means MySQLOpener.
	Opener Opener
}

// OptionsFrom returns the Options for a configured source, with the global
// settings of cfg applied.
func OptionsFrom(cfg config.Config, db config.Database) Options {
	opts := Options{
		ReadOnly:           db.ReadOnly,
		LogLevel:           cfg.LogLevel,
		Sparse:             cfg.Sparse,
		SlowQueryThreshold: cfg.SlowQueryThreshold,
		TablePrefix:        cfg.Prefix,
	}
	if db.Sparse != nil {
		opts.Sparse = *db.Sparse
	}
	if db.LogLevel != nil {
		opts.LogLevel = *db.LogLevel
	}
	return opts
}

type state int

const (
	unopened state = iota
	open
	idle
	closed
)

func (s state) String() string {
	switch s {
	case unopened:
		return "unopened"
	case open:
		return "open"
	case idle:
		return "idle"
	case closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection is a wrapper around one physical connection to a MySQL server.
// Its zero value is not usable; create one with New or Connect.
//
// A Connection is safe for concurrent use, but statements run one at a time.
type Connection struct {
	mtx   sync.Mutex
	id    string
	cred  Credentials
	opts  Options
	log   graphite.Logger
	state state

	db   *sql.DB
	conn *sql.Conn

	qlog querylog.Log

	affected int64
	insertID int64
	errNo    uint16
	errText  string
}

// New creates an unopened Connection. Call Open before executing statements.
func New(cred Credentials, opts Options) *Connection {
	if opts.Opener == nil {
		opts.Opener = MySQLOpener
	}

	c := &Connection{
		id:   uuid.NewString(),
		cred: cred,
		opts: opts,
		log:  logging.OrNoOp(opts.Logger),
	}

	// release the physical connection if the owner never calls Close.
	runtime.SetFinalizer(c, func(c *Connection) {
		c.Close()
	})

	return c
}

// Connect creates a Connection and opens it.
func Connect(ctx context.Context, cred Credentials, opts Options) (*Connection, error) {
	c := New(cred, opts)
	if err := c.Open(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Open establishes the physical connection. In sparse mode it is closed again
// right away once it is known to work, and reopened by the next statement.
// Opening an already-open Connection does nothing; opening a closed one
// returns an error that matches graphite.ErrClosed.
func (c *Connection) Open(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.state {
	case closed:
		return graphite.NewError("open", graphite.ErrClosed)
	case open, idle:
		return nil
	}

	if err := c.openInner(ctx); err != nil {
		return err
	}
	if c.opts.Sparse {
		c.closeInner()
	}
	return nil
}

func (c *Connection) openInner(ctx context.Context) error {
	db, err := c.opts.Opener(ctx, c.cred)
	if err != nil {
		c.setErr(err)
		return graphite.WrapDBErrorf(err, "connect to %s", c.cred.Addr())
	}

	pinned, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		c.setErr(err)
		return graphite.WrapDBErrorf(err, "connect to %s", c.cred.Addr())
	}

	c.db = db
	c.conn = pinned
	c.state = open
	return nil
}

// closeInner releases the physical connection but leaves the Connection
// reopenable.
func (c *Connection) closeInner() error {
	var errs []error
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
		c.conn = nil
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, err)
		}
		c.db = nil
	}
	if c.state == open {
		c.state = idle
	}
	if len(errs) > 0 {
		c.log.Debugf("closing connection to %s: %v", c.cred.Addr(), errors.Join(errs...))
		return errors.Join(errs...)
	}
	return nil
}

// Close releases the physical connection. The Connection cannot be used after
// it is closed. Calling Close more than once has no effect.
func (c *Connection) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state == closed {
		return nil
	}
	err := c.closeInner()
	c.state = closed
	return err
}

// Execute runs a statement and returns its result. Statements that return
// rows (SELECT, SHOW, EXPLAIN, DESCRIBE) have all rows read into the Result.
//
// If the connection to the server is lost, it is reopened and the statement is
// run one more time. All failures are returned as errors that match
// graphite.ErrDB, except that a closed Connection returns graphite.ErrClosed
// and a statement refused by the read-only guard returns graphite.ErrReadOnly.
func (c *Connection) Execute(ctx context.Context, stmt string) (*Result, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state == unopened || c.state == closed {
		return nil, graphite.NewError(fmt.Sprintf("connection is %s", c.state), graphite.ErrClosed)
	}

	if c.opts.ReadOnly && !readOnlyAllowed(stmt) {
		c.errNo = 0
		c.errText = graphite.ErrReadOnly.Error()
		return nil, graphite.NewError("", graphite.ErrReadOnly)
	}

	if c.state == idle {
		if err := c.openInner(ctx); err != nil {
			return nil, err
		}
	}
	if c.opts.Sparse {
		defer c.closeInner()
	}

	var site string
	sent := stmt
	if c.opts.LogLevel > 0 {
		site = querylog.CallSite(1)
		sent = querylog.Comment(site) + stmt
	}

	start := time.Now()
	res, err := c.run(ctx, sent)
	if err != nil && graphite.IsConnectionLost(err) {
		c.log.Debugf("lost connection to %s; reconnecting", c.cred.Addr())
		c.closeInner()
		if reopenErr := c.openInner(ctx); reopenErr != nil {
			err = reopenErr
		} else {
			res, err = c.run(ctx, sent)
		}
	}
	elapsed := time.Since(start)

	c.record(res, err)

	if c.opts.LogLevel > 0 {
		c.logStatement(stmt, site, start, elapsed, res, err)
	}

	if err != nil {
		if errors.Is(err, graphite.ErrDB) {
			return nil, err
		}
		return nil, graphite.WrapDBError(err, "execute")
	}
	return res, nil
}

func (c *Connection) run(ctx context.Context, stmt string) (*Result, error) {
	if c.conn == nil {
		return nil, sql.ErrConnDone
	}

	if !returnsRows(stmt) {
		sqlRes, err := c.conn.ExecContext(ctx, stmt)
		if err != nil {
			return nil, err
		}
		res := &Result{}
		res.RowsAffected, _ = sqlRes.RowsAffected()
		res.LastInsertID, _ = sqlRes.LastInsertId()
		return res, nil
	}

	rows, err := c.conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return readRows(rows)
}

func (c *Connection) record(res *Result, err error) {
	if err != nil {
		c.setErr(err)
		c.affected = -1
		return
	}
	c.errNo = 0
	c.errText = ""
	c.affected = res.RowsAffected
	if res.LastInsertID != 0 || !res.returnedRows {
		c.insertID = res.LastInsertID
	}
}

func (c *Connection) setErr(err error) {
	c.errNo = graphite.ErrorNumber(err)
	c.errText = err.Error()
}

func (c *Connection) logStatement(stmt, site string, start time.Time, elapsed time.Duration, res *Result, err error) {
	entry := querylog.Entry{
		Conn:     c.id,
		When:     start,
		Query:    stmt,
		Elapsed:  elapsed,
		CallSite: site,
		Host:     c.cred.Addr(),
	}
	if res != nil {
		entry.Rows = res.RowsAffected
	}
	if err != nil {
		entry.Err = err.Error()
		entry.ErrNo = graphite.ErrorNumber(err)
	}
	c.qlog.Add(entry)

	if c.opts.SlowQueryThreshold > 0 && elapsed > c.opts.SlowQueryThreshold {
		c.log.Warnf("slow query (%s) at %s: %s", elapsed, site, stmt)
	}

	// a read-only server refusing writes is expected during replica
	// failover.
	if err != nil && c.opts.LogLevel >= 2 && !graphite.IsServerReadOnly(err) {
		c.log.Errorf("query failed at %s: error %d: %s; query: %s", site, entry.ErrNo, entry.Err, stmt)
	}
}

// ExecuteToMap runs a statement that returns rows and indexes them by the
// value of keyColumn. If the rows have no such column, they are indexed by
// position instead and a warning is logged.
func (c *Connection) ExecuteToMap(ctx context.Context, stmt string, keyColumn string) (*RowMap, error) {
	res, err := c.Execute(ctx, stmt)
	if err != nil {
		return nil, err
	}

	positional := keyColumn == ""
	if !positional && len(res.Rows) > 0 {
		if _, ok := res.Rows[0][keyColumn]; !ok {
			c.log.Warnf("key column %q not in result; indexing rows by position", keyColumn)
			positional = true
		}
	}

	rm := &RowMap{Rows: make(map[string]Row, len(res.Rows))}
	for i, row := range res.Rows {
		key := strconv.Itoa(i)
		if !positional {
			key = fmt.Sprint(row[keyColumn])
		}
		if _, dup := rm.Rows[key]; !dup {
			rm.Keys = append(rm.Keys, key)
		}
		rm.Rows[key] = row
	}
	return rm, nil
}

// ID returns the unique id of the Connection. Query log entries carry it.
func (c *Connection) ID() string {
	return c.id
}

// IsOpen returns whether the Connection can execute statements. A sparse
// Connection between statements is open even though it holds no physical
// connection.
func (c *Connection) IsOpen() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.state == open || c.state == idle
}

// Connected returns whether a physical connection is currently held.
func (c *Connection) Connected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.state == open
}

// ReadOnly returns whether the read-only guard is on.
func (c *Connection) ReadOnly() bool {
	return c.opts.ReadOnly
}

// Sparse returns whether the Connection is in sparse mode.
func (c *Connection) Sparse() bool {
	return c.opts.Sparse
}

// AffectedRows returns the number of rows returned or changed by the last
// statement, or -1 if it failed.
func (c *Connection) AffectedRows() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.affected
}

// InsertID returns the id generated for an AUTO_INCREMENT column by the last
// INSERT, or 0.
func (c *Connection) InsertID() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.insertID
}

// ErrNo returns the MySQL error number of the last statement, or 0 if it
// succeeded or the failure did not come from the server.
func (c *Connection) ErrNo() uint16 {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.errNo
}

// ErrText returns the error message of the last statement, or "" if it
// succeeded.
func (c *Connection) ErrText() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.errText
}

// Escape escapes s for use inside a quoted string literal.
func (c *Connection) Escape(s string) string {
	return sqlfmt.Escape(s)
}

// TablePrefix returns the prefix of table names on this Connection.
func (c *Connection) TablePrefix() string {
	return c.opts.TablePrefix
}

// Table returns name with the table prefix applied.
func (c *Connection) Table(name string) string {
	return c.opts.TablePrefix + name
}

// HostInfo describes the server the Connection talks to.
func (c *Connection) HostInfo() string {
	return c.cred.Addr()
}

// QueryLog returns the log of statements executed on the Connection. It is
// empty if the log level is 0.
func (c *Connection) QueryLog() *querylog.Log {
	return &c.qlog
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection<%s@%s/%s>", c.cred.User, c.cred.Addr(), c.cred.Name)
}

// readOnlyAllowed returns whether stmt may run on a read-only Connection. Only
// the start of the statement is examined.
func readOnlyAllowed(stmt string) bool {
	s := strings.ToLower(strings.TrimLeft(stmt, " \t\r\n("))
	if len(s) > 6 {
		s = s[:6]
	}
	switch s {
	case "select", "explai", "descri", "show t":
		return true
	default:
		return false
	}
}

// returnsRows returns whether stmt produces a result set.
func returnsRows(stmt string) bool {
	s := strings.ToLower(strings.TrimLeft(stmt, " \t\r\n"))
	if strings.HasPrefix(s, "/*") {
		if end := strings.Index(s, "*/"); end >= 0 {
			s = strings.TrimLeft(s[end+2:], " \t\r\n")
		}
	}
	for _, prefix := range []string{"select", "show", "explain", "describe", "desc ", "with", "("} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
