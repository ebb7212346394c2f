package conn

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/config"
	"github.com/dekarrin/graphite/internal/logging"
	"github.com/dekarrin/graphite/querylog"
)

// Sources holds the connections to every configured source and opens each one
// the first time it is asked for. Connections are shared by everything that
// uses the same Sources.
//
// The zero value is not usable; at minimum Config must be set before first
// use.
type Sources struct {
	// Config lists the sources. It should already have had defaults filled.
	Config config.Config

	// Logger receives diagnostic messages from Sources and from every
	// Connection it opens. Nil discards them.
	Logger graphite.Logger

	// Opener opens physical connections. Nil means MySQLOpener.
	Opener Opener

	mtx    sync.Mutex
	conns  map[string]*Connection
	failed map[string]error
}

func (s *Sources) initDefaults() {
	if s.conns == nil {
		s.conns = map[string]*Connection{}
		s.failed = map[string]error{}
		s.Logger = logging.OrNoOp(s.Logger)
	}
}

// Primary returns the connection to the default source, opening it if needed.
func (s *Sources) Primary(ctx context.Context) (*Connection, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.initDefaults()

	return s.get(ctx, config.DefaultSource)
}

// Writer returns the connection that writes go to. It is always the primary.
func (s *Sources) Writer(ctx context.Context) (*Connection, error) {
	return s.Primary(ctx)
}

// Reader returns the connection to the read-only replica if one is configured
// and can be opened. Otherwise it returns the primary.
func (s *Sources) Reader(ctx context.Context) (*Connection, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.initDefaults()

	if db, ok := s.Config.Source(config.ReplicaSource); ok && db.Complete() {
		c, err := s.get(ctx, config.ReplicaSource)
		if err == nil && c.IsOpen() {
			return c, nil
		}
		s.Logger.Warnf("replica source unavailable, reading from %s: %v", config.DefaultSource, err)
	}

	return s.get(ctx, config.DefaultSource)
}

// BuildForSource returns the connection to a named secondary source, opening
// it if needed. It returns nil if name is empty or the default source, if the
// source is not fully configured, or if it cannot be opened. Callers should
// fall back to Reader in that case, which ForRead does.
func (s *Sources) BuildForSource(ctx context.Context, name string) *Connection {
	name = strings.ToLower(name)
	if name == "" || name == config.DefaultSource {
		return nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.initDefaults()

	db, ok := s.Config.Source(name)
	if !ok || !db.Complete() {
		s.Logger.Warnf("source %q is not fully configured; using default connections", name)
		return nil
	}

	c, err := s.get(ctx, name)
	if err != nil {
		s.Logger.Warnf("source %q could not be opened; using default connections: %v", name, err)
		return nil
	}
	return c
}

// ForRead returns the connection reads of an entity type routed to source
// should use: the named source when it is available, otherwise Reader.
func (s *Sources) ForRead(ctx context.Context, source string) (*Connection, error) {
	if c := s.BuildForSource(ctx, source); c != nil {
		return c, nil
	}
	return s.Reader(ctx)
}

// get returns the connection for a source, opening it on first use. A source
// that failed to open is not retried. s.mtx must be held.
func (s *Sources) get(ctx context.Context, name string) (*Connection, error) {
	if c, ok := s.conns[name]; ok {
		return c, nil
	}
	if err, ok := s.failed[name]; ok {
		return nil, err
	}

	db, ok := s.Config.Source(name)
	if !ok {
		err := graphite.NewError("source "+name+" is not configured", graphite.ErrBadArgument)
		s.failed[name] = err
		return nil, err
	}

	opts := OptionsFrom(s.Config, db)
	opts.Logger = s.Logger
	opts.Opener = s.Opener

	c, err := Connect(ctx, CredentialsFrom(db), opts)
	if err != nil {
		s.Logger.Errorf("open source %q (%s): %v", name, db.Addr(), err)
		s.failed[name] = err
		return nil, err
	}

	s.Logger.Debugf("opened source %q: %s", name, c)
	s.conns[name] = c
	return c, nil
}

// Names returns the names of the sources that are currently open, sorted.
func (s *Sources) Names() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	names := make([]string, 0, len(s.conns))
	for n := range s.conns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// QueryLog merges the query logs of every open connection.
func (s *Sources) QueryLog() *querylog.Aggregate {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	agg := &querylog.Aggregate{}
	for _, c := range s.conns {
		agg.Add(c.QueryLog())
	}
	return agg
}

// Close closes every open connection. The Sources can be used again
// afterwards, in which case connections are reopened.
func (s *Sources) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var errs []error
	for n, c := range s.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.conns, n)
	}
	for n := range s.failed {
		delete(s.failed, n)
	}
	return errors.Join(errs...)
}
