package conn

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dekarrin/graphite/config"
	"github.com/stretchr/testify/assert"
)

// hostServer hands out one sqlmock database per host. Hosts with no database
// refuse connections.
type hostServer struct {
	dbs    map[string]*sql.DB
	mocks  map[string]sqlmock.Sqlmock
	opened map[string]int
}

func newHostServer(t *testing.T, hosts ...string) *hostServer {
	hs := &hostServer{
		dbs:    map[string]*sql.DB{},
		mocks:  map[string]sqlmock.Sqlmock{},
		opened: map[string]int{},
	}
	for _, h := range hosts {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("create mock: %v", err)
		}
		hs.dbs[h] = db
		hs.mocks[h] = mock
	}
	return hs
}

func (hs *hostServer) open(ctx context.Context, cred Credentials) (*sql.DB, error) {
	hs.opened[cred.Host]++
	db, ok := hs.dbs[cred.Host]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return db, nil
}

func sourcesConfig() config.Config {
	return config.Config{
		DBs: map[string]config.Database{
			"default": {Host: "primary", User: "app", Name: "site"},
			"ro":      {Host: "replica", User: "app", Name: "site"},
			"reports": {Host: "reports", User: "app"},
			"archive": {Host: "archive", User: "app", Name: "old"},
		},
	}.FillDefaults()
}

func Test_Sources_Primary(t *testing.T) {
	assert := assert.New(t)

	hs := newHostServer(t, "primary")
	hs.mocks["primary"].ExpectClose()

	s := &Sources{Config: sourcesConfig(), Opener: hs.open}

	first, err := s.Primary(context.Background())
	if !assert.NoError(err) {
		return
	}
	second, err := s.Writer(context.Background())
	if !assert.NoError(err) {
		return
	}

	assert.Same(first, second)
	assert.Equal(1, hs.opened["primary"])
	assert.False(first.ReadOnly())
	assert.Equal([]string{"default"}, s.Names())

	assert.NoError(s.Close())
	assert.NoError(hs.mocks["primary"].ExpectationsWereMet())
}

func Test_Sources_Reader(t *testing.T) {
	t.Run("uses the replica", func(t *testing.T) {
		assert := assert.New(t)

		hs := newHostServer(t, "primary", "replica")
		hs.mocks["replica"].ExpectClose()

		s := &Sources{Config: sourcesConfig(), Opener: hs.open}

		r, err := s.Reader(context.Background())
		if !assert.NoError(err) {
			return
		}

		assert.True(r.ReadOnly())
		assert.Equal("replica:3306 via TCP/IP", r.HostInfo())
		assert.Equal(0, hs.opened["primary"])

		assert.NoError(s.Close())
		assert.NoError(hs.mocks["replica"].ExpectationsWereMet())
	})

	t.Run("falls back to the primary", func(t *testing.T) {
		assert := assert.New(t)

		logger := &recordingLogger{}
		hs := newHostServer(t, "primary")
		hs.mocks["primary"].ExpectClose()

		s := &Sources{Config: sourcesConfig(), Opener: hs.open, Logger: logger}

		r, err := s.Reader(context.Background())
		if !assert.NoError(err) {
			return
		}

		assert.False(r.ReadOnly())
		assert.Equal("primary:3306 via TCP/IP", r.HostInfo())
		assert.NotEmpty(logger.warns)

		// a failed replica is not retried
		_, err = s.Reader(context.Background())
		assert.NoError(err)
		assert.Equal(1, hs.opened["replica"])

		assert.NoError(s.Close())
		assert.NoError(hs.mocks["primary"].ExpectationsWereMet())
	})

	t.Run("no replica configured", func(t *testing.T) {
		assert := assert.New(t)

		hs := newHostServer(t, "primary")
		hs.mocks["primary"].ExpectClose()

		cfg := sourcesConfig()
		delete(cfg.DBs, "ro")
		s := &Sources{Config: cfg, Opener: hs.open}

		r, err := s.Reader(context.Background())
		if !assert.NoError(err) {
			return
		}

		assert.Equal("primary:3306 via TCP/IP", r.HostInfo())
		assert.Equal(0, hs.opened["replica"])

		assert.NoError(s.Close())
		assert.NoError(hs.mocks["primary"].ExpectationsWereMet())
	})
}

func Test_Sources_BuildForSource(t *testing.T) {
	testCases := []struct {
		name       string
		source     string
		expectHost string
		expectWarn bool
	}{
		{name: "empty", source: ""},
		{name: "default", source: "default"},
		{name: "default any case", source: "DEFAULT"},
		{name: "incomplete", source: "reports", expectWarn: true},
		{name: "not configured", source: "billing", expectWarn: true},
		{name: "configured", source: "archive", expectHost: "archive:3306 via TCP/IP"},
		{name: "configured any case", source: "Archive", expectHost: "archive:3306 via TCP/IP"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			logger := &recordingLogger{}
			hs := newHostServer(t, "primary", "archive")
			s := &Sources{Config: sourcesConfig(), Opener: hs.open, Logger: logger}

			actual := s.BuildForSource(context.Background(), tc.source)

			if tc.expectHost == "" {
				assert.Nil(actual)
			} else if assert.NotNil(actual) {
				assert.Equal(tc.expectHost, actual.HostInfo())
			}
			assert.Equal(tc.expectWarn, len(logger.warns) > 0)
			assert.Equal(0, hs.opened["primary"])
		})
	}
}

func Test_Sources_ForRead(t *testing.T) {
	assert := assert.New(t)

	hs := newHostServer(t, "primary", "replica", "archive")
	hs.mocks["replica"].ExpectClose()
	hs.mocks["archive"].ExpectClose()

	s := &Sources{Config: sourcesConfig(), Opener: hs.open}

	c, err := s.ForRead(context.Background(), "archive")
	if !assert.NoError(err) {
		return
	}
	assert.Equal("archive:3306 via TCP/IP", c.HostInfo())

	c, err = s.ForRead(context.Background(), "reports")
	if !assert.NoError(err) {
		return
	}
	assert.Equal("replica:3306 via TCP/IP", c.HostInfo())

	c, err = s.ForRead(context.Background(), "")
	if !assert.NoError(err) {
		return
	}
	assert.Equal("replica:3306 via TCP/IP", c.HostInfo())

	assert.Equal([]string{"archive", "ro"}, s.Names())
	assert.NotNil(s.QueryLog())

	assert.NoError(s.Close())
	assert.Empty(s.Names())
	assert.NoError(hs.mocks["replica"].ExpectationsWereMet())
	assert.NoError(hs.mocks["archive"].ExpectationsWereMet())
}

func Test_Sources_primaryUnavailable(t *testing.T) {
	assert := assert.New(t)

	hs := newHostServer(t)
	s := &Sources{Config: sourcesConfig(), Opener: hs.open}

	_, err := s.Primary(context.Background())
	assert.Error(err)

	_, err = s.Reader(context.Background())
	assert.Error(err)
}
