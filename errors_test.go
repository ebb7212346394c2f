package graphite

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func Test_Error_Error(t *testing.T) {
	testCases := []struct {
		name   string
		err    Error
		expect string
	}{
		{name: "message only", err: NewError("bad thing"), expect: "bad thing"},
		{name: "cause only", err: NewError("", ErrNotFound), expect: ErrNotFound.Error()},
		{name: "message and causes", err: NewError("load Login", ErrNotFound, ErrDB), expect: "load Login: " + ErrNotFound.Error()},
		{name: "empty", err: NewError(""), expect: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(tc.expect, tc.err.Error())
		})
	}
}

func Test_Error_Is(t *testing.T) {
	assert := assert.New(t)

	inner := NewError("inner", ErrRejected)
	err := NewError("outer", inner, ErrBadArgument)

	assert.ErrorIs(err, ErrRejected)
	assert.ErrorIs(err, ErrBadArgument)
	assert.NotErrorIs(err, ErrDB)

	wrapped := fmt.Errorf("context: %w", err)
	assert.ErrorIs(wrapped, ErrRejected)
}

func Test_WrapDBError(t *testing.T) {
	testCases := []struct {
		name        string
		err         error
		expectIs    []error
		expectNotIs []error
	}{
		{
			name:        "duplicate entry",
			err:         &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'karkat' for key 'loginname'"},
			expectIs:    []error{ErrDB, ErrConstraintViolation},
			expectNotIs: []error{ErrConnectionLost, ErrNotFound},
		},
		{
			name:     "foreign key parent",
			err:      &mysql.MySQLError{Number: 1451, Message: "Cannot delete or update a parent row"},
			expectIs: []error{ErrDB, ErrConstraintViolation},
		},
		{
			name:     "foreign key child",
			err:      &mysql.MySQLError{Number: 1452, Message: "Cannot add or update a child row"},
			expectIs: []error{ErrDB, ErrConstraintViolation},
		},
		{
			name:        "server read-only",
			err:         &mysql.MySQLError{Number: 1290, Message: "The MySQL server is running with the --read-only option so it cannot execute this statement"},
			expectIs:    []error{ErrDB, ErrServerReadOnly},
			expectNotIs: []error{ErrConstraintViolation},
		},
		{
			name:        "other option prevents",
			err:         &mysql.MySQLError{Number: 1290, Message: "The MySQL server is running with the --skip-grant-tables option"},
			expectIs:    []error{ErrDB},
			expectNotIs: []error{ErrServerReadOnly},
		},
		{
			name:     "server gone",
			err:      &mysql.MySQLError{Number: 2006, Message: "MySQL server has gone away"},
			expectIs: []error{ErrDB, ErrConnectionLost},
		},
		{
			name:     "server lost",
			err:      &mysql.MySQLError{Number: 2013, Message: "Lost connection to MySQL server during query"},
			expectIs: []error{ErrDB, ErrConnectionLost},
		},
		{
			name:     "bad conn",
			err:      driver.ErrBadConn,
			expectIs: []error{ErrDB, ErrConnectionLost},
		},
		{
			name:     "invalid conn",
			err:      mysql.ErrInvalidConn,
			expectIs: []error{ErrDB, ErrConnectionLost},
		},
		{
			name:        "no rows",
			err:         sql.ErrNoRows,
			expectIs:    []error{ErrDB, ErrNotFound},
			expectNotIs: []error{ErrConnectionLost},
		},
		{
			name:        "syntax error",
			err:         &mysql.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"},
			expectIs:    []error{ErrDB},
			expectNotIs: []error{ErrConstraintViolation, ErrConnectionLost, ErrServerReadOnly, ErrNotFound},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			actual := WrapDBError(tc.err, "execute")

			for _, target := range tc.expectIs {
				assert.ErrorIs(actual, target)
			}
			for _, target := range tc.expectNotIs {
				assert.NotErrorIs(actual, target)
			}
		})
	}
}

func Test_WrapDBError_keepsServerMessage(t *testing.T) {
	assert := assert.New(t)

	actual := WrapDBErrorf(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'karkat'"}, "insert into %s", "Login")

	assert.Contains(actual.Error(), "insert into Login: ")
	assert.Contains(actual.Error(), "Duplicate entry 'karkat'")

	var myErr *mysql.MySQLError
	assert.True(errors.As(actual, &myErr))
}

func Test_ErrorNumber(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		expect uint16
	}{
		{name: "nil", err: nil, expect: 0},
		{name: "server error", err: &mysql.MySQLError{Number: 1146}, expect: 1146},
		{name: "wrapped server error", err: WrapDBError(&mysql.MySQLError{Number: 1062}), expect: 1062},
		{name: "dropped connection", err: driver.ErrBadConn, expect: MySQLErrServerGone},
		{name: "plain error", err: errors.New("something"), expect: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(tc.expect, ErrorNumber(tc.err))
		})
	}
}

func Test_IsConnectionLost(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		expect bool
	}{
		{name: "nil", err: nil, expect: false},
		{name: "bad conn", err: driver.ErrBadConn, expect: true},
		{name: "conn done", err: sql.ErrConnDone, expect: true},
		{name: "wrapped lost", err: NewError("ping", ErrConnectionLost), expect: true},
		{name: "server gone", err: &mysql.MySQLError{Number: 2006}, expect: true},
		{name: "constraint", err: &mysql.MySQLError{Number: 1062}, expect: false},
		{name: "plain", err: errors.New("x"), expect: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			assert.Equal(tc.expect, IsConnectionLost(tc.err))
		})
	}
}

func Test_ParseLogProvider(t *testing.T) {
	testCases := []struct {
		input     string
		expect    LogProvider
		expectErr bool
	}{
		{input: "", expect: NoLog},
		{input: "none", expect: NoLog},
		{input: "JELLOG", expect: Jellog},
		{input: "std", expect: StdLog},
		{input: "syslog", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			assert := assert.New(t)

			actual, err := ParseLogProvider(tc.input)
			if tc.expectErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.expect, actual)
		})
	}
}
