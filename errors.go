package graphite

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

var (
	ErrDB                  = errors.New("an error occured with the DB")
	ErrNotFound            = errors.New("the requested entity could not be found")
	ErrConstraintViolation = errors.New("a uniqueness or foreign key constraint was violated")
	ErrDecodingFailure     = errors.New("field could not be decoded from storage format")
	ErrBadArgument         = errors.New("one or more of the arguments is invalid")
	ErrRejected            = errors.New("value was rejected by the field definition")
	ErrBadCredentials      = errors.New("the supplied loginname/password combination is incorrect")
	ErrAlreadyExists       = errors.New("resource with same identifying information already exists")

	// ErrClosed is returned when a statement is attempted on a connection that
	// has been closed or that never successfully opened.
	ErrClosed = errors.New("connection is closed")

	// ErrReadOnly is returned when a connection in read-only mode refuses to
	// run a statement that could modify data. This is a convenience guard and
	// is not an access control mechanism.
	ErrReadOnly = errors.New("connection is read-only; statement refused")

	// ErrServerReadOnly is the cause attached when the MySQL server itself
	// refuses a write because it is running with --read-only.
	ErrServerReadOnly = errors.New("the MySQL server is running in read-only mode")

	// ErrConnectionLost is the cause attached to errors that indicate the link
	// to the server went away during or before a statement.
	ErrConnectionLost = errors.New("the connection to the MySQL server was lost")

	// ErrNoDiff is returned by write operations that were skipped because the
	// record has no changes since it was last loaded or saved.
	ErrNoDiff = errors.New("record has no changes to write")

	// ErrNoPrimaryKey is returned by operations that were skipped because the
	// record's primary key is not set.
	ErrNoPrimaryKey = errors.New("record primary key is not set")

	// ErrNothingToDelete is returned by batch deletes that were given no usable
	// primary keys.
	ErrNothingToDelete = errors.New("no records to delete")
)

// MySQL server and client error numbers that get special handling.
const (
	mysqlErrDupEntry         = 1062
	mysqlErrRowIsReferenced  = 1451
	mysqlErrNoReferencedRow  = 1452
	MySQLErrOptionPreventsOp = 1290
	MySQLErrServerGone       = 2006
	MySQLErrServerLost       = 2013
)

// Error is a typed error returned by certain functions in graphite as their
// error value. It contains both a message explaining what happened as well as
// one or more error values it considers to be its causes. Error is compatible
// with the use of errors.Is() - calling errors.Is on some Error value err along
// with any value of error it holds as one of its causes will return true. This
// allows for easy examination and failure condition checking without needing to
// resort to manual typecasting.
//
// If Error has at least one cause defined, the result of calling Error.Error()
// will be its primary message with the result of calling Error() on its first
// cause appended to it.
//
// Error should not be used directly; call NewError to create one.
type Error struct {
	msg   string
	cause []error
}

// Error returns the message defined for the Error. If a message was defined for
// it when created, that message is returned, concatenated with the result of
// calling Error() on the its first cause if one is defined. If no message or an
// empty message was defined for it when created, but there is at least one
// cause defined for it, the result of calling Error() on the first cause is
// returned. If no message is defined and no causes are defined, returns the
// empty string.
func (e Error) Error() string {
	if e.msg == "" && e.cause != nil {
		return e.cause[0].Error()
	}

	if e.cause != nil {
		return e.msg + ": " + e.cause[0].Error()
	}

	return e.msg
}

// Unwrap returns the causes of Error. The return value will be nil if no causes
// were defined for it.
func (e Error) Unwrap() []error {
	if len(e.cause) > 0 {
		return e.cause
	}
	return nil
}

// Is returns whether Error either Is itself the given target error, or one of
// its causes is.
func (e Error) Is(target error) bool {
	if errTarget, ok := target.(Error); ok {
		if e.msg == errTarget.msg && len(e.cause) == len(errTarget.cause) {
			allCausesEqual := true
			for i := range e.cause {
				if e.cause[i] != errTarget.cause[i] {
					allCausesEqual = false
					break
				}
			}
			if allCausesEqual {
				return true
			}
		}
	}

	for i := range e.cause {
		if sErr, ok := e.cause[i].(Error); ok {
			if sErr.Is(target) {
				return true
			}
		} else if e.cause[i] == target {
			return true
		}
	}
	return false
}

// IsConnectionLost returns whether err indicates that the link to the server
// dropped. Both the client-side driver conditions and the classic "server has
// gone away" error numbers are recognized.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	myErr := &mysql.MySQLError{}
	if errors.As(err, &myErr) {
		return myErr.Number == MySQLErrServerGone || myErr.Number == MySQLErrServerLost
	}
	return false
}

// IsServerReadOnly returns whether err is the server refusing a write because
// it runs with --read-only.
func IsServerReadOnly(err error) bool {
	myErr := &mysql.MySQLError{}
	if errors.As(err, &myErr) {
		return myErr.Number == MySQLErrOptionPreventsOp && strings.Contains(myErr.Message, "--read-only")
	}
	return errors.Is(err, ErrServerReadOnly)
}

// ErrorNumber returns the MySQL error number carried by err, or 0 if err did
// not come from the server.
func ErrorNumber(err error) uint16 {
	myErr := &mysql.MySQLError{}
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	if IsConnectionLost(err) {
		return MySQLErrServerGone
	}
	return 0
}

func convertDBError(err error) error {
	myErr := &mysql.MySQLError{}
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDupEntry, mysqlErrRowIsReferenced, mysqlErrNoReferencedRow:
			// preserve the error message for constraints violations
			return NewError(ErrConstraintViolation.Error(), err, ErrConstraintViolation)
		case MySQLErrOptionPreventsOp:
			if IsServerReadOnly(err) {
				return NewError("", err, ErrServerReadOnly)
			}
			return err
		case MySQLErrServerGone, MySQLErrServerLost:
			return NewError("", err, ErrConnectionLost)
		}
		return err
	} else if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if IsConnectionLost(err) {
		return NewError("", err, ErrConnectionLost)
	}

	return err
}

// WrapDBError creates a new Error that wraps the given error as a cause and
// automatically adds ErrDB as another cause. A user-set message may be provided
// if desired with msg, but it may be left as "".
//
// The provided error being wrapped will itself be converted to an Error of the
// approriate graphite type if possible; e.g. a MySQL duplicate-entry error
// would be converted to an Error that returns true for
// errors.Is(err, graphite.ErrConstraintViolation).
//
// msg, if provided, is used to create the msg of the error by calling
// fmt.Sprint. For format capability, use WrapDBErrorf.
func WrapDBError(err error, msg ...any) Error {
	err = convertDBError(err)

	var errMsg string
	if len(msg) > 0 {
		errMsg = fmt.Sprint(msg...)
	}

	return Error{
		msg:   errMsg,
		cause: []error{err, ErrDB},
	}
}

// WrapDBErrorf creates a new Error that wraps the given error as a cause and
// automatically adds ErrDB as another cause. A user-set message may be provided
// if desired with format and arguments a.
func WrapDBErrorf(err error, format string, a ...any) Error {
	err = convertDBError(err)

	return Error{
		msg:   fmt.Sprintf(format, a...),
		cause: []error{err, ErrDB},
	}
}

// NewError creates a new Error with the given message, along with any errors it
// should wrap as its causes. Providing cause errors is not required, but will
// cause it to return true when it is checked against that error via a call to
// errors.Is.
func NewError(msg string, causes ...error) Error {
	err := Error{msg: msg}
	if len(causes) > 0 {
		err.cause = make([]error, len(causes))
		copy(err.cause, causes)
	}
	return err
}
