// Package querylog records the statements a connection executes, along with
// how long each took, any error it produced and where in the calling code it
// was issued. A Log belongs to a single connection; an Aggregate merges the
// logs of several connections for reporting at the end of a request.
package querylog

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dekarrin/rezi/v2"
)

// Entry is the record of one executed statement.
type Entry struct {
	// Conn is the id of the connection that executed the statement.
	Conn string

	// When is the time the statement started.
	When time.Time

	// Query is the statement text as given by the caller, without the
	// call-site comment.
	Query string

	// Elapsed is how long the statement took.
	Elapsed time.Duration

	// Err is the error text if the statement failed.
	Err string

	// ErrNo is the MySQL error number if the statement failed.
	ErrNo uint16

	// CallSite describes the code that issued the statement.
	CallSite string

	// Rows is the number of rows returned or affected.
	Rows int64

	// Host describes the server the statement ran on.
	Host string
}

func (e Entry) MarshalBinary() ([]byte, error) {
	var enc []byte

	enc = append(enc, rezi.MustEnc(e.Conn)...)
	enc = append(enc, rezi.MustEnc(e.When)...)
	enc = append(enc, rezi.MustEnc(e.Query)...)
	enc = append(enc, rezi.MustEnc(int64(e.Elapsed))...)
	enc = append(enc, rezi.MustEnc(e.Err)...)
	enc = append(enc, rezi.MustEnc(int(e.ErrNo))...)
	enc = append(enc, rezi.MustEnc(e.CallSite)...)
	enc = append(enc, rezi.MustEnc(e.Rows)...)
	enc = append(enc, rezi.MustEnc(e.Host)...)

	return enc, nil
}

func (e *Entry) UnmarshalBinary(data []byte) error {
	rr, err := rezi.NewReader(bytes.NewBuffer(data), nil)
	if err != nil {
		return err
	}

	var decoded Entry
	var elapsed int64
	var errNo int

	err = rr.Dec(&decoded.Conn)
	if err != nil {
		return rezi.Wrapf(0, "conn: %s", err)
	}

	err = rr.Dec(&decoded.When)
	if err != nil {
		return rezi.Wrapf(0, "when: %s", err)
	}

	err = rr.Dec(&decoded.Query)
	if err != nil {
		return rezi.Wrapf(0, "query: %s", err)
	}

	err = rr.Dec(&elapsed)
	if err != nil {
		return rezi.Wrapf(0, "elapsed: %s", err)
	}
	decoded.Elapsed = time.Duration(elapsed)

	err = rr.Dec(&decoded.Err)
	if err != nil {
		return rezi.Wrapf(0, "err: %s", err)
	}

	err = rr.Dec(&errNo)
	if err != nil {
		return rezi.Wrapf(0, "errno: %s", err)
	}
	decoded.ErrNo = uint16(errNo)

	err = rr.Dec(&decoded.CallSite)
	if err != nil {
		return rezi.Wrapf(0, "call site: %s", err)
	}

	err = rr.Dec(&decoded.Rows)
	if err != nil {
		return rezi.Wrapf(0, "rows: %s", err)
	}

	err = rr.Dec(&decoded.Host)
	if err != nil {
		return rezi.Wrapf(0, "host: %s", err)
	}

	*e = decoded
	return nil
}

// Failed returns whether the statement produced an error.
func (e Entry) Failed() bool {
	return e.Err != ""
}

func (e Entry) String() string {
	status := fmt.Sprintf("%d rows", e.Rows)
	if e.Failed() {
		status = fmt.Sprintf("error %d: %s", e.ErrNo, e.Err)
	}
	return fmt.Sprintf("[%s] %s (%s; %s)", e.Elapsed, e.Query, e.CallSite, status)
}

// Log is the ordered list of statements one connection executed, plus the
// total time spent in all of them. The zero value is ready to use and a Log
// is safe for concurrent use.
type Log struct {
	mtx     sync.Mutex
	entries []Entry
	total   time.Duration
}

// Add appends e to the log and adds its elapsed time to the total.
func (l *Log) Add(e Entry) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.entries = append(l.entries, e)
	l.total += e.Elapsed
}

// Entries returns a copy of all entries in the order they were added.
func (l *Log) Entries() []Entry {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	entries := make([]Entry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

// Total returns the total elapsed time of every entry.
func (l *Log) Total() time.Duration {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	return l.total
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	return len(l.entries)
}

// Errors returns the entries whose statement failed.
func (l *Log) Errors() []Entry {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	var failed []Entry
	for _, e := range l.entries {
		if e.Failed() {
			failed = append(failed, e)
		}
	}
	return failed
}

// Reset removes all entries.
func (l *Log) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.entries = nil
	l.total = 0
}

// MarshalBinary encodes the log with REZI.
func (l *Log) MarshalBinary() ([]byte, error) {
	if l == nil {
		return []byte{}, nil
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	var enc []byte

	enc = append(enc, rezi.MustEnc(l.entries)...)
	enc = append(enc, rezi.MustEnc(int64(l.total))...)

	return enc, nil
}

// UnmarshalBinary replaces the contents of the log with data previously
// produced by MarshalBinary.
func (l *Log) UnmarshalBinary(data []byte) error {
	if l == nil {
		return fmt.Errorf("cannot unmarshal to nil Log")
	}

	rr, err := rezi.NewReader(bytes.NewBuffer(data), nil)
	if err != nil {
		return err
	}

	var entries []Entry
	var total int64

	err = rr.Dec(&entries)
	if err != nil {
		return rezi.Wrapf(0, "entries: %s", err)
	}

	err = rr.Dec(&total)
	if err != nil {
		return rezi.Wrapf(0, "total: %s", err)
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.entries = entries
	l.total = time.Duration(total)
	return nil
}

// Export encodes the log to bytes that Import can read.
func (l *Log) Export() ([]byte, error) {
	return rezi.Enc(l)
}

// Import decodes a log previously encoded with Export.
func Import(data []byte) (*Log, error) {
	l := &Log{}

	_, err := rezi.Dec(data, l)
	return l, err
}

// Aggregate merges the logs of several connections. It holds references, so
// entries added to a log after it is added to the Aggregate are included.
type Aggregate struct {
	mtx  sync.Mutex
	logs []*Log
}

// Add includes l in the aggregate. Nil logs are ignored.
func (a *Aggregate) Add(l *Log) {
	if l == nil {
		return
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	for _, existing := range a.logs {
		if existing == l {
			return
		}
	}
	a.logs = append(a.logs, l)
}

// Entries returns the entries of every log, ordered by start time.
func (a *Aggregate) Entries() []Entry {
	a.mtx.Lock()
	logs := make([]*Log, len(a.logs))
	copy(logs, a.logs)
	a.mtx.Unlock()

	var all []Entry
	for _, l := range logs {
		all = append(all, l.Entries()...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].When.Before(all[j].When)
	})
	return all
}

// Total returns the summed total of every log.
func (a *Aggregate) Total() time.Duration {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	var total time.Duration
	for _, l := range a.logs {
		total += l.Total()
	}
	return total
}
