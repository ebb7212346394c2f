package record

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// DateTimeFormat is the text layout of dt field values.
const DateTimeFormat = "2006-01-02 15:04:05"

// clock returns the current time. Tests replace it.
var clock = func() time.Time {
	return time.Now().UTC()
}

var absoluteLayouts = []string{
	DateTimeFormat,
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

var phrases = newPhraseParser()

func newPhraseParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

var (
	unixDigits = regexp.MustCompile(`^\d+$`)
	monthEdge  = regexp.MustCompile(`^(first|last) day of (?:(this|next|last|previous) )?month$`)
)

// ResolveDate converts a date expression to a unix time relative to now.
//
// Unix times ("@1700000000" or bare digits), absolute dates in the forms
// "2006-01-02 15:04:05", "2006-01-02" and RFC 3339, and the words "now",
// "today", "tomorrow" and "yesterday" are read directly. So are signed
// offsets such as "+1 day", "-18 years" or "+1 week 2 days", and "first day
// of next month". Anything else is read as an English phrase such as
// "5 days ago", "next monday" or "in 2 hours"; the phrase must make up the
// whole expression. Absolute dates without a zone are read as UTC.
func ResolveDate(expr string, now time.Time) (int64, error) {
	raw := strings.TrimSpace(expr)
	s := strings.ToLower(raw)
	now = now.UTC()

	switch s {
	case "":
		return 0, fmt.Errorf("empty date expression")
	case "now":
		return now.Unix(), nil
	case "today", "midnight":
		return midnight(now).Unix(), nil
	case "tomorrow":
		return midnight(now).AddDate(0, 0, 1).Unix(), nil
	case "yesterday":
		return midnight(now).AddDate(0, 0, -1).Unix(), nil
	}

	if strings.HasPrefix(s, "@") {
		n, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad unix time %q", expr)
		}
		return n, nil
	}
	if unixDigits.MatchString(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad unix time %q", expr)
		}
		return n, nil
	}

	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.Unix(), nil
		}
	}

	if m := monthEdge.FindStringSubmatch(s); m != nil {
		return monthDay(now, m[1] == "last", m[2]).Unix(), nil
	}

	if t, ok := applyOffsets(s, now); ok {
		return t.Unix(), nil
	}

	r, err := phrases.Parse(s, now)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", expr, err)
	}
	if r == nil || !strings.EqualFold(strings.TrimSpace(r.Source), s) {
		return 0, fmt.Errorf("%q: not a date expression", expr)
	}
	return r.Time.UTC().Unix(), nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// monthDay returns the first or last day of the month given by which,
// keeping the time of day of now.
func monthDay(now time.Time, last bool, which string) time.Time {
	offset := 0
	switch which {
	case "next":
		offset = 1
	case "last", "previous":
		offset = -1
	}

	y, m, _ := now.Date()
	first := time.Date(y, m+time.Month(offset), 1, now.Hour(), now.Minute(), now.Second(), 0, time.UTC)
	if last {
		return first.AddDate(0, 1, -1)
	}
	return first
}

// applyOffsets reads s as a run of "<amount> <unit>" pairs, each added to now.
// Amounts without a sign are positive.
func applyOffsets(s string, now time.Time) (time.Time, bool) {
	tokens := strings.Fields(s)
	if len(tokens) == 0 || len(tokens)%2 != 0 {
		return now, false
	}

	t := now
	for i := 0; i < len(tokens); i += 2 {
		n, err := strconv.Atoi(strings.TrimPrefix(tokens[i], "+"))
		if err != nil {
			return now, false
		}

		switch strings.TrimSuffix(tokens[i+1], "s") {
		case "sec", "second":
			t = t.Add(time.Duration(n) * time.Second)
		case "min", "minute":
			t = t.Add(time.Duration(n) * time.Minute)
		case "hour":
			t = t.Add(time.Duration(n) * time.Hour)
		case "day":
			t = t.AddDate(0, 0, n)
		case "week":
			t = t.AddDate(0, 0, 7*n)
		case "month":
			t = t.AddDate(0, n, 0)
		case "year":
			t = t.AddDate(n, 0, 0)
		default:
			return now, false
		}
	}

	return t, true
}
