// Package diag serves the query logs of open database connections over HTTP
// so that reporting tools can see what statements ran, how long they took and
// which failed.
//
// Routes, relative to wherever the Router is mounted:
//
//	GET /queries          every entry, oldest first; ?failed=true for failures only
//	GET /queries/summary  counts and total time
//	GET /queries/export   the merged log encoded with REZI, for querylog.Import
package diag

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/actor"
	"github.com/dekarrin/graphite/internal/logging"
	"github.com/dekarrin/graphite/querylog"
	"github.com/go-chi/chi/v5"
)

// LogSource supplies the query logs to report on. *conn.Sources is a
// LogSource.
type LogSource interface {
	QueryLog() *querylog.Aggregate
}

// EntryModel is the JSON form of a querylog.Entry.
type EntryModel struct {
	Conn      string  `json:"conn"`
	When      string  `json:"when"`
	Query     string  `json:"query"`
	ElapsedMS float64 `json:"elapsed_ms"`
	Error     string  `json:"error,omitempty"`
	ErrNo     uint16  `json:"errno,omitempty"`
	CallSite  string  `json:"call_site,omitempty"`
	Rows      int64   `json:"rows"`
	Host      string  `json:"host,omitempty"`
	Slow      bool    `json:"slow"`
}

// SummaryModel is the JSON form of the totals of a query log.
type SummaryModel struct {
	Count   int     `json:"count"`
	Failed  int     `json:"failed"`
	Slow    int     `json:"slow"`
	TotalMS float64 `json:"total_ms"`
}

// Handler serves the query log of its Source.
//
// The zero-value of Handler is not ready to be used until its Source is set.
type Handler struct {
	// Source is where query logs are read from.
	Source LogSource

	// Secret is the key that bearer tokens are verified with. If nil, no
	// authentication is performed.
	Secret []byte

	// SlowThreshold is the elapsed time at or above which an entry counts as
	// slow. Zero marks no entry as slow.
	SlowThreshold time.Duration

	// Log receives one line per request. If nil, nothing is logged.
	Log graphite.Logger
}

// Router returns a router with the diagnostic routes. If h.Secret is set,
// every route requires a valid bearer token.
func (h Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(h.dontPanic)
	if h.Secret != nil {
		r.Use(actor.Middleware(h.Secret, true))
	}

	r.Get("/queries", h.endpoint(h.epListQueries))
	r.Get("/queries/summary", h.endpoint(h.epSummary))
	r.Get("/queries/export", h.endpoint(h.epExport))

	return r
}

func (h Handler) endpoint(ep func(req *http.Request) result) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r := ep(req)
		r.writeResponse(w)
		h.logResult(req, r)
	}
}

func (h Handler) logResult(req *http.Request, r result) {
	log := logging.OrNoOp(h.Log)

	// we don't really care about the ephemeral port from the client end
	remoteIP := strings.SplitN(req.RemoteAddr, ":", 2)[0]

	if r.isErr {
		log.Errorf("%s %s %s: HTTP-%d %s", remoteIP, req.Method, req.URL.Path, r.status, r.internalMsg)
	} else {
		log.Infof("%s %s %s: HTTP-%d %s", remoteIP, req.Method, req.URL.Path, r.status, r.internalMsg)
	}
}

// dontPanic writes a generic error response if the rest of the chain panics.
func (h Handler) dontPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if panicErr := recover(); panicErr != nil {
				r := textErr(
					http.StatusInternalServerError,
					"An internal server error occurred",
					"panic: %v\nSTACK TRACE: %s", panicErr, string(debug.Stack()),
				)
				r.writeResponse(w)
				h.logResult(req, r)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func (h Handler) epListQueries(req *http.Request) result {
	failedOnly := false
	if v := req.URL.Query().Get("failed"); v != "" {
		var err error
		failedOnly, err = strconv.ParseBool(v)
		if err != nil {
			return jsonErr(http.StatusBadRequest, "failed: must be a boolean", "bad failed parameter %q", v)
		}
	}

	entries := h.Source.QueryLog().Entries()

	models := []EntryModel{}
	for _, e := range entries {
		if failedOnly && !e.Failed() {
			continue
		}
		models = append(models, h.entryModel(e))
	}

	return jsonResponse(http.StatusOK, models, "listed %d/%d query log entries", len(models), len(entries))
}

func (h Handler) epSummary(req *http.Request) result {
	agg := h.Source.QueryLog()

	sum := SummaryModel{TotalMS: milliseconds(agg.Total())}
	for _, e := range agg.Entries() {
		sum.Count++
		if e.Failed() {
			sum.Failed++
		}
		if h.isSlow(e) {
			sum.Slow++
		}
	}

	return jsonResponse(http.StatusOK, sum, "summarized %d query log entries", sum.Count)
}

func (h Handler) epExport(req *http.Request) result {
	merged := &querylog.Log{}
	for _, e := range h.Source.QueryLog().Entries() {
		merged.Add(e)
	}

	data, err := merged.Export()
	if err != nil {
		return jsonErr(http.StatusInternalServerError, "An internal server error occurred", "export query log: %s", err.Error())
	}

	return binaryResponse(data, "exported %d query log entries", merged.Len())
}

func (h Handler) isSlow(e querylog.Entry) bool {
	return h.SlowThreshold > 0 && e.Elapsed >= h.SlowThreshold
}

func (h Handler) entryModel(e querylog.Entry) EntryModel {
	return EntryModel{
		Conn:      e.Conn,
		When:      e.When.UTC().Format(time.RFC3339Nano),
		Query:     e.Query,
		ElapsedMS: milliseconds(e.Elapsed),
		Error:     e.Err,
		ErrNo:     e.ErrNo,
		CallSite:  e.CallSite,
		Rows:      e.Rows,
		Host:      e.Host,
		Slow:      h.isSlow(e),
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

