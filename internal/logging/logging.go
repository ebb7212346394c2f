// Package logging provides logger creation.
package logging

import (
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/jellog"
)

// New creates a new logger of the given provider. If filename is blank, it will
// not log to disk, only stderr, and the stderr logger will be configured at
// trace level instead of info level.
func New(p graphite.LogProvider, filename string) (graphite.Logger, error) {
	return NewComponent(p, filename, "graphite")
}

// NewComponent is New with the component name set to comp. The name labels
// every message.
func NewComponent(p graphite.LogProvider, filename string, comp string) (graphite.Logger, error) {
	var err error

	switch p {
	case graphite.NoLog:
		return nil, errors.New("log provider cannot be NoLog")
	case graphite.Jellog:
		var logOut *jellog.FileHandler
		if filename != "" {
			logOut, err = jellog.OpenFile(filename, nil)
			if err != nil {
				return nil, fmt.Errorf("open logfile: %q: %w", filename, err)
			}
		}
		j := jellog.New(jellog.Defaults[string]().WithComponent(comp))

		if filename != "" {
			j.AddHandler(jellog.LvTrace, logOut)
			j.AddHandler(jellog.LvInfo, jellog.NewStderrHandler(nil))
		} else {
			j.AddHandler(jellog.LvTrace, jellog.NewStderrHandler(nil))
		}

		return jellogLogger{j: j}, nil
	case graphite.StdLog:
		var logWriter io.Writer = os.Stderr
		if filename != "" {
			fileWriter, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				return nil, fmt.Errorf("open logfile: %q: %w", filename, err)
			}
			logWriter = io.MultiWriter(os.Stderr, fileWriter)
		}
		return stdLogger{std: stdlog.New(logWriter, "", stdlog.Ldate|stdlog.Ltime|stdlog.LUTC), comp: comp}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", p.String())
	}
}

// OrNoOp returns l, or a graphite.NoOpLogger if l is nil.
func OrNoOp(l graphite.Logger) graphite.Logger {
	if l == nil {
		return graphite.NoOpLogger{}
	}
	return l
}

// stdLogger writes "LEVEL component: message" lines through a standard
// library logger. Break methods write an empty line.
type stdLogger struct {
	std  *stdlog.Logger
	comp string
}

func (log stdLogger) emit(level, msg string) {
	if log.comp == "" {
		log.std.Printf("%-5s %s", level, msg)
		return
	}
	log.std.Printf("%-5s %s: %s", level, log.comp, msg)
}

func (log stdLogger) Trace(msg string)                    { log.emit("TRACE", msg) }
func (log stdLogger) Tracef(msg string, a ...interface{}) { log.emit("TRACE", fmt.Sprintf(msg, a...)) }
func (log stdLogger) Debug(msg string)                    { log.emit("DEBUG", msg) }
func (log stdLogger) Debugf(msg string, a ...interface{}) { log.emit("DEBUG", fmt.Sprintf(msg, a...)) }
func (log stdLogger) Info(msg string)                     { log.emit("INFO", msg) }
func (log stdLogger) Infof(msg string, a ...interface{})  { log.emit("INFO", fmt.Sprintf(msg, a...)) }
func (log stdLogger) Warn(msg string)                     { log.emit("WARN", msg) }
func (log stdLogger) Warnf(msg string, a ...interface{})  { log.emit("WARN", fmt.Sprintf(msg, a...)) }
func (log stdLogger) Error(msg string)                    { log.emit("ERROR", msg) }
func (log stdLogger) Errorf(msg string, a ...interface{}) { log.emit("ERROR", fmt.Sprintf(msg, a...)) }

func (log stdLogger) TraceBreak() { log.std.Print("") }
func (log stdLogger) DebugBreak() { log.std.Print("") }
func (log stdLogger) InfoBreak()  { log.std.Print("") }
func (log stdLogger) WarnBreak()  { log.std.Print("") }
func (log stdLogger) ErrorBreak() { log.std.Print("") }

type jellogLogger struct {
	j jellog.Logger[string]
}

func (log jellogLogger) Debug(msg string) {
	log.j.Debug(msg)
}

func (log jellogLogger) Debugf(msg string, a ...interface{}) {
	log.j.Debugf(msg, a...)
}

func (log jellogLogger) Warn(msg string) {
	log.j.Warn(msg)
}

func (log jellogLogger) Warnf(msg string, a ...interface{}) {
	log.j.Warnf(msg, a...)
}

func (log jellogLogger) Trace(msg string) {
	log.j.Trace(msg)
}

func (log jellogLogger) Tracef(msg string, a ...interface{}) {
	log.j.Tracef(msg, a...)
}

func (log jellogLogger) Info(msg string) {
	log.j.Info(msg)
}

func (log jellogLogger) Infof(msg string, a ...interface{}) {
	log.j.Infof(msg, a...)
}

func (log jellogLogger) Error(msg string) {
	log.j.Error(msg)
}

func (log jellogLogger) Errorf(msg string, a ...interface{}) {
	log.j.Errorf(msg, a...)
}

func (log jellogLogger) ErrorBreak() {
	log.j.InsertBreak(jellog.LvError)
}

func (log jellogLogger) InfoBreak() {
	log.j.InsertBreak(jellog.LvInfo)
}

func (log jellogLogger) WarnBreak() {
	log.j.InsertBreak(jellog.LvWarn)
}

func (log jellogLogger) TraceBreak() {
	log.j.InsertBreak(jellog.LvTrace)
}

func (log jellogLogger) DebugBreak() {
	log.j.InsertBreak(jellog.LvDebug)
}
