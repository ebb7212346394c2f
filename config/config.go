// Package config contains configuration options for graphite data sources,
// query logging and the application logger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dekarrin/graphite"
	"github.com/dekarrin/graphite/internal/logging"
)

// Format is a serialization format of a config file.
type Format int

const (
	NoFormat Format = iota
	JSON
	YAML
)

func (f Format) String() string {
	switch f {
	case NoFormat:
		return "none"
	case JSON:
		return "json"
	case YAML:
		return "yaml"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Extensions returns the file extensions, without the leading dot, of files in
// the format.
func (f Format) Extensions() []string {
	switch f {
	case JSON:
		return []string{"json"}
	case YAML:
		return []string{"yaml", "yml"}
	default:
		return nil
	}
}

// Log contains options for the application logger.
type Log struct {
	// Provider must be the name of one of the logging providers. If set to
	// None or unset, it will default to graphite.Jellog.
	Provider graphite.LogProvider

	// File to log to. If not set, all logging will be done to stderr and it
	// will display all logging statements. If set, the file will receive all
	// levels of log messages and stderr will show only those of Info level or
	// higher.
	File string
}

// Create builds the logger described by log.
func (log Log) Create() (graphite.Logger, error) {
	return logging.New(log.Provider, log.File)
}

func (log Log) FillDefaults() Log {
	newLog := log

	if newLog.Provider == graphite.NoLog {
		newLog.Provider = graphite.Jellog
	}

	return newLog
}

func (log Log) Validate() error {
	if log.Provider == graphite.NoLog {
		return fmt.Errorf("provider: must not be empty")
	}

	return nil
}

// Config is a complete configuration of the data layer.
type Config struct {
	// DBs holds the sources by name. DefaultSource is required; ReplicaSource
	// is used for reads when present. Any other name is a secondary source
	// that entity types can route their reads to.
	DBs map[string]Database

	// Prefix is prepended to every table name.
	Prefix string

	// LogLevel controls query logging. 0 disables it, 1 records every
	// statement, and 2 additionally reports failed statements to the logger
	// at error level.
	LogLevel int

	// Sparse is whether connections are closed between statements. Sources
	// can override it.
	Sparse bool

	// SlowQueryThreshold is the elapsed time above which a statement is
	// reported to the logger as slow. Zero disables the report.
	SlowQueryThreshold time.Duration

	// Log configures the application logger.
	Log Log

	// Format is the format the config was loaded from, used by Dump.
	Format Format
}

// FillDefaults returns a new Config identical to cfg but with unset values
// set to their defaults.
func (cfg Config) FillDefaults() Config {
	newCFG := cfg

	dbs := make(map[string]Database, len(cfg.DBs))
	for name, db := range cfg.DBs {
		dbs[strings.ToLower(name)] = db.FillDefaults()
	}
	newCFG.DBs = dbs
	newCFG.Log = newCFG.Log.FillDefaults()

	return newCFG
}

// Validate returns an error if the Config has invalid field values set. Empty
// and unset values are considered invalid; if defaults are intended to be used,
// call Validate on the return value of FillDefaults.
func (cfg Config) Validate() error {
	if err := cfg.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if cfg.LogLevel < 0 || cfg.LogLevel > 2 {
		return fmt.Errorf("log_level: must be 0, 1, or 2")
	}
	if cfg.SlowQueryThreshold < 0 {
		return fmt.Errorf("slow_query: must not be negative")
	}
	if _, ok := cfg.DBs[DefaultSource]; !ok {
		return fmt.Errorf("dbs: %s: must be configured", DefaultSource)
	}
	for name, db := range cfg.DBs {
		if err := db.Validate(); err != nil {
			return fmt.Errorf("dbs: %s: %w", name, err)
		}
	}

	return nil
}

// Source returns the named source with the global sparse and log level
// settings applied where the source does not override them.
func (cfg Config) Source(name string) (Database, bool) {
	name = strings.ToLower(name)
	db, ok := cfg.DBs[name]
	if !ok {
		return Database{}, false
	}

	if db.Sparse == nil {
		sparse := cfg.Sparse
		db.Sparse = &sparse
	}
	if db.LogLevel == nil {
		lvl := cfg.LogLevel
		db.LogLevel = &lvl
	}
	if name == ReplicaSource {
		db.ReadOnly = true
	}
	return db, true
}
