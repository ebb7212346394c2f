package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dekarrin/graphite"
	"gopkg.in/yaml.v3"
)

type marshaledDatabase struct {
	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	User     string `yaml:"user" json:"user"`
	Pass     string `yaml:"pass,omitempty" json:"pass,omitempty"`
	Name     string `yaml:"name" json:"name"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	Socket   string `yaml:"socket,omitempty" json:"socket,omitempty"`
	Sparse   *bool  `yaml:"sparse,omitempty" json:"sparse,omitempty"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	LogLevel *int   `yaml:"log_level,omitempty" json:"log_level,omitempty"`
}

type marshaledLog struct {
	Provider string `yaml:"provider" json:"provider"`
	File     string `yaml:"file,omitempty" json:"file,omitempty"`
}

type marshaledConfig struct {
	DBs       map[string]marshaledDatabase `yaml:"dbs" json:"dbs"`
	Prefix    string                       `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	LogLevel  int                          `yaml:"log_level" json:"log_level"`
	Sparse    bool                         `yaml:"sparse" json:"sparse"`
	SlowQuery string                       `yaml:"slow_query,omitempty" json:"slow_query,omitempty"`
	Log       marshaledLog                 `yaml:"log" json:"log"`
}

// SupportedFormats returns a list of formats that the config module supports
// decoding. Includes all but NoFormat.
func SupportedFormats() []Format {
	return []Format{JSON, YAML}
}

// DetectFormat detects the format of a given configuration file and returns the
// Format that can decode it. Returns NoFormat if the format could not be
// detected.
func DetectFormat(file string) Format {
	ext := strings.ToLower(filepath.Ext(file))
	ext = strings.TrimPrefix(ext, ".")

	for _, f := range SupportedFormats() {
		for _, checkedExt := range f.Extensions() {
			if ext == checkedExt {
				return f
			}
		}
	}

	return NoFormat
}

// Load loads a configuration from a JSON or YAML file. The format of the file
// is determined by examining its extension; files ending in .json are parsed as
// JSON files, and files ending in .yaml or .yml are parsed as YAML files. Other
// extensions are not supported. The extension is not case-sensitive.
func Load(file string) (Config, error) {
	f := DetectFormat(file)
	if f == NoFormat {
		return Config{}, fmt.Errorf("%s: incompatible format; must be a .json, .yaml, or .yml file", file)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", file, err)
	}

	cfg, err := Decode(f, data)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", file, err)
	}
	return cfg, nil
}

// Decode parses data in format f into a Config. No defaults are applied and
// no validation is done beyond what parsing requires.
func Decode(f Format, data []byte) (Config, error) {
	var cfg Config
	var mc marshaledConfig
	var err error

	switch f {
	case JSON:
		err = json.Unmarshal(data, &mc)
	case YAML:
		err = yaml.Unmarshal(data, &mc)
	default:
		return cfg, fmt.Errorf("cannot unmarshal data in format %q", f.String())
	}

	if err != nil {
		return cfg, err
	}

	cfg.Format = f
	err = cfg.unmarshal(mc)
	return cfg, err
}

// Dump dumps the configuration into the bytes of a formatted file. If parsed
// by Load, the result is an equivalent config.
//
// The config will be dumped in the same format it was loaded with, or will
// default to YAML if the cfg was created without loading from a file.
//
// This function will cause a panic if there is a problem marshaling the config
// data in its format.
func Dump(cfg Config) []byte {
	f := cfg.Format
	if f == NoFormat {
		f = YAML
	}

	mc := cfg.marshal()

	var data []byte
	var err error
	switch f {
	case JSON:
		data, err = json.Marshal(mc)
	default:
		data, err = yaml.Marshal(mc)
	}
	if err != nil {
		panic(fmt.Sprintf("format encoding failed: %v", err))
	}
	return data
}

// unmarshal completely replaces all attributes with the values or missing
// values in the marshaledConfig.
//
// does no validation except that which is required for parsing.
func (cfg *Config) unmarshal(m marshaledConfig) error {
	var err error

	cfg.Prefix = m.Prefix
	cfg.LogLevel = m.LogLevel
	cfg.Sparse = m.Sparse

	cfg.SlowQueryThreshold = 0
	if m.SlowQuery != "" {
		cfg.SlowQueryThreshold, err = time.ParseDuration(m.SlowQuery)
		if err != nil {
			return fmt.Errorf("slow_query: %w", err)
		}
	}

	cfg.Log.Provider, err = graphite.ParseLogProvider(m.Log.Provider)
	if err != nil {
		return fmt.Errorf("log: provider: %w", err)
	}
	cfg.Log.File = m.Log.File

	cfg.DBs = map[string]Database{}
	for n, mdb := range m.DBs {
		var db Database
		db.unmarshal(mdb)
		cfg.DBs[strings.ToLower(n)] = db
	}

	return nil
}

func (cfg Config) marshal() marshaledConfig {
	mc := marshaledConfig{
		DBs:      map[string]marshaledDatabase{},
		Prefix:   cfg.Prefix,
		LogLevel: cfg.LogLevel,
		Sparse:   cfg.Sparse,
		Log: marshaledLog{
			Provider: cfg.Log.Provider.String(),
			File:     cfg.Log.File,
		},
	}
	if cfg.SlowQueryThreshold > 0 {
		mc.SlowQuery = cfg.SlowQueryThreshold.String()
	}
	for n, db := range cfg.DBs {
		mc.DBs[n] = db.marshal()
	}
	return mc
}

// unmarshal completely replaces all attributes with the values or missing
// values in the marshaledDatabase.
func (db *Database) unmarshal(m marshaledDatabase) {
	db.Host = m.Host
	db.User = m.User
	db.Pass = m.Pass
	db.Name = m.Name
	db.Port = m.Port
	db.Socket = m.Socket
	db.Sparse = m.Sparse
	db.ReadOnly = m.ReadOnly
	db.LogLevel = m.LogLevel
}

func (db Database) marshal() marshaledDatabase {
	return marshaledDatabase{
		Host:     db.Host,
		User:     db.User,
		Pass:     db.Pass,
		Name:     db.Name,
		Port:     db.Port,
		Socket:   db.Socket,
		Sparse:   db.Sparse,
		ReadOnly: db.ReadOnly,
		LogLevel: db.LogLevel,
	}
}
