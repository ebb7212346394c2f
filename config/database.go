package config

import (
	"fmt"
	"strings"
)

// Names of the sources that have a fixed meaning.
const (
	// DefaultSource is the name of the primary read/write source.
	DefaultSource = "default"

	// ReplicaSource is the name of the optional read-only replica.
	ReplicaSource = "ro"
)

// Database contains the options for connecting to one MySQL source.
type Database struct {
	// Host is the hostname or IP of the server. Defaults to "localhost" if
	// neither Host nor Socket is set.
	Host string

	// User is the name to log in as.
	User string

	// Pass is the password of User.
	Pass string

	// Name is the name of the schema to use.
	Name string

	// Port is the TCP port of the server. Defaults to 3306 when connecting
	// over TCP.
	Port int

	// Socket is the path of a unix socket to connect over instead of TCP.
	Socket string

	// Sparse is whether the connection is closed between statements. If nil,
	// the global setting in Config is used.
	Sparse *bool

	// ReadOnly is whether statements that can modify data are refused. The
	// check is a convenience only and must not be relied on for access
	// control.
	ReadOnly bool

	// LogLevel overrides the global query log level for this source when not
	// nil.
	LogLevel *int
}

// FillDefaults returns a new Database identical to db but with unset values
// set to their defaults and values normalized.
func (db Database) FillDefaults() Database {
	newDB := db

	if newDB.Host == "" && newDB.Socket == "" {
		newDB.Host = "localhost"
	}
	if newDB.Port == 0 && newDB.Socket == "" {
		newDB.Port = 3306
	}

	return newDB
}

// Validate returns an error if the Database has invalid field values set.
func (db Database) Validate() error {
	if db.Host == "" && db.Socket == "" {
		return fmt.Errorf("host: must not be empty if socket is not set")
	}
	if db.User == "" {
		return fmt.Errorf("user: must not be empty")
	}
	if db.Name == "" {
		return fmt.Errorf("name: must not be empty")
	}
	if db.Socket == "" && (db.Port < 1 || db.Port > 65535) {
		return fmt.Errorf("port: must be between 1 and 65535")
	}
	if db.LogLevel != nil && (*db.LogLevel < 0 || *db.LogLevel > 2) {
		return fmt.Errorf("log_level: must be 0, 1, or 2")
	}

	return nil
}

// Complete returns whether db has enough set to attempt a connection.
func (db Database) Complete() bool {
	return (db.Host != "" || db.Socket != "") && db.User != "" && db.Name != ""
}

// Addr returns the network address of the server, for logs.
func (db Database) Addr() string {
	if db.Socket != "" {
		return db.Socket + " via unix socket"
	}
	if db.Port != 0 {
		return fmt.Sprintf("%s:%d via TCP/IP", db.Host, db.Port)
	}
	return db.Host + " via TCP/IP"
}

func (db Database) String() string {
	var sb strings.Builder
	sb.WriteString(db.User)
	sb.WriteRune('@')
	sb.WriteString(db.Addr())
	sb.WriteRune('/')
	sb.WriteString(db.Name)
	if db.ReadOnly {
		sb.WriteString(" (read-only)")
	}
	return sb.String()
}
