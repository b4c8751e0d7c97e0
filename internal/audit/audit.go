// Package audit appends a write-only record of every forwarded packet
// to a local SQLite database: an operator-facing trail, never read
// back by the gateway loop itself.
package audit

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Direction distinguishes an uplink forwarded to the router from a
// downlink dispatched to the concentrator.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Entry is one forwarded-packet record.
type Entry struct {
	Hash      [32]byte
	Direction Direction
	Frequency uint32
	Region    string
	Tmst      uint32
}

// Log wraps a SQLite connection dedicated to the audit trail.
type Log struct {
	conn *sql.DB
}

// Open opens or creates the audit database at path, migrating its
// schema on startup.
func Open(path string) (*Log, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}

	l := &Log{conn: conn}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: migrating schema: %w", err)
	}
	return l, nil
}

// Close closes the underlying connection.
func (l *Log) Close() error {
	return l.conn.Close()
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS forwarded_packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hash TEXT NOT NULL,
		direction TEXT NOT NULL,
		frequency_hz INTEGER NOT NULL,
		region TEXT NOT NULL,
		tmst INTEGER NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_forwarded_packets_hash ON forwarded_packets(hash);
	`
	_, err := l.conn.Exec(schema)
	return err
}

// Append records one forwarded packet.
func (l *Log) Append(e Entry) (int64, error) {
	query := `INSERT INTO forwarded_packets (hash, direction, frequency_hz, region, tmst)
		VALUES (?, ?, ?, ?, ?)`

	result, err := l.conn.Exec(query, fmt.Sprintf("%x", e.Hash), string(e.Direction), e.Frequency, e.Region, e.Tmst)
	if err != nil {
		return 0, fmt.Errorf("audit: appending entry: %w", err)
	}
	return result.LastInsertId()
}

// Count returns the total number of recorded entries. The forwarding
// path never calls it.
func (l *Log) Count() (int64, error) {
	var n int64
	err := l.conn.QueryRow(`SELECT COUNT(*) FROM forwarded_packets`).Scan(&n)
	return n, err
}
