// Package history persists flash attempt outcomes in a local SQLite
// database and answers the queries the CLI and reporting layers need.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	tableName = "flash_history"

	// timestampLayout keeps a fixed width so string comparison in SQL
	// orders rows chronologically.
	timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

	defaultRecentLimit = 100
)

// Status values stored for each record.
const (
	StatusSuccess = "success"
	StatusFailed  = "fail"
)

// Record is one flash attempt as persisted.
type Record struct {
	ID        int64
	Timestamp time.Time
	Port      string
	MAC       string
	ChipType  string
	Status    string
	Duration  time.Duration
	Firmware  string
	LogPath   string
	ErrorMsg  string
}

// Stats aggregates attempt outcomes.
type Stats struct {
	Success int
	Failed  int
	Total   int
}

// SuccessRate returns the success percentage, zero when empty.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total) * 100
}

// Store is the append-only flash history database. A single connection is
// shared, so it is safe for concurrent use by the worker pool.
type Store struct {
	db     *sql.DB
	insert *sql.Stmt
	path   string
}

// Open opens or creates the history database at path, preparing schema and
// the insert statement.
func Open(path string) (*Store, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "history: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	insert, err := db.Prepare(`INSERT INTO ` + tableName + `
		(timestamp, port, mac, chip_type, status, duration, firmware, log_path, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "history: prepare insert failed")
	}
	log.Debug().Str("path", path).Msg("history: database ready")
	return &Store{db: db, insert: insert, path: path}, nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "history: create dir %s failed", dir)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "history: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	createTable := `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			port TEXT NOT NULL,
			mac TEXT,
			chip_type TEXT,
			status TEXT NOT NULL,
			duration REAL,
			firmware TEXT,
			log_path TEXT,
			error_msg TEXT
		);`
	if _, err := db.Exec(createTable); err != nil {
		return pkgerrors.Wrap(err, "history: init schema failed")
	}
	index := `CREATE INDEX IF NOT EXISTS idx_` + tableName + `_timestamp ON ` + tableName + `(timestamp);`
	if _, err := db.Exec(index); err != nil {
		return pkgerrors.Wrap(err, "history: init index failed")
	}
	return nil
}

// AddRecord appends one attempt and returns the new record id. A zero
// Timestamp is filled with the current time.
func (s *Store) AddRecord(ctx context.Context, rec Record) (int64, error) {
	if s == nil || s.insert == nil {
		return 0, pkgerrors.New("history: store not open")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.insert.ExecContext(ctx,
		ts.UTC().Format(timestampLayout),
		rec.Port,
		rec.MAC,
		rec.ChipType,
		rec.Status,
		rec.Duration.Seconds(),
		rec.Firmware,
		rec.LogPath,
		rec.ErrorMsg,
	)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "history: insert record failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, pkgerrors.Wrap(err, "history: read insert id failed")
	}
	return id, nil
}

// Recent returns up to limit records, newest first. A non-positive limit
// falls back to 100.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, port, mac, chip_type, status,
			duration, firmware, log_path, error_msg
		FROM `+tableName+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "history: query recent failed")
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Statistics aggregates outcomes, optionally restricted to records at or
// after since. A zero since covers everything.
func (s *Store) Statistics(ctx context.Context, since time.Time) (Stats, error) {
	query := `SELECT status, COUNT(*) FROM ` + tableName
	var args []any
	if !since.IsZero() {
		query += ` WHERE timestamp >= ?`
		args = append(args, since.UTC().Format(timestampLayout))
	}
	query += ` GROUP BY status`
	log.Debug().Str("query", formatQueryForLog(query, args...)).Msg("history: statistics query")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, pkgerrors.Wrap(err, "history: query statistics failed")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, pkgerrors.Wrap(err, "history: scan statistics failed")
		}
		switch status {
		case StatusSuccess:
			stats.Success += count
		case StatusFailed:
			stats.Failed += count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, pkgerrors.Wrap(err, "history: iterate statistics failed")
	}
	return stats, nil
}

// Reset deletes all records. Running it on an empty store is a no-op.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+tableName); err != nil {
		return pkgerrors.Wrap(err, "history: reset failed")
	}
	log.Info().Str("path", s.path).Msg("history: database reset")
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if s.insert != nil {
		s.insert.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// records returns matching rows newest first for export.
func (s *Store) records(ctx context.Context, since time.Time) ([]Record, error) {
	query := `SELECT id, timestamp, port, mac, chip_type, status,
			duration, firmware, log_path, error_msg
		FROM ` + tableName
	var args []any
	if !since.IsZero() {
		query += ` WHERE timestamp >= ?`
		args = append(args, since.UTC().Format(timestampLayout))
	}
	query += ` ORDER BY timestamp DESC`
	log.Debug().Str("query", formatQueryForLog(query, args...)).Msg("history: export query")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "history: query records failed")
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			rec      Record
			ts       string
			duration float64
			mac      sql.NullString
			chip     sql.NullString
			firmware sql.NullString
			logPath  sql.NullString
			errMsg   sql.NullString
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Port, &mac, &chip, &rec.Status,
			&duration, &firmware, &logPath, &errMsg); err != nil {
			return nil, pkgerrors.Wrap(err, "history: scan record failed")
		}
		if parsed, err := time.Parse(timestampLayout, ts); err == nil {
			rec.Timestamp = parsed
		}
		rec.Duration = time.Duration(duration * float64(time.Second))
		rec.MAC = mac.String
		rec.ChipType = chip.String
		rec.Firmware = firmware.String
		rec.LogPath = logPath.String
		rec.ErrorMsg = errMsg.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "history: iterate records failed")
	}
	return records, nil
}
