// Package history keeps an index of examination sessions in SQLite or
// PostgreSQL so past runs can be listed without walking the result tree.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one finished (or abandoned) session
type Record struct {
	SessionID   string    `json:"session_id"`
	Domain      string    `json:"domain"`
	ExampleID   string    `json:"example_id"`
	EvalVersion string    `json:"eval_version"`
	Outcome     string    `json:"outcome"`
	Score       *float64  `json:"score,omitempty"`
	ResultDir   string    `json:"result_dir"`
	VMAddress   string    `json:"vm_address,omitempty"`
	ExitCode    int       `json:"exit_code"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Domain  string
	Outcome string
	Limit   int
}

// Store persists session records
type Store interface {
	Record(ctx context.Context, r *Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	List(ctx context.Context, f Filter) ([]*Record, error)
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string `mapstructure:"type" yaml:"type" json:"type"` // "sqlite" or "postgres"
	DSN  string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`    // Connection string or SQLite path

	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrNotFound            = errors.New("session not found")
)

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "sqlite3", "":
		path := config.DSN
		if path == "" {
			path = "deskexam.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, config.Type)
	}
}

// sqlStore is the dialect-neutral implementation. Queries are written with
// ? placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db       *sql.DB
	dollarPH bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.dollarPH {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Record(ctx context.Context, r *Record) error {
	if r.SessionID == "" {
		return errors.New("session id is required")
	}
	query := s.rebind(`
	INSERT INTO sessions (
		session_id, domain, example_id, eval_version, outcome, score,
		result_dir, vm_address, exit_code, error, started_at, ended_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (session_id) DO UPDATE SET
		outcome = excluded.outcome,
		score = excluded.score,
		exit_code = excluded.exit_code,
		error = excluded.error,
		ended_at = excluded.ended_at`)

	var score sql.NullFloat64
	if r.Score != nil {
		score = sql.NullFloat64{Float64: *r.Score, Valid: true}
	}
	var ended sql.NullTime
	if !r.EndedAt.IsZero() {
		ended = sql.NullTime{Time: r.EndedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.SessionID, r.Domain, r.ExampleID, r.EvalVersion, r.Outcome, score,
		r.ResultDir, r.VMAddress, r.ExitCode, r.Error, r.StartedAt.UTC(), ended,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT session_id, domain, example_id, eval_version, outcome, score,
		result_dir, vm_address, exit_code, error, started_at, ended_at
	FROM sessions`

func (s *sqlStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE session_id = ?`), sessionID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *sqlStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, f.Domain)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r     Record
		score sql.NullFloat64
		ended sql.NullTime
	)
	err := row.Scan(&r.SessionID, &r.Domain, &r.ExampleID, &r.EvalVersion, &r.Outcome, &score,
		&r.ResultDir, &r.VMAddress, &r.ExitCode, &r.Error, &r.StartedAt, &ended)
	if err != nil {
		return nil, err
	}
	if score.Valid {
		v := score.Float64
		r.Score = &v
	}
	if ended.Valid {
		r.EndedAt = ended.Time
	}
	return &r, nil
}
