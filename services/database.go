package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"pagebinder/models"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseService is the completion ledger. One row per finished job.
type DatabaseService struct {
	db     *sql.DB
	driver string
	dsn    string
}

func NewDatabaseService(driver, databaseURL string) (*DatabaseService, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db, driver: driver, dsn: databaseURL}, nil
}

func (d *DatabaseService) Driver() string {
	return d.driver
}

func (d *DatabaseService) placeholders(n int) string {
	s := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			s += ", "
		}
		if d.driver == DriverPostgres {
			s += fmt.Sprintf("$%d", i)
		} else {
			s += "?"
		}
	}
	return s
}

// Append writes rec to the ledger.
func (d *DatabaseService) Append(ctx context.Context, rec models.CompletionRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `INSERT INTO conversion_completions
		(session_key, job_id, file_count, total_bytes, is_premium, succeeded, converted_at)
		VALUES (` + d.placeholders(7) + `)`

	_, err := d.db.ExecContext(ctx, query,
		rec.SessionKey, rec.JobID.String(), rec.FileCount, rec.TotalBytes, rec.Premium, rec.Succeeded, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to append completion record: %w", err)
	}
	return nil
}

// SessionStats summarizes a session's ledger rows.
type SessionStats struct {
	Jobs       int
	Succeeded  int
	Files      int
	TotalBytes int64
}

func (d *DatabaseService) Stats(ctx context.Context, sessionKey string) (SessionStats, error) {
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN succeeded THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(file_count), 0),
		COALESCE(SUM(total_bytes), 0)
		FROM conversion_completions WHERE session_key = ` + d.placeholders(1)

	var stats SessionStats
	err := d.db.QueryRowContext(ctx, query, sessionKey).
		Scan(&stats.Jobs, &stats.Succeeded, &stats.Files, &stats.TotalBytes)
	if err != nil {
		return SessionStats{}, fmt.Errorf("failed to read session stats: %w", err)
	}
	return stats, nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}
