// Package feedback provides PostgreSQL-backed storage for user feedback and
// abuse reports submitted through the HTTP API. Identities are the ephemeral
// per-connection user IDs, so rows reference anonymous sessions only.
package feedback

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// validReasons is the set of allowed report reason values, matching the
// CHECK constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"underage":   true,
	"other":      true,
}

// ValidReason reports whether reason is an accepted report reason.
func ValidReason(reason string) bool {
	return validReasons[reason]
}

// Store persists feedback and abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Feedback is a session rating submitted after a chat.
type Feedback struct {
	SessionID string
	Rating    int // 1-5
	Comment   string
}

// Report is an abuse report against a chat partner.
type Report struct {
	ReporterID string
	ReportedID string
	SessionID  string
	Reason     string
	Details    string
}

// Open connects to PostgreSQL at dsn, verifies the connection, and applies
// pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("feedback: open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("feedback: database unreachable: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// runMigrations applies the embedded schema migrations.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("feedback: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("feedback: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("feedback: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("feedback: migrate: %w", err)
	}
	log.Println("feedback: migrations up to date")
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateFeedback inserts a session rating.
func (s *Store) CreateFeedback(ctx context.Context, f *Feedback) error {
	if f.Rating < 1 || f.Rating > 5 {
		return fmt.Errorf("feedback: rating %d out of range", f.Rating)
	}

	const query = `
		INSERT INTO session_feedback (session_id, rating, comment)
		VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, query, f.SessionID, f.Rating, f.Comment); err != nil {
		return fmt.Errorf("feedback: insert feedback: %w", err)
	}
	return nil
}

// CreateReport inserts an abuse report. The reason is validated against the
// allowed set before insertion.
func (s *Store) CreateReport(ctx context.Context, r *Report) error {
	if !ValidReason(r.Reason) {
		return fmt.Errorf("feedback: invalid reason %q", r.Reason)
	}

	const query = `
		INSERT INTO abuse_reports (reporter_id, reported_id, session_id, reason, details)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, r.ReporterID, r.ReportedID, r.SessionID, r.Reason, r.Details); err != nil {
		return fmt.Errorf("feedback: insert report: %w", err)
	}
	return nil
}

// CountRecentReports returns how many reports were filed against a user ID
// within the window. Useful for moderation review queries.
func (s *Store) CountRecentReports(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	if err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("feedback: count recent reports: %w", err)
	}
	return count, nil
}

// AverageRating returns the mean session rating over the window, or 0 when
// no feedback exists.
func (s *Store) AverageRating(ctx context.Context, window time.Duration) (float64, error) {
	const query = `
		SELECT COALESCE(AVG(rating), 0)
		FROM session_feedback
		WHERE created_at >= NOW() - $1::interval`

	var avg float64
	if err := s.db.QueryRowContext(ctx, query, window.String()).Scan(&avg); err != nil {
		return 0, fmt.Errorf("feedback: average rating: %w", err)
	}
	return avg, nil
}
