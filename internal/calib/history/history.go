// Package history indexes CalibEngine runs (start/end time, mode,
// success) in a small sqlite database, separate from the flat-file
// artefacts CalibrationStore persists. It exists purely so an operator
// can review calibration history; it never backs a required artefact.
// Grounded on the teacher's internal/db/migrate.go (golang-migrate +
// pure-Go modernc.org/sqlite driver) and
// internal/lidar/storage/sqlite.AnalysisRunManager (run bookkeeping).
package history

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store indexes CalibEngine runs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the run-history database at path
// and applies any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("calibhistory: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("calibhistory: migrations subtree: %w", err)
	}
	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("calibhistory: iofs source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("calibhistory: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("calibhistory: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("calibhistory: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AttachAdminRoutes mounts a live SQL browser over the run-history
// database under /debug/tailsql/, grounded on the teacher's
// db.AttachAdminRoutes (internal/db/db.go).
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("calibhistory: new tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://calib-history", s.db, &tailsql.DBOptions{
		Label: "Calibration run history",
	})
	debug.Handle("tailsql/", "SQL live debugging of calib_run", tsql.NewMux())
	return nil
}

// Run is one CalibEngine invocation.
type Run struct {
	ID        string
	Mode      string
	StartedAt time.Time
	EndedAt   time.Time
	Success   bool
	Detail    string
}

// Begin records the start of a calibration run and returns its ID.
func (s *Store) Begin(mode string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO calib_run (id, mode, started_at) VALUES (?, ?, ?)`,
		id, mode, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("calibhistory: begin run: %w", err)
	}
	return id, nil
}

// Finish records the completion of a previously begun run.
func (s *Store) Finish(id string, success bool, detail string) error {
	_, err := s.db.Exec(
		`UPDATE calib_run SET ended_at = ?, success = ?, detail = ? WHERE id = ?`,
		time.Now().UTC(), success, detail, id,
	)
	if err != nil {
		return fmt.Errorf("calibhistory: finish run %s: %w", id, err)
	}
	return nil
}

// Recent returns the last n runs, most recent first.
func (s *Store) Recent(n int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, mode, started_at, COALESCE(ended_at, started_at), COALESCE(success, 0), COALESCE(detail, '')
		 FROM calib_run ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("calibhistory: recent: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Mode, &r.StartedAt, &r.EndedAt, &r.Success, &r.Detail); err != nil {
			return nil, fmt.Errorf("calibhistory: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
