package downloads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, WAL-friendly

	"github.com/adamancini/sideload/internal/types"
)

const (
	// DBFileName is the name of the job database inside the state directory.
	DBFileName = "jobs.db"

	reasonInterrupted = "interrupted"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	filename    TEXT NOT NULL,
	path        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	visibility  TEXT NOT NULL,
	status      TEXT NOT NULL,
	bytes_done  INTEGER NOT NULL DEFAULT 0,
	bytes_total INTEGER NOT NULL DEFAULT -1,
	error       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	owner        TEXT NOT NULL DEFAULT '',
	heartbeat_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs(status);
`

// columnMigrations adds columns to job tables created by older releases.
var columnMigrations = []struct {
	column string
	ddl    string
}{
	{"owner", `ALTER TABLE jobs ADD COLUMN owner TEXT NOT NULL DEFAULT ''`},
	{"heartbeat_at", `ALTER TABLE jobs ADD COLUMN heartbeat_at INTEGER NOT NULL DEFAULT 0`},
}

const jobColumns = `id, url, filename, path, title, description, visibility, status,
	bytes_done, bytes_total, error, created_at, updated_at`

var errJobNotFound = errors.New("job not found")

// store persists jobs in SQLite. All methods are safe for concurrent use.
//
// Every row records the service that owns it and when that service last
// proved to be alive. Rows of other live services are never recovered.
type store struct {
	db    *sql.DB
	owner string
	now   func() time.Time
}

// buildDSN creates a read-write WAL DSN for the given path.
func buildDSN(dbPath string) string {
	u := url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(dbPath),
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "synchronous(normal)")
	u.RawQuery = q.Encode()
	return u.String()
}

func openStore(ctx context.Context, dbPath string) (*store, error) {
	db, err := sql.Open("sqlite", buildDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open job db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job db: %w", err)
	}
	if err := migrateColumns(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job db: %w", err)
	}
	return &store{db: db, now: time.Now}, nil
}

func migrateColumns(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('jobs')`)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		existing[name] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, m := range columnMigrations {
		if existing[m.column] {
			continue
		}
		if _, err := db.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", m.column, err)
		}
	}
	return nil
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) insert(ctx context.Context, job *Job) error {
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`, owner, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID), job.URL, job.Filename, job.Path, job.Title, job.Description,
		string(job.Visibility), string(job.Status), job.BytesDone, job.BytesTotal, job.Error,
		now.UnixNano(), now.UnixNano(), s.owner, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *store) setStatus(ctx context.Context, id JobID, status types.DownloadStatus, reason string) error {
	if err := status.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, s.now().UnixNano(), string(id),
	)
	if err != nil {
		return fmt.Errorf("update job %s status: %w", id, err)
	}
	return expectOneRow(res, id)
}

func (s *store) setProgress(ctx context.Context, id JobID, done, total int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET bytes_done = ?, bytes_total = ?, updated_at = ? WHERE id = ?`,
		done, total, s.now().UnixNano(), string(id),
	)
	if err != nil {
		return fmt.Errorf("update job %s progress: %w", id, err)
	}
	return expectOneRow(res, id)
}

func (s *store) get(ctx context.Context, id JobID) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", id, err)
	}
	return job, nil
}

// list returns all jobs, newest first.
func (s *store) list(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// heartbeat refreshes the liveness of the unresolved jobs this store owns.
func (s *store) heartbeat(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = ? WHERE owner = ? AND status IN (?, ?)`,
		s.now().UnixNano(), s.owner,
		string(types.StatusPending), string(types.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("refresh job heartbeat: %w", err)
	}
	return nil
}

// markInterrupted fails the unresolved jobs whose owner has not shown a
// heartbeat since staleBefore and returns their partial file paths.
func (s *store) markInterrupted(ctx context.Context, staleBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ?
		WHERE status IN (?, ?) AND heartbeat_at < ?
		RETURNING id, path`,
		string(types.StatusFailed), reasonInterrupted, s.now().UnixNano(),
		string(types.StatusPending), string(types.StatusRunning),
		staleBefore.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var partials []string
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("mark interrupted jobs: %w", err)
		}
		partials = append(partials, partialPath(path, JobID(id)))
	}
	return partials, rows.Err()
}

func (s *store) delete(ctx context.Context, id JobID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return expectOneRow(res, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                  Job
		id, visibility, stat string
		created, updated     int64
	)
	if err := row.Scan(&id, &job.URL, &job.Filename, &job.Path, &job.Title, &job.Description,
		&visibility, &stat, &job.BytesDone, &job.BytesTotal, &job.Error, &created, &updated); err != nil {
		return nil, err
	}
	job.ID = JobID(id)
	job.Visibility = types.Visibility(visibility)
	job.Status = types.DownloadStatus(stat)
	job.CreatedAt = time.Unix(0, created)
	job.UpdatedAt = time.Unix(0, updated)
	return &job, nil
}

func expectOneRow(res sql.Result, id JobID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, errJobNotFound)
	}
	return nil
}
