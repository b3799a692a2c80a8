package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/state"
)

var ErrNotFound = errors.New("not found")

// Index is a queryable catalog of runs kept beside the state files. The state files stay
// authoritative; the index can be dropped and rebuilt at any time.
type Index struct {
	DB *sql.DB
}

// Open opens and migrates the index database.
func Open(ctx context.Context, cfg db.Config) (*Index, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return &Index{DB: conn}, nil
}

func (i *Index) Close() error {
	return i.DB.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertSQL = `INSERT INTO runs(project_id,thread_id,stack,status,current_stage,artifacts,errors,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(project_id,thread_id) DO UPDATE SET
  stack=excluded.stack,
  status=excluded.status,
  current_stage=excluded.current_stage,
  artifacts=excluded.artifacts,
  errors=excluded.errors,
  updated_at=excluded.updated_at`

func upsert(ctx context.Context, ex execer, s domain.RunSummary) error {
	_, err := ex.ExecContext(ctx, upsertSQL,
		s.ProjectID, s.ThreadID, s.Stack, string(s.Status), nullable(s.CurrentStage), s.Artifacts, s.Errors, s.UpdatedAt)
	return err
}

// Upsert records the latest summary for a run.
func (i *Index) Upsert(ctx context.Context, s domain.RunSummary) error {
	if err := upsert(ctx, i.DB, s); err != nil {
		return fmt.Errorf("index %s/%s: %w", s.ProjectID, s.ThreadID, err)
	}
	return nil
}

const selectRuns = `SELECT project_id,thread_id,stack,status,COALESCE(current_stage,'') AS current_stage,artifacts,errors,updated_at FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (domain.RunSummary, error) {
	var s domain.RunSummary
	var status string
	if err := row.Scan(&s.ProjectID, &s.ThreadID, &s.Stack, &status, &s.CurrentStage, &s.Artifacts, &s.Errors, &s.UpdatedAt); err != nil {
		return domain.RunSummary{}, err
	}
	s.Status = domain.RunStatus(status)
	return s, nil
}

// Get returns the summary for one run.
func (i *Index) Get(ctx context.Context, projectID, threadID string) (domain.RunSummary, error) {
	s, err := scanSummary(i.DB.QueryRowContext(ctx, selectRuns+` WHERE project_id=? AND thread_id=?`, projectID, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunSummary{}, ErrNotFound
	}
	return s, err
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	ProjectID string
	Status    domain.RunStatus
	Limit     int
}

// List returns runs most recently updated first.
func (i *Index) List(ctx context.Context, f Filter) ([]domain.RunSummary, error) {
	var where []string
	var args []any
	if f.ProjectID != "" {
		where = append(where, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	q := selectRuns
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC, project_id, thread_id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := i.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RunSummary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RebuildReport summarizes a Rebuild pass.
type RebuildReport struct {
	Indexed int      `json:"indexed"`
	Skipped []string `json:"skipped"`
}

// Rebuild replaces the index contents with one row per readable snapshot in store.
// Snapshots that fail to load are reported and left out.
func (i *Index) Rebuild(ctx context.Context, store *state.Store) (RebuildReport, error) {
	report := RebuildReport{Skipped: []string{}}
	tx, err := i.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return report, fmt.Errorf("clear index: %w", err)
	}
	err = store.Walk(func(st domain.PipelineState, loadErr error) error {
		if loadErr != nil {
			report.Skipped = append(report.Skipped, loadErr.Error())
			return nil
		}
		if err := upsert(ctx, tx, domain.Summarize(st)); err != nil {
			return fmt.Errorf("index %s/%s: %w", st.ProjectID, st.ThreadID, err)
		}
		report.Indexed++
		return nil
	})
	if err != nil {
		return report, err
	}
	return report, tx.Commit()
}

// Scan builds the listing straight from the state files, for use when the index is disabled.
// Unreadable snapshots are skipped.
func Scan(store *state.Store, f Filter) ([]domain.RunSummary, error) {
	res := []domain.RunSummary{}
	err := store.Walk(func(st domain.PipelineState, loadErr error) error {
		if loadErr != nil {
			return nil
		}
		if f.ProjectID != "" && st.ProjectID != f.ProjectID {
			return nil
		}
		if f.Status != "" && st.Status != f.Status {
			return nil
		}
		res = append(res, domain.Summarize(st))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].UpdatedAt > res[j].UpdatedAt })
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
