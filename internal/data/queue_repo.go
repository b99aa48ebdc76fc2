package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/data/database"
	"github.com/target/mmk-queue/internal/data/pgxutil"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

var (
	_ core.JobStore     = (*QueueRepo)(nil)
	_ core.JournalStore = (*QueueRepo)(nil)
)

// RepoConfig holds configuration options shared by the Postgres repositories.
type RepoConfig struct {
	Logger *slog.Logger
	// LockStaleAfter lets a restart lock older than this be taken over. Zero uses DefaultLockStaleAfter.
	LockStaleAfter time.Duration
}

// DefaultLockStaleAfter bounds how long a crashed owner can block a restart.
const DefaultLockStaleAfter = 5 * time.Minute

// QueueRepo provides the live job collection and its journal on Postgres.
type QueueRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewQueueRepo creates a new QueueRepo.
func NewQueueRepo(db *sql.DB, cfg RepoConfig) *QueueRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueRepo{DB: db, logger: logger.With("component", "queue_repo")}
}

const queueColumns = `
  id,
  name,
  args,
  fingerprint,
  state,
  priority,
  attempts,
  attempts_left,
  trial,
  timing,
  enqueued,
  started_at,
  finished_at,
  runtime,
  query_at,
  inactive_at,
  killed_at,
  removed_at,
  wall_at,
  zombie_at,
  locked,
  last_error
`

// parseJobID converts an API identifier into the bigint key. Malformed identifiers never match.
func parseJobID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	return n, err == nil && n > 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

type jobRow struct {
	id                                         int64
	args, timing, enqueued, locked, lastError  []byte
	startedAt, finishedAt, queryAt, inactiveAt sql.NullTime
	killedAt, removedAt, wallAt, zombieAt      sql.NullTime
}

func scanJob(s rowScanner) (*model.Job, error) {
	var (
		j   model.Job
		row jobRow
	)
	if err := s.Scan(
		&row.id,
		&j.Name,
		&row.args,
		&j.Fingerprint,
		&j.State,
		&j.Priority,
		&j.Attempts,
		&j.AttemptsLeft,
		&j.Trial,
		&row.timing,
		&row.enqueued,
		&row.startedAt,
		&row.finishedAt,
		&j.Runtime,
		&row.queryAt,
		&row.inactiveAt,
		&row.killedAt,
		&row.removedAt,
		&row.wallAt,
		&row.zombieAt,
		&row.locked,
		&row.lastError,
	); err != nil {
		return nil, err
	}
	if err := row.apply(&j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRow) apply(j *model.Job) error {
	j.ID = strconv.FormatInt(r.id, 10)
	j.Args = map[string]any{}
	if err := unmarshalNullable(r.args, &j.Args); err != nil {
		return fmt.Errorf("decode args of job %s: %w", j.ID, err)
	}
	if err := unmarshalNullable(r.timing, &j.Timing); err != nil {
		return fmt.Errorf("decode timing of job %s: %w", j.ID, err)
	}
	if err := unmarshalNullable(r.enqueued, &j.Enqueued); err != nil {
		return fmt.Errorf("decode enqueue info of job %s: %w", j.ID, err)
	}
	if len(r.locked) > 0 {
		j.Locked = &model.LockInfo{}
		if err := json.Unmarshal(r.locked, j.Locked); err != nil {
			return fmt.Errorf("decode lock of job %s: %w", j.ID, err)
		}
	}
	if len(r.lastError) > 0 {
		j.LastError = &model.JobError{}
		if err := json.Unmarshal(r.lastError, j.LastError); err != nil {
			return fmt.Errorf("decode last error of job %s: %w", j.ID, err)
		}
	}
	j.StartedAt = nullableTime(r.startedAt)
	j.FinishedAt = nullableTime(r.finishedAt)
	j.QueryAt = nullableTime(r.queryAt)
	j.InactiveAt = nullableTime(r.inactiveAt)
	j.KilledAt = nullableTime(r.killedAt)
	j.RemovedAt = nullableTime(r.removedAt)
	j.WallAt = nullableTime(r.wallAt)
	j.ZombieAt = nullableTime(r.zombieAt)
	return nil
}

func unmarshalNullable(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// jsonOrNil marshals v, returning nil (SQL NULL) for nil pointers.
func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func insertArgs(j *model.Job) ([]any, error) {
	args := j.Args
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	timing, err := json.Marshal(j.Timing)
	if err != nil {
		return nil, fmt.Errorf("encode timing: %w", err)
	}
	enqueued, err := json.Marshal(j.Enqueued)
	if err != nil {
		return nil, fmt.Errorf("encode enqueue info: %w", err)
	}
	locked, err := jsonOrNil(j.Locked)
	if err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}
	lastError, err := jsonOrNil(j.LastError)
	if err != nil {
		return nil, fmt.Errorf("encode last error: %w", err)
	}
	return []any{
		j.Name, argsJSON, j.Fingerprint, string(j.State), j.Priority, j.Attempts, j.AttemptsLeft,
		j.Trial, timing, enqueued, utcPtr(j.StartedAt), utcPtr(j.FinishedAt), j.Runtime,
		utcPtr(j.QueryAt), utcPtr(j.InactiveAt), utcPtr(j.KilledAt), utcPtr(j.RemovedAt),
		utcPtr(j.WallAt), utcPtr(j.ZombieAt), locked, lastError,
	}, nil
}

const insertJobSQL = `
  INSERT INTO queue (
    name, args, fingerprint, state, priority, attempts, attempts_left, trial, timing, enqueued,
    started_at, finished_at, runtime, query_at, inactive_at, killed_at, removed_at, wall_at,
    zombie_at, locked, last_error
  ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
  RETURNING` + queueColumns

// InsertJob stores a new job. A duplicate (name, fingerprint) maps to a Conflict error.
func (r *QueueRepo) InsertJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	args, err := insertArgs(job)
	if err != nil {
		return nil, err
	}
	stored, err := scanJob(r.DB.QueryRowContext(ctx, insertJobSQL, args...))
	if err != nil {
		mapped := apperrors.MapDBError(err)
		if apperrors.IsConflict(mapped) {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeConflict, "job %s already exists with these arguments", job.Name)
		}
		return nil, fmt.Errorf("insert job: %w", mapped)
	}
	return stored, nil
}

// GetJob returns the live job.
func (r *QueueRepo) GetJob(ctx context.Context, id string) (*model.Job, error) {
	key, ok := parseJobID(id)
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	j, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT`+queueColumns+`FROM queue WHERE id = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", apperrors.MapDBError(err))
	}
	return j, nil
}

// ListJobs returns live jobs matching filter ordered by id.
func (r *QueueRepo) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	query, args := database.BuildListQuery(database.NewListQueryOptions("queue",
		database.WithColumns(queueColumnList...),
		database.WithConditions(filterConditions(filter)...),
		database.WithOrderBy("id"),
		database.WithLimit(filter.Limit),
	))

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// UpdateJob applies a conditional update and reports whether a row matched.
func (r *QueueRepo) UpdateJob(ctx context.Context, upd core.JobUpdate) (bool, error) {
	key, ok := parseJobID(upd.ID)
	if !ok {
		return false, nil
	}
	query, args, err := buildJobUpdate(key, upd)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", upd.ID, apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

var claimNextSQL = `
  WITH cte AS (
    SELECT id FROM queue
    WHERE state IN ('pending', 'deferred', 'failed')
      AND (query_at IS NULL OR query_at <= $1)
      AND killed_at IS NULL
      AND removed_at IS NULL
      AND ($2::text[] IS NULL OR cardinality($2::text[]) = 0 OR name = ANY($2::text[]))
    ORDER BY priority DESC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE queue q
  SET state = 'running',
      locked = $3,
      started_at = $1,
      query_at = NULL,
      trial = q.trial + 1
  FROM cte
  WHERE q.id = cte.id
  RETURNING` + qualify("q", queueColumns)

// ClaimNext locks the next due job, by priority then id, skipping rows other claimers hold.
func (r *QueueRepo) ClaimNext(ctx context.Context, params core.ClaimParams) (*model.Job, error) {
	names := params.Names
	if names == nil {
		names = []string{}
	}
	now := params.Now.UTC()
	lock := params.Lock
	lock.At = now
	lock.Heartbeat = &now
	lockJSON, err := json.Marshal(lock)
	if err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}

	j, err := scanJob(r.DB.QueryRowContext(ctx, claimNextSQL, now, names, lockJSON))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", apperrors.MapDBError(err))
	}
	return j, nil
}

func insertJournalTx(ctx context.Context, tx pgx.Tx, j *model.Job) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO journal (id, doc) VALUES ($1, $2)`, j.ID, doc); err != nil {
		mapped := apperrors.MapDBError(err)
		if apperrors.IsConflict(mapped) {
			return apperrors.Wrapf(err, apperrors.ErrCodeInvariant, "journal already holds job %s", j.ID)
		}
		return fmt.Errorf("journal job %s: %w", j.ID, mapped)
	}
	return nil
}

// ArchiveJob deletes the job if upd.Condition still holds and journals the deleted row with
// upd.Patch applied, in one transaction.
func (r *QueueRepo) ArchiveJob(ctx context.Context, upd core.JobUpdate) (*model.Job, error) {
	key, ok := parseJobID(upd.ID)
	if !ok {
		return nil, nil
	}
	conds, err := conditionClauses(key, upd.Condition)
	if err != nil {
		return nil, err
	}
	query, args := database.BuildDelete("queue", conds)

	var archived *model.Job
	err = pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			archived = nil
			j, err := scanJob(tx.QueryRow(ctx, query+" RETURNING"+queueColumns, args...))
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("delete job %s: %w", upd.ID, apperrors.MapDBError(err))
			}
			upd.Patch.Apply(j)
			if err := insertJournalTx(ctx, tx, j); err != nil {
				return err
			}
			archived = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}

// ReplaceJob deletes the stopped job, inserts fresh and journals the original with its
// child link, all in one transaction.
func (r *QueueRepo) ReplaceJob(ctx context.Context, old, fresh *model.Job) (*model.Job, error) {
	key, ok := parseJobID(old.ID)
	if !ok {
		return nil, apperrors.NotFoundf("job %s is not stopped", old.ID)
	}
	insert, err := insertArgs(fresh)
	if err != nil {
		return nil, err
	}

	var created *model.Job
	err = pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			archived, err := scanJob(tx.QueryRow(ctx,
				`DELETE FROM queue WHERE id = $1 AND state = ANY($2::text[]) RETURNING`+queueColumns,
				key, statesToStrings(model.StateStopped)))
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.NotFoundf("job %s is not stopped", old.ID)
			}
			if err != nil {
				return fmt.Errorf("delete stopped job %s: %w", old.ID, apperrors.MapDBError(err))
			}

			created, err = scanJob(tx.QueryRow(ctx, insertJobSQL, insert...))
			if err != nil {
				mapped := apperrors.MapDBError(err)
				if apperrors.IsConflict(mapped) {
					return apperrors.Wrapf(err, apperrors.ErrCodeInvariant,
						"restart of job %s collides with a live job of the same arguments", old.ID)
				}
				return fmt.Errorf("insert restarted job: %w", mapped)
			}

			archived.Enqueued.ChildID = created.ID
			return insertJournalTx(ctx, tx, archived)
		},
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CountByState returns the number of live jobs per state.
func (r *QueueRepo) CountByState(ctx context.Context) (model.QueueCounts, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM queue GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	counts := make(model.QueueCounts)
	for rows.Next() {
		var (
			state model.State
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

const queueStateSQL = `
  SELECT name,
         state,
         zombie_at IS NOT NULL AS zombie,
         wall_at IS NOT NULL AS wall,
         removed_at IS NOT NULL AS removed,
         killed_at IS NOT NULL AS killed,
         count(*)
  FROM queue
  GROUP BY 1, 2, 3, 4, 5, 6
  ORDER BY 1, 2, 3, 4, 5, 6`

// QueueState groups live jobs by name, state and derived flags.
func (r *QueueRepo) QueueState(ctx context.Context) ([]model.QueueStateGroup, error) {
	rows, err := r.DB.QueryContext(ctx, queueStateSQL)
	if err != nil {
		return nil, fmt.Errorf("queue state: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var out []model.QueueStateGroup
	for rows.Next() {
		var g model.QueueStateGroup
		if err := rows.Scan(&g.Name, &g.State, &g.Zombie, &g.Wall, &g.Removed, &g.Killed, &g.Count); err != nil {
			return nil, fmt.Errorf("scan queue state: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetJournal returns the archived job.
func (r *QueueRepo) GetJournal(ctx context.Context, id string) (*model.Job, error) {
	var doc []byte
	err := r.DB.QueryRowContext(ctx, `SELECT doc FROM journal WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("journal entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get journal entry: %w", apperrors.MapDBError(err))
	}
	var j model.Job
	if err := json.Unmarshal(doc, &j); err != nil {
		return nil, fmt.Errorf("decode journal entry %s: %w", id, err)
	}
	return &j, nil
}

// ListJournal returns the most recently archived jobs first.
func (r *QueueRepo) ListJournal(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT doc FROM journal ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		var j model.Job
		if err := json.Unmarshal(doc, &j); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}
