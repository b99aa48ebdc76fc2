package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

var _ core.StatStore = (*StatRepo)(nil)

// StatRepo appends queue statistics.
type StatRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewStatRepo creates a new StatRepo.
func NewStatRepo(db *sql.DB, cfg RepoConfig) *StatRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StatRepo{DB: db, logger: logger.With("component", "stat_repo")}
}

// RecordStat inserts one statistics row.
func (r *StatRepo) RecordStat(ctx context.Context, rec *model.StatRecord) error {
	data := rec.Data
	if data == nil {
		data = []string{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode stat data: %w", err)
	}
	counts := rec.Counts
	if counts == nil {
		counts = model.QueueCounts{}
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("encode stat counts: %w", err)
	}
	if _, err := r.DB.ExecContext(ctx,
		`INSERT INTO stat (at, event, data, counts) VALUES ($1, $2, $3, $4)`,
		rec.At.UTC(), rec.Event, dataJSON, countsJSON,
	); err != nil {
		return fmt.Errorf("record stat: %w", apperrors.MapDBError(err))
	}
	return nil
}

// LatestStats returns the newest records first.
func (r *StatRepo) LatestStats(ctx context.Context, limit int) ([]*model.StatRecord, error) {
	query := `SELECT at, event, data, counts FROM stat ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var out []*model.StatRecord
	for rows.Next() {
		var (
			rec          model.StatRecord
			data, counts []byte
		)
		if err := rows.Scan(&rec.At, &rec.Event, &data, &counts); err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		rec.At = rec.At.UTC()
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return nil, fmt.Errorf("decode stat data: %w", err)
		}
		if err := json.Unmarshal(counts, &rec.Counts); err != nil {
			return nil, fmt.Errorf("decode stat counts: %w", err)
		}
		if len(rec.Data) == 0 {
			rec.Data = nil
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
