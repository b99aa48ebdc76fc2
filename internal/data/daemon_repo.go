package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

var (
	_ core.DaemonRegistry = (*DaemonRepo)(nil)
	_ core.SentinelStore  = (*DaemonRepo)(nil)
)

// DaemonRepo stores daemon registrations and the well-known sentinels.
type DaemonRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewDaemonRepo creates a new DaemonRepo.
func NewDaemonRepo(db *sql.DB, cfg RepoConfig) *DaemonRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonRepo{DB: db, logger: logger.With("component", "daemon_repo")}
}

const daemonColumns = `id, name, hostname, kind, pid, run_id, heartbeat,
  phase_startup, phase_loop, phase_shutdown, phase_exit,
  endpoint_protocol, endpoint_address, endpoint_port`

var phaseColumns = map[model.Phase]string{
	model.PhaseStartup:  "phase_startup",
	model.PhaseLoop:     "phase_loop",
	model.PhaseShutdown: "phase_shutdown",
	model.PhaseExit:     "phase_exit",
}

// Register upserts the registration. Re-registering after a restart resets every phase.
func (r *DaemonRepo) Register(ctx context.Context, rec *model.DaemonRecord) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO daemon (`+daemonColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
		  name = EXCLUDED.name,
		  hostname = EXCLUDED.hostname,
		  kind = EXCLUDED.kind,
		  pid = EXCLUDED.pid,
		  run_id = EXCLUDED.run_id,
		  heartbeat = EXCLUDED.heartbeat,
		  phase_startup = EXCLUDED.phase_startup,
		  phase_loop = EXCLUDED.phase_loop,
		  phase_shutdown = EXCLUDED.phase_shutdown,
		  phase_exit = EXCLUDED.phase_exit,
		  endpoint_protocol = EXCLUDED.endpoint_protocol,
		  endpoint_address = EXCLUDED.endpoint_address,
		  endpoint_port = EXCLUDED.endpoint_port`,
		rec.ID, rec.Name, rec.Hostname, string(rec.Kind), rec.PID, rec.RunID, utcPtr(rec.Heartbeat),
		utcPtr(rec.Phase.Startup), utcPtr(rec.Phase.Loop), utcPtr(rec.Phase.Shutdown), utcPtr(rec.Phase.Exit),
		rec.Endpoint.Protocol, rec.Endpoint.Address, rec.Endpoint.Port,
	)
	if err != nil {
		return fmt.Errorf("register daemon %s: %w", rec.ID, apperrors.MapDBError(err))
	}
	return nil
}

func (r *DaemonRepo) updateOne(ctx context.Context, id, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update daemon %s: %w", id, apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperrors.NotFoundf("daemon %s not registered", id)
	}
	return nil
}

// EnterPhase records the time the daemon entered phase.
func (r *DaemonRepo) EnterPhase(ctx context.Context, id string, phase model.Phase, at time.Time) error {
	col, ok := phaseColumns[phase]
	if !ok {
		return apperrors.Validationf("unknown daemon phase %q", string(phase))
	}
	return r.updateOne(ctx, id, `UPDATE daemon SET `+col+` = $2 WHERE id = $1`, at.UTC())
}

// Beat refreshes the heartbeat timestamp.
func (r *DaemonRepo) Beat(ctx context.Context, id string, at time.Time) error {
	return r.updateOne(ctx, id, `UPDATE daemon SET heartbeat = $2 WHERE id = $1`, at.UTC())
}

// ClearEndpoint drops the routing metadata.
func (r *DaemonRepo) ClearEndpoint(ctx context.Context, id string) error {
	return r.updateOne(ctx, id,
		`UPDATE daemon SET endpoint_protocol = '', endpoint_address = '', endpoint_port = 0 WHERE id = $1`)
}

// ListDaemons returns every registration ordered by id.
func (r *DaemonRepo) ListDaemons(ctx context.Context) ([]*model.DaemonRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+daemonColumns+` FROM daemon ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list daemons: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var out []*model.DaemonRecord
	for rows.Next() {
		var (
			d                                  model.DaemonRecord
			heartbeat                          sql.NullTime
			startup, loop, shutdown, exitPhase sql.NullTime
		)
		if err := rows.Scan(
			&d.ID, &d.Name, &d.Hostname, &d.Kind, &d.PID, &d.RunID, &heartbeat,
			&startup, &loop, &shutdown, &exitPhase,
			&d.Endpoint.Protocol, &d.Endpoint.Address, &d.Endpoint.Port,
		); err != nil {
			return nil, fmt.Errorf("scan daemon: %w", err)
		}
		d.Heartbeat = nullableTime(heartbeat)
		d.Phase = model.Phases{
			Startup:  nullableTime(startup),
			Loop:     nullableTime(loop),
			Shutdown: nullableTime(shutdown),
			Exit:     nullableTime(exitPhase),
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// SetSentinel upserts the sentinel timestamp.
func (r *DaemonRepo) SetSentinel(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO sentinel (id, at) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET at = EXCLUDED.at`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("set sentinel %s: %w", id, apperrors.MapDBError(err))
	}
	return nil
}

// GetSentinel returns the sentinel timestamp or nil when unset.
func (r *DaemonRepo) GetSentinel(ctx context.Context, id string) (*time.Time, error) {
	var at time.Time
	err := r.DB.QueryRowContext(ctx, `SELECT at FROM sentinel WHERE id = $1`, id).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sentinel %s: %w", id, apperrors.MapDBError(err))
	}
	at = at.UTC()
	return &at, nil
}

// ClearSentinel removes the sentinel.
func (r *DaemonRepo) ClearSentinel(ctx context.Context, id string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM sentinel WHERE id = $1`, id); err != nil {
		return fmt.Errorf("clear sentinel %s: %w", id, apperrors.MapDBError(err))
	}
	return nil
}
