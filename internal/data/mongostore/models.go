package mongostore

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/target/mmk-queue/internal/domain/model"
)

// ── Job documents ─────────────────────────────────────────────────

type timingDoc struct {
	DeferTime  int `bson:"defer_time"`
	DeferMax   int `bson:"defer_max"`
	ErrorTime  int `bson:"error_time"`
	WallTime   int `bson:"wall_time"`
	ZombieTime int `bson:"zombie_time"`
}

type enqueuedDoc struct {
	At       time.Time `bson:"at"`
	Hostname string    `bson:"hostname"`
	Username string    `bson:"username"`
	ParentID string    `bson:"parent_id,omitempty"`
	ChildID  string    `bson:"child_id,omitempty"`
}

type lockDoc struct {
	Worker    string     `bson:"worker"`
	Hostname  string     `bson:"hostname"`
	PID       int        `bson:"pid"`
	At        time.Time  `bson:"at"`
	Heartbeat *time.Time `bson:"heartbeat"`
	Progress  float64    `bson:"progress"`
	Message   string     `bson:"message"`
}

type errorDoc struct {
	Exception string    `bson:"exception"`
	Timestamp time.Time `bson:"timestamp"`
	Detail    string    `bson:"detail,omitempty"`
}

// jobDoc keeps unset timestamps as explicit nulls so {field: null} filters match them.
type jobDoc struct {
	ID           bson.ObjectID  `bson:"_id,omitempty"`
	Name         string         `bson:"name"`
	Args         map[string]any `bson:"args"`
	Fingerprint  string         `bson:"fingerprint"`
	State        string         `bson:"state"`
	Priority     int            `bson:"priority"`
	Attempts     int            `bson:"attempts"`
	AttemptsLeft int            `bson:"attempts_left"`
	Trial        int            `bson:"trial"`
	Timing       timingDoc      `bson:"timing"`
	Enqueued     enqueuedDoc    `bson:"enqueued"`
	StartedAt    *time.Time     `bson:"started_at"`
	FinishedAt   *time.Time     `bson:"finished_at"`
	Runtime      float64        `bson:"runtime"`
	QueryAt      *time.Time     `bson:"query_at"`
	InactiveAt   *time.Time     `bson:"inactive_at"`
	KilledAt     *time.Time     `bson:"killed_at"`
	RemovedAt    *time.Time     `bson:"removed_at"`
	WallAt       *time.Time     `bson:"wall_at"`
	ZombieAt     *time.Time     `bson:"zombie_at"`
	Locked       *lockDoc       `bson:"locked"`
	LastError    *errorDoc      `bson:"last_error"`
}

// journalDoc is a job document plus the insertion order of the journal.
type journalDoc struct {
	Job      jobDoc        `bson:",inline"`
	Archived bson.ObjectID `bson:"archived"`
}

func toLockDoc(l *model.LockInfo) *lockDoc {
	if l == nil {
		return nil
	}
	return &lockDoc{
		Worker:    l.Worker,
		Hostname:  l.Hostname,
		PID:       l.PID,
		At:        l.At,
		Heartbeat: l.Heartbeat,
		Progress:  l.Progress,
		Message:   l.Message,
	}
}

// toJobDoc converts j; an empty or malformed ID is left for the server to assign.
func toJobDoc(j *model.Job) *jobDoc {
	d := &jobDoc{
		Name:         j.Name,
		Args:         j.Args,
		Fingerprint:  j.Fingerprint,
		State:        string(j.State),
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		AttemptsLeft: j.AttemptsLeft,
		Trial:        j.Trial,
		Timing: timingDoc{
			DeferTime:  j.Timing.DeferTime,
			DeferMax:   j.Timing.DeferMax,
			ErrorTime:  j.Timing.ErrorTime,
			WallTime:   j.Timing.WallTime,
			ZombieTime: j.Timing.ZombieTime,
		},
		Enqueued: enqueuedDoc{
			At:       j.Enqueued.At,
			Hostname: j.Enqueued.Hostname,
			Username: j.Enqueued.Username,
			ParentID: j.Enqueued.ParentID,
			ChildID:  j.Enqueued.ChildID,
		},
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Runtime:    j.Runtime,
		QueryAt:    j.QueryAt,
		InactiveAt: j.InactiveAt,
		KilledAt:   j.KilledAt,
		RemovedAt:  j.RemovedAt,
		WallAt:     j.WallAt,
		ZombieAt:   j.ZombieAt,
		Locked:     toLockDoc(j.Locked),
	}
	if d.Args == nil {
		d.Args = map[string]any{}
	}
	if oid, err := bson.ObjectIDFromHex(j.ID); err == nil {
		d.ID = oid
	}
	if j.LastError != nil {
		d.LastError = &errorDoc{
			Exception: j.LastError.Exception,
			Timestamp: j.LastError.Timestamp,
			Detail:    j.LastError.Detail,
		}
	}
	return d
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func fromJobDoc(d *jobDoc) *model.Job {
	j := &model.Job{
		ID:           d.ID.Hex(),
		Name:         d.Name,
		Args:         normalizeMap(d.Args),
		Fingerprint:  d.Fingerprint,
		State:        model.State(d.State),
		Priority:     d.Priority,
		Attempts:     d.Attempts,
		AttemptsLeft: d.AttemptsLeft,
		Trial:        d.Trial,
		Timing: model.Timing{
			DeferTime:  d.Timing.DeferTime,
			DeferMax:   d.Timing.DeferMax,
			ErrorTime:  d.Timing.ErrorTime,
			WallTime:   d.Timing.WallTime,
			ZombieTime: d.Timing.ZombieTime,
		},
		Enqueued: model.EnqueueInfo{
			At:       d.Enqueued.At.UTC(),
			Hostname: d.Enqueued.Hostname,
			Username: d.Enqueued.Username,
			ParentID: d.Enqueued.ParentID,
			ChildID:  d.Enqueued.ChildID,
		},
		StartedAt:  utc(d.StartedAt),
		FinishedAt: utc(d.FinishedAt),
		Runtime:    d.Runtime,
		QueryAt:    utc(d.QueryAt),
		InactiveAt: utc(d.InactiveAt),
		KilledAt:   utc(d.KilledAt),
		RemovedAt:  utc(d.RemovedAt),
		WallAt:     utc(d.WallAt),
		ZombieAt:   utc(d.ZombieAt),
	}
	if d.Locked != nil {
		j.Locked = &model.LockInfo{
			Worker:    d.Locked.Worker,
			Hostname:  d.Locked.Hostname,
			PID:       d.Locked.PID,
			At:        d.Locked.At.UTC(),
			Heartbeat: utc(d.Locked.Heartbeat),
			Progress:  d.Locked.Progress,
			Message:   d.Locked.Message,
		}
	}
	if d.LastError != nil {
		j.LastError = &model.JobError{
			Exception: d.LastError.Exception,
			Timestamp: d.LastError.Timestamp.UTC(),
			Detail:    d.LastError.Detail,
		}
	}
	return j
}

// normalizeMap converts decoded BSON containers into plain maps and slices and widens
// int32 so arguments read back the way they were written.
func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.M:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int32:
		return int64(t)
	case bson.DateTime:
		return t.Time().UTC()
	}
	return v
}

// ── Daemon documents ──────────────────────────────────────────────

type phaseDoc struct {
	Startup  *time.Time `bson:"startup"`
	Loop     *time.Time `bson:"loop"`
	Shutdown *time.Time `bson:"shutdown"`
	Exit     *time.Time `bson:"exit"`
}

type endpointDoc struct {
	Protocol string `bson:"protocol"`
	Address  string `bson:"address"`
	Port     int    `bson:"port"`
}

// daemonDoc shares the worker collection with sentinel documents; only daemons carry kind.
type daemonDoc struct {
	ID        string      `bson:"_id"`
	Name      string      `bson:"name"`
	Hostname  string      `bson:"hostname"`
	Kind      string      `bson:"kind"`
	PID       int         `bson:"pid"`
	RunID     string      `bson:"run_id"`
	Heartbeat *time.Time  `bson:"heartbeat"`
	Phase     phaseDoc    `bson:"phase"`
	Endpoint  endpointDoc `bson:"endpoint"`
}

func toDaemonDoc(r *model.DaemonRecord) *daemonDoc {
	return &daemonDoc{
		ID:        r.ID,
		Name:      r.Name,
		Hostname:  r.Hostname,
		Kind:      string(r.Kind),
		PID:       r.PID,
		RunID:     r.RunID,
		Heartbeat: r.Heartbeat,
		Phase: phaseDoc{
			Startup:  r.Phase.Startup,
			Loop:     r.Phase.Loop,
			Shutdown: r.Phase.Shutdown,
			Exit:     r.Phase.Exit,
		},
		Endpoint: endpointDoc(r.Endpoint),
	}
}

func fromDaemonDoc(d *daemonDoc) *model.DaemonRecord {
	return &model.DaemonRecord{
		ID:        d.ID,
		Name:      d.Name,
		Hostname:  d.Hostname,
		Kind:      model.DaemonKind(d.Kind),
		PID:       d.PID,
		RunID:     d.RunID,
		Heartbeat: utc(d.Heartbeat),
		Phase: model.Phases{
			Startup:  utc(d.Phase.Startup),
			Loop:     utc(d.Phase.Loop),
			Shutdown: utc(d.Phase.Shutdown),
			Exit:     utc(d.Phase.Exit),
		},
		Endpoint: model.Endpoint(d.Endpoint),
	}
}

type sentinelDoc struct {
	ID string    `bson:"_id"`
	At time.Time `bson:"at"`
}

// ── Stat documents ────────────────────────────────────────────────

type statDoc struct {
	ID     bson.ObjectID  `bson:"_id,omitempty"`
	At     time.Time      `bson:"timestamp"`
	Event  string         `bson:"event"`
	Data   []string       `bson:"data"`
	Counts map[string]int `bson:"counts"`
}

func toStatDoc(r *model.StatRecord) *statDoc {
	counts := make(map[string]int, len(r.Counts))
	for s, n := range r.Counts {
		counts[string(s)] = n
	}
	data := r.Data
	if data == nil {
		data = []string{}
	}
	return &statDoc{At: r.At, Event: r.Event, Data: data, Counts: counts}
}

func fromStatDoc(d *statDoc) *model.StatRecord {
	counts := make(model.QueueCounts, len(d.Counts))
	for s, n := range d.Counts {
		counts[model.State(s)] = n
	}
	rec := &model.StatRecord{At: d.At.UTC(), Event: d.Event, Counts: counts}
	if len(d.Data) > 0 {
		rec.Data = d.Data
	}
	return rec
}
