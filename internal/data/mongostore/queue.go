package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/target/mmk-queue/internal/core"
	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

var dueStates = []string{string(model.StatePending), string(model.StateDeferred), string(model.StateFailed)}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func statesIn(states []model.State) bson.M {
	in := make([]string, len(states))
	for i, st := range states {
		in[i] = string(st)
	}
	return bson.M{"$in": in}
}

// InsertJob stores a new job. A duplicate (name, fingerprint) maps to a Conflict error.
func (s *Store) InsertJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	d := toJobDoc(job)
	d.ID = bson.NewObjectID()
	if _, err := s.col(colQueue).InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeConflict, "job %s already exists with these arguments", job.Name)
		}
		return nil, fmt.Errorf("mongostore: insert job: %w", apperrors.MapMongoError(err))
	}
	return fromJobDoc(d), nil
}

// GetJob returns the live job.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	var d jobDoc
	if err := s.col(colQueue).FindOne(ctx, bson.M{"_id": oid}).Decode(&d); err != nil {
		if isNoDocuments(err) {
			return nil, apperrors.NotFoundf("job %s not found", id)
		}
		return nil, fmt.Errorf("mongostore: get job: %w", apperrors.MapMongoError(err))
	}
	return fromJobDoc(&d), nil
}

func filterDoc(f model.JobFilter) bson.M {
	filter := bson.M{}
	if len(f.Names) > 0 {
		filter["name"] = bson.M{"$in": f.Names}
	}
	if len(f.States) > 0 {
		filter["state"] = statesIn(f.States)
	}
	for _, m := range f.Marked {
		if m.Valid() {
			filter[string(m)] = bson.M{"$ne": nil}
		}
	}
	for _, m := range f.Unmarked {
		if m.Valid() {
			filter[string(m)] = nil
		}
	}
	if f.LockedBy != "" {
		filter["locked.worker"] = f.LockedBy
	}
	return filter
}

func (s *Store) findJobs(ctx context.Context, col string, filter any, opts ...options.Lister[options.FindOptions]) ([]*jobDoc, error) {
	cursor, err := s.col(col).Find(ctx, filter, opts...)
	if err != nil {
		return nil, apperrors.MapMongoError(err)
	}
	defer cursor.Close(ctx)

	var docs []*jobDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return docs, nil
}

// ListJobs returns live jobs matching filter ordered by id.
func (s *Store) ListJobs(ctx context.Context, filter model.JobFilter) ([]*model.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	docs, err := s.findJobs(ctx, colQueue, filterDoc(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list jobs: %w", err)
	}
	out := make([]*model.Job, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromJobDoc(d))
	}
	return out, nil
}

func conditionDoc(oid bson.ObjectID, c core.JobCondition) (bson.M, error) {
	filter := bson.M{"_id": oid}
	if len(c.States) > 0 {
		filter["state"] = statesIn(c.States)
	}
	for _, m := range c.Set {
		if !m.Valid() {
			return nil, apperrors.Validationf("unknown marker %q", string(m))
		}
		filter[string(m)] = bson.M{"$ne": nil}
	}
	for _, m := range c.Unset {
		if !m.Valid() {
			return nil, apperrors.Validationf("unknown marker %q", string(m))
		}
		filter[string(m)] = nil
	}
	if c.LockedBy != "" {
		filter["locked.worker"] = c.LockedBy
	}
	return filter, nil
}

// patchDoc mirrors core.JobPatch.Apply as a $set document. Progress requires a lock,
// so it narrows filter to locked jobs.
func patchDoc(p core.JobPatch, filter bson.M) (bson.M, error) {
	set := bson.M{}
	if p.State != "" {
		set["state"] = string(p.State)
	}
	for _, m := range p.Mark {
		if !m.Valid() {
			return nil, apperrors.Validationf("unknown marker %q", string(m))
		}
		set[string(m)] = p.MarkAt
	}
	for _, m := range p.Unmark {
		if !m.Valid() {
			return nil, apperrors.Validationf("unknown marker %q", string(m))
		}
		if _, marked := set[string(m)]; marked {
			return nil, apperrors.Validationf("marker %s both set and cleared", m)
		}
		set[string(m)] = nil
	}
	switch {
	case p.QueryAt != nil:
		set["query_at"] = *p.QueryAt
	case p.ClearQueryAt:
		set["query_at"] = nil
	}
	if p.InactiveAt != nil {
		set["inactive_at"] = *p.InactiveAt
	}
	if p.AttemptsLeft != nil {
		set["attempts_left"] = *p.AttemptsLeft
	}
	if p.FinishedAt != nil {
		set["finished_at"] = *p.FinishedAt
	}
	if p.Runtime != nil {
		set["runtime"] = *p.Runtime
	}
	if p.LastError != nil {
		set["last_error"] = errorDoc{
			Exception: p.LastError.Exception,
			Timestamp: p.LastError.Timestamp,
			Detail:    p.LastError.Detail,
		}
	}
	switch {
	case p.ClearLock:
		set["locked"] = nil
	case p.Progress != nil:
		filter["locked"] = bson.M{"$ne": nil}
		set["locked.heartbeat"] = p.Progress.At
		set["locked.progress"] = p.Progress.Value
		set["locked.message"] = p.Progress.Message
	}
	return set, nil
}

// UpdateJob applies a conditional update and reports whether a document matched.
func (s *Store) UpdateJob(ctx context.Context, upd core.JobUpdate) (bool, error) {
	oid, err := bson.ObjectIDFromHex(upd.ID)
	if err != nil {
		return false, nil
	}
	filter, err := conditionDoc(oid, upd.Condition)
	if err != nil {
		return false, err
	}
	set, err := patchDoc(upd.Patch, filter)
	if err != nil {
		return false, err
	}
	if len(set) == 0 {
		n, err := s.col(colQueue).CountDocuments(ctx, filter, options.Count().SetLimit(1))
		if err != nil {
			return false, fmt.Errorf("mongostore: match job %s: %w", upd.ID, apperrors.MapMongoError(err))
		}
		return n > 0, nil
	}
	res, err := s.col(colQueue).UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("mongostore: update job %s: %w", upd.ID, apperrors.MapMongoError(err))
	}
	return res.MatchedCount > 0, nil
}

// ClaimNext atomically claims the next due job, by priority then id.
func (s *Store) ClaimNext(ctx context.Context, params core.ClaimParams) (*model.Job, error) {
	now := params.Now.UTC()
	filter := bson.M{
		"state":      bson.M{"$in": dueStates},
		"$or":        bson.A{bson.M{"query_at": nil}, bson.M{"query_at": bson.M{"$lte": now}}},
		"killed_at":  nil,
		"removed_at": nil,
	}
	if len(params.Names) > 0 {
		filter["name"] = bson.M{"$in": params.Names}
	}
	lock := params.Lock
	lock.At = now
	lock.Heartbeat = &now
	update := bson.M{
		"$set": bson.M{
			"state":      string(model.StateRunning),
			"locked":     toLockDoc(&lock),
			"started_at": now,
			"query_at":   nil,
		},
		"$inc": bson.M{"trial": 1},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}})

	var d jobDoc
	if err := s.col(colQueue).FindOneAndUpdate(ctx, filter, update, opts).Decode(&d); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongostore: claim job: %w", apperrors.MapMongoError(err))
	}
	return fromJobDoc(&d), nil
}

func (s *Store) journal(ctx context.Context, j *model.Job) error {
	d := journalDoc{Job: *toJobDoc(j), Archived: bson.NewObjectID()}
	if _, err := s.col(colJournal).InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperrors.Wrapf(err, apperrors.ErrCodeInvariant, "journal already holds job %s", j.ID)
		}
		return fmt.Errorf("mongostore: journal job %s: %w", j.ID, apperrors.MapMongoError(err))
	}
	return nil
}

// ArchiveJob deletes the job if upd.Condition still holds and journals the deleted document
// with upd.Patch applied. Without transactions a failed journal write re-inserts the document.
func (s *Store) ArchiveJob(ctx context.Context, upd core.JobUpdate) (*model.Job, error) {
	oid, err := bson.ObjectIDFromHex(upd.ID)
	if err != nil {
		return nil, nil
	}
	filter, err := conditionDoc(oid, upd.Condition)
	if err != nil {
		return nil, err
	}

	var archived *model.Job
	err = s.withTx(ctx, func(ctx context.Context, inTx bool) error {
		archived = nil
		var d jobDoc
		err := s.col(colQueue).FindOneAndDelete(ctx, filter).Decode(&d)
		if isNoDocuments(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mongostore: delete job %s: %w", upd.ID, apperrors.MapMongoError(err))
		}
		j := fromJobDoc(&d)
		upd.Patch.Apply(j)
		if err := s.journal(ctx, j); err != nil {
			if !inTx {
				if _, rerr := s.col(colQueue).InsertOne(ctx, &d); rerr != nil {
					s.logger.ErrorContext(ctx, "failed to restore archived job", "job_id", upd.ID, "error", rerr)
				}
			}
			return err
		}
		archived = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}

// ReplaceJob deletes the stopped job, inserts fresh and journals the original with its
// child link. Without transactions a collision re-inserts the original document.
func (s *Store) ReplaceJob(ctx context.Context, old, fresh *model.Job) (*model.Job, error) {
	oid, err := bson.ObjectIDFromHex(old.ID)
	if err != nil {
		return nil, apperrors.NotFoundf("job %s is not stopped", old.ID)
	}

	var created *model.Job
	err = s.withTx(ctx, func(ctx context.Context, inTx bool) error {
		var archived jobDoc
		err := s.col(colQueue).FindOneAndDelete(ctx, bson.M{
			"_id":   oid,
			"state": statesIn(model.StateStopped),
		}).Decode(&archived)
		if isNoDocuments(err) {
			return apperrors.NotFoundf("job %s is not stopped", old.ID)
		}
		if err != nil {
			return fmt.Errorf("mongostore: delete stopped job %s: %w", old.ID, apperrors.MapMongoError(err))
		}

		d := toJobDoc(fresh)
		d.ID = bson.NewObjectID()
		if _, err := s.col(colQueue).InsertOne(ctx, d); err != nil {
			if !inTx {
				if _, rerr := s.col(colQueue).InsertOne(ctx, &archived); rerr != nil {
					s.logger.ErrorContext(ctx, "failed to restore replaced job", "job_id", old.ID, "error", rerr)
				}
			}
			if mongo.IsDuplicateKeyError(err) {
				return apperrors.Wrapf(err, apperrors.ErrCodeInvariant,
					"restart of job %s collides with a live job of the same arguments", old.ID)
			}
			return fmt.Errorf("mongostore: insert restarted job: %w", apperrors.MapMongoError(err))
		}
		created = fromJobDoc(d)

		prev := fromJobDoc(&archived)
		prev.Enqueued.ChildID = created.ID
		return s.journal(ctx, prev)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CountByState returns the number of live jobs per state.
func (s *Store) CountByState(ctx context.Context) (model.QueueCounts, error) {
	cursor, err := s.col(colQueue).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$state"}, {Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongostore: count jobs: %w", apperrors.MapMongoError(err))
	}
	defer cursor.Close(ctx)

	var rows []struct {
		State string `bson:"_id"`
		N     int    `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongostore: decode counts: %w", err)
	}
	counts := make(model.QueueCounts, len(rows))
	for _, r := range rows {
		counts[model.State(r.State)] = r.N
	}
	return counts, nil
}

// isSet evaluates to true when field holds a date; dates sort after null.
func isSet(field string) bson.D {
	return bson.D{{Key: "$gt", Value: bson.A{"$" + field, nil}}}
}

// QueueState groups live jobs by name, state and derived flags.
func (s *Store) QueueState(ctx context.Context) ([]model.QueueStateGroup, error) {
	cursor, err := s.col(colQueue).Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "name", Value: "$name"},
				{Key: "state", Value: "$state"},
				{Key: "zombie", Value: isSet("zombie_at")},
				{Key: "wall", Value: isSet("wall_at")},
				{Key: "removed", Value: isSet("removed_at")},
				{Key: "killed", Value: isSet("killed_at")},
			}},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "_id.name", Value: 1},
			{Key: "_id.state", Value: 1},
			{Key: "_id.zombie", Value: 1},
			{Key: "_id.wall", Value: 1},
			{Key: "_id.removed", Value: 1},
			{Key: "_id.killed", Value: 1},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongostore: queue state: %w", apperrors.MapMongoError(err))
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Key struct {
			Name    string `bson:"name"`
			State   string `bson:"state"`
			Zombie  bool   `bson:"zombie"`
			Wall    bool   `bson:"wall"`
			Removed bool   `bson:"removed"`
			Killed  bool   `bson:"killed"`
		} `bson:"_id"`
		N int `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongostore: decode queue state: %w", err)
	}
	out := make([]model.QueueStateGroup, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.QueueStateGroup{
			Name:    r.Key.Name,
			State:   model.State(r.Key.State),
			Zombie:  r.Key.Zombie,
			Wall:    r.Key.Wall,
			Removed: r.Key.Removed,
			Killed:  r.Key.Killed,
			Count:   r.N,
		})
	}
	return out, nil
}

// GetJournal returns the archived job.
func (s *Store) GetJournal(ctx context.Context, id string) (*model.Job, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperrors.NotFoundf("journal entry %s not found", id)
	}
	var d journalDoc
	if err := s.col(colJournal).FindOne(ctx, bson.M{"_id": oid}).Decode(&d); err != nil {
		if isNoDocuments(err) {
			return nil, apperrors.NotFoundf("journal entry %s not found", id)
		}
		return nil, fmt.Errorf("mongostore: get journal entry: %w", apperrors.MapMongoError(err))
	}
	return fromJobDoc(&d.Job), nil
}

// ListJournal returns the most recently archived jobs first.
func (s *Store) ListJournal(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "archived", Value: -1}}).SetLimit(int64(limit))
	docs, err := s.findJobs(ctx, colJournal, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list journal: %w", err)
	}
	out := make([]*model.Job, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromJobDoc(d))
	}
	return out, nil
}
