package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/target/mmk-queue/internal/domain/model"
	apperrors "github.com/target/mmk-queue/internal/errors"
)

// daemonsOnly selects daemon documents in the shared worker collection.
var daemonsOnly = bson.M{"kind": bson.M{"$exists": true}}

const defaultLockStaleAfter = 5 * time.Minute

// TryAcquire inserts the lock document keyed by job id. When a document already exists
// and is older than the stale bound, its owner is replaced in one conditional update.
func (s *Store) TryAcquire(ctx context.Context, jobID, owner string) (bool, error) {
	now := time.Now().UTC()
	_, err := s.col(colLock).InsertOne(ctx, bson.M{"_id": jobID, "owner": owner, "acquired_at": now})
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("mongostore: acquire lock on %s: %w", jobID, apperrors.MapMongoError(err))
	}
	res, err := s.col(colLock).UpdateOne(ctx,
		bson.M{"_id": jobID, "acquired_at": bson.M{"$lt": now.Add(-s.staleAfter)}},
		bson.M{"$set": bson.M{"owner": owner, "acquired_at": now}},
	)
	if err != nil {
		return false, fmt.Errorf("mongostore: take over lock on %s: %w", jobID, apperrors.MapMongoError(err))
	}
	if res.MatchedCount == 0 {
		return false, nil
	}
	s.logger.WarnContext(ctx, "stale lock taken over", "job_id", jobID, "owner", owner, "stale_after", s.staleAfter)
	return true, nil
}

// Release deletes the lock document when owner holds it.
func (s *Store) Release(ctx context.Context, jobID, owner string) error {
	if _, err := s.col(colLock).DeleteOne(ctx, bson.M{"_id": jobID, "owner": owner}); err != nil {
		return fmt.Errorf("mongostore: release lock on %s: %w", jobID, apperrors.MapMongoError(err))
	}
	return nil
}

// Register creates or replaces the registration.
func (s *Store) Register(ctx context.Context, rec *model.DaemonRecord) error {
	d := toDaemonDoc(rec)
	_, err := s.col(colWorker).ReplaceOne(ctx, bson.M{"_id": d.ID}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: register daemon %s: %w", rec.ID, apperrors.MapMongoError(err))
	}
	return nil
}

func (s *Store) setDaemon(ctx context.Context, id string, set bson.M) error {
	res, err := s.col(colWorker).UpdateOne(ctx,
		bson.M{"_id": id, "kind": bson.M{"$exists": true}},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("mongostore: update daemon %s: %w", id, apperrors.MapMongoError(err))
	}
	if res.MatchedCount == 0 {
		return apperrors.NotFoundf("daemon %s not registered", id)
	}
	return nil
}

// EnterPhase records the time the daemon entered phase.
func (s *Store) EnterPhase(ctx context.Context, id string, phase model.Phase, at time.Time) error {
	switch phase {
	case model.PhaseStartup, model.PhaseLoop, model.PhaseShutdown, model.PhaseExit:
	default:
		return apperrors.Validationf("unknown daemon phase %q", string(phase))
	}
	return s.setDaemon(ctx, id, bson.M{"phase." + string(phase): at.UTC()})
}

// Beat refreshes the heartbeat timestamp.
func (s *Store) Beat(ctx context.Context, id string, at time.Time) error {
	return s.setDaemon(ctx, id, bson.M{"heartbeat": at.UTC()})
}

// ClearEndpoint drops the routing metadata.
func (s *Store) ClearEndpoint(ctx context.Context, id string) error {
	return s.setDaemon(ctx, id, bson.M{"endpoint": endpointDoc{}})
}

// ListDaemons returns every registration ordered by id.
func (s *Store) ListDaemons(ctx context.Context) ([]*model.DaemonRecord, error) {
	cursor, err := s.col(colWorker).Find(ctx, daemonsOnly, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list daemons: %w", apperrors.MapMongoError(err))
	}
	defer cursor.Close(ctx)

	var docs []daemonDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode daemons: %w", err)
	}
	out := make([]*model.DaemonRecord, 0, len(docs))
	for i := range docs {
		out = append(out, fromDaemonDoc(&docs[i]))
	}
	return out, nil
}

// SetSentinel upserts the sentinel timestamp.
func (s *Store) SetSentinel(ctx context.Context, id string, at time.Time) error {
	_, err := s.col(colWorker).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"at": at.UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: set sentinel %s: %w", id, apperrors.MapMongoError(err))
	}
	return nil
}

// GetSentinel returns the sentinel timestamp or nil when unset.
func (s *Store) GetSentinel(ctx context.Context, id string) (*time.Time, error) {
	var d sentinelDoc
	err := s.col(colWorker).FindOne(ctx, bson.M{"_id": id, "kind": bson.M{"$exists": false}}).Decode(&d)
	if isNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get sentinel %s: %w", id, apperrors.MapMongoError(err))
	}
	at := d.At.UTC()
	return &at, nil
}

// ClearSentinel removes the sentinel.
func (s *Store) ClearSentinel(ctx context.Context, id string) error {
	if _, err := s.col(colWorker).DeleteOne(ctx, bson.M{"_id": id, "kind": bson.M{"$exists": false}}); err != nil {
		return fmt.Errorf("mongostore: clear sentinel %s: %w", id, apperrors.MapMongoError(err))
	}
	return nil
}

// RecordStat inserts one statistics document.
func (s *Store) RecordStat(ctx context.Context, rec *model.StatRecord) error {
	d := toStatDoc(rec)
	d.ID = bson.NewObjectID()
	if _, err := s.col(colStat).InsertOne(ctx, d); err != nil {
		return fmt.Errorf("mongostore: record stat: %w", apperrors.MapMongoError(err))
	}
	return nil
}

// LatestStats returns the newest records first.
func (s *Store) LatestStats(ctx context.Context, limit int) ([]*model.StatRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.col(colStat).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list stats: %w", apperrors.MapMongoError(err))
	}
	defer cursor.Close(ctx)

	var docs []statDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode stats: %w", err)
	}
	out := make([]*model.StatRecord, 0, len(docs))
	for i := range docs {
		out = append(out, fromStatDoc(&docs[i]))
	}
	return out, nil
}
