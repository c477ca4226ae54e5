package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/federation"
)

// ResourceStore is the MongoDB federation.ResourceStore. Writes carry
// a version condition so a concurrent sync cannot silently overwrite.
type ResourceStore struct {
	db *DB
}

func NewResourceStore(db *DB) *ResourceStore {
	return &ResourceStore{db: db}
}

func (s *ResourceStore) coll() *mongo.Collection {
	return s.db.collection(CollResources)
}

func (s *ResourceStore) Get(ctx context.Context, resourceID string) (*federation.Resource, error) {
	var r federation.Resource
	err := s.coll().FindOne(ctx, bson.M{"resourceId": resourceID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, federation.ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resource %s: %w", resourceID, err)
	}
	return &r, nil
}

func (s *ResourceStore) Upsert(ctx context.Context, r federation.Resource, expectedVersion int64) error {
	if expectedVersion == 0 {
		if _, err := s.coll().InsertOne(ctx, r); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return federation.ErrVersionConflict
			}
			return fmt.Errorf("insert resource %s: %w", r.ResourceID, err)
		}
		return nil
	}

	filter := bson.M{"resourceId": r.ResourceID, "version": expectedVersion}
	res, err := s.coll().ReplaceOne(ctx, filter, r)
	if err != nil {
		return fmt.Errorf("update resource %s: %w", r.ResourceID, err)
	}
	if res.MatchedCount == 0 {
		return federation.ErrVersionConflict
	}
	return nil
}

func (s *ResourceStore) ListEligible(ctx context.Context, localRealm, peerRealm string) ([]federation.Resource, error) {
	filter := bson.M{
		"originRealm":     localRealm,
		"releasabilityTo": peerRealm,
		"classification":  bson.M{"$ne": clearance.TopSecret},
	}
	return s.find(ctx, filter)
}

func (s *ResourceStore) ListReleasable(ctx context.Context, releasableTo, excludeOrigin string) ([]federation.Resource, error) {
	filter := bson.M{
		"originRealm":     bson.M{"$ne": excludeOrigin},
		"releasabilityTo": releasableTo,
		"classification":  bson.M{"$ne": clearance.TopSecret},
	}
	return s.find(ctx, filter)
}

func (s *ResourceStore) find(ctx context.Context, filter bson.M) ([]federation.Resource, error) {
	cursor, err := s.coll().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "resourceId", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	var out []federation.Resource
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	// the releasabilityTo index cannot express the single-country rule
	eligible := out[:0]
	for _, r := range out {
		if r.Federable() {
			eligible = append(eligible, r)
		}
	}
	return eligible, nil
}

func (s *ResourceStore) SetPeerSync(ctx context.Context, resourceID, peerRealm string, status federation.PeerSync) error {
	update := bson.M{"$set": bson.M{"syncStatus." + peerRealm: status}}
	res, err := s.coll().UpdateOne(ctx, bson.M{"resourceId": resourceID}, update)
	if err != nil {
		return fmt.Errorf("set sync status for %s: %w", resourceID, err)
	}
	if res.MatchedCount == 0 {
		return federation.ErrResourceNotFound
	}
	return nil
}

func (s *ResourceStore) List(ctx context.Context) ([]federation.Resource, error) {
	cursor, err := s.coll().Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "resourceId", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	var out []federation.Resource
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	return out, nil
}

// SyncLogStore appends cycle results; the TTL index enforces the
// retention window.
type SyncLogStore struct {
	db *DB
}

func NewSyncLogStore(db *DB) *SyncLogStore {
	return &SyncLogStore{db: db}
}

func (s *SyncLogStore) Append(ctx context.Context, result federation.SyncResult) error {
	if _, err := s.db.collection(CollSyncLog).InsertOne(ctx, result); err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

func (s *SyncLogStore) Recent(ctx context.Context, limit int) ([]federation.SyncResult, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.db.collection(CollSyncLog).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list sync log: %w", err)
	}
	var out []federation.SyncResult
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode sync log: %w", err)
	}
	return out, nil
}

type lockDoc struct {
	Pair    string    `bson:"pair"`
	Holder  string    `bson:"holder"`
	Expires time.Time `bson:"expires"`
}

// LockStore implements leased per-pair sync locks on a unique index.
type LockStore struct {
	db *DB
}

func NewLockStore(db *DB) *LockStore {
	return &LockStore{db: db}
}

func (s *LockStore) coll() *mongo.Collection {
	return s.db.collection(CollSyncLocks)
}

func (s *LockStore) Acquire(ctx context.Context, pair, holder string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"pair": pair,
		"$or": []bson.M{
			{"holder": holder},
			{"expires": bson.M{"$lt": now}},
		},
	}
	update := bson.M{"$set": bson.M{"holder": holder, "expires": now.Add(lease)}}
	res, err := s.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("acquire sync lock %s: %w", pair, err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	_, err = s.coll().InsertOne(ctx, lockDoc{Pair: pair, Holder: holder, Expires: now.Add(lease)})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// a live lease exists and belongs to someone else
			return false, nil
		}
		return false, fmt.Errorf("acquire sync lock %s: %w", pair, err)
	}
	return true, nil
}

func (s *LockStore) Release(ctx context.Context, pair, holder string) error {
	if _, err := s.coll().DeleteOne(ctx, bson.M{"pair": pair, "holder": holder}); err != nil {
		return fmt.Errorf("release sync lock %s: %w", pair, err)
	}
	return nil
}
