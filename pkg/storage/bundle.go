package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coalition-io/fedhub/pkg/bundle"
)

// BundleVersionStore allocates daily build sequences with an atomic
// findOneAndUpdate increment.
type BundleVersionStore struct {
	db *DB
}

func NewBundleVersionStore(db *DB) *BundleVersionStore {
	return &BundleVersionStore{db: db}
}

func (s *BundleVersionStore) NextSequence(ctx context.Context, day string) (int, error) {
	var doc struct {
		Seq int `bson:"seq"`
	}
	err := s.db.collection(CollBundleVersions).FindOneAndUpdate(ctx,
		bson.M{"_id": day},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate bundle sequence for %s: %w", day, err)
	}
	return doc.Seq, nil
}

type artifactDoc struct {
	Hash      string    `bson:"_id"`
	Blob      []byte    `bson:"blob"`
	CreatedAt time.Time `bson:"createdAt"`
}

// BundleArtifactStore is the content-addressed artifact store.
type BundleArtifactStore struct {
	db *DB
}

func NewBundleArtifactStore(db *DB) *BundleArtifactStore {
	return &BundleArtifactStore{db: db}
}

func (s *BundleArtifactStore) coll() *mongo.Collection {
	return s.db.collection(CollBundleArtifacts)
}

func (s *BundleArtifactStore) Put(ctx context.Context, hash string, blob []byte) error {
	doc := artifactDoc{Hash: hash, Blob: blob, CreatedAt: time.Now().UTC()}
	if _, err := s.coll().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// same hash means same content
			return nil
		}
		return fmt.Errorf("store bundle artifact %s: %w", hash, err)
	}
	return nil
}

func (s *BundleArtifactStore) Get(ctx context.Context, hash string) ([]byte, error) {
	var doc artifactDoc
	err := s.coll().FindOne(ctx, bson.M{"_id": hash}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, bundle.ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bundle artifact %s: %w", hash, err)
	}
	return doc.Blob, nil
}

func (s *BundleArtifactStore) Has(ctx context.Context, hash string) (bool, error) {
	count, err := s.coll().CountDocuments(ctx, bson.M{"_id": hash}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check bundle artifact %s: %w", hash, err)
	}
	return count > 0, nil
}

// currentDocID keys the single current-pointer document.
const currentDocID = "current"

// BundleCurrentStore persists the current pointer with a version
// condition so the pointer only ever moves forward.
type BundleCurrentStore struct {
	db *DB
}

func NewBundleCurrentStore(db *DB) *BundleCurrentStore {
	return &BundleCurrentStore{db: db}
}

func (s *BundleCurrentStore) coll() *mongo.Collection {
	return s.db.collection(CollBundleCurrent)
}

func (s *BundleCurrentStore) GetCurrent(ctx context.Context) (*bundle.CurrentPointer, error) {
	var doc struct {
		Pointer bundle.CurrentPointer `bson:"pointer"`
	}
	err := s.coll().FindOne(ctx, bson.M{"_id": currentDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, bundle.ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load current bundle pointer: %w", err)
	}
	return &doc.Pointer, nil
}

func (s *BundleCurrentStore) SetCurrent(ctx context.Context, p bundle.CurrentPointer) error {
	p.UpdatedAt = time.Now().UTC()

	// move the pointer only when the stored version is strictly older
	filter := bson.M{
		"_id":             currentDocID,
		"pointer.version": bson.M{"$lt": p.Version},
	}
	update := bson.M{"$set": bson.M{"pointer": p}}
	res, err := s.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update current bundle pointer: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// either no pointer yet or ours is stale; the insert arbitrates
	_, err = s.coll().InsertOne(ctx, bson.M{"_id": currentDocID, "pointer": p})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return bundle.ErrStaleVersion
		}
		return fmt.Errorf("insert current bundle pointer: %w", err)
	}
	return nil
}
