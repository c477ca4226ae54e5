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
)

// ClearanceStore is the MongoDB clearance.Store.
type ClearanceStore struct {
	db *DB
}

func NewClearanceStore(db *DB) *ClearanceStore {
	return &ClearanceStore{db: db}
}

func (s *ClearanceStore) coll() *mongo.Collection {
	return s.db.collection(CollClearance)
}

func (s *ClearanceStore) GetMapping(ctx context.Context, level clearance.Level) (*clearance.Mapping, error) {
	var m clearance.Mapping
	err := s.coll().FindOne(ctx, bson.M{"standardLevel": level}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, clearance.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get clearance mapping %s: %w", level, err)
	}
	return &m, nil
}

func (s *ClearanceStore) ListMappings(ctx context.Context) ([]clearance.Mapping, error) {
	cursor, err := s.coll().Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list clearance mappings: %w", err)
	}
	var out []clearance.Mapping
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode clearance mappings: %w", err)
	}
	return out, nil
}

// UpsertCountry writes one country's terms into every canonical
// level's document. Validation runs first so a rejected update touches
// nothing.
func (s *ClearanceStore) UpsertCountry(ctx context.Context, country string, levels map[clearance.Level]clearance.CountryTerms) error {
	if err := clearance.ValidateCountry(country, levels); err != nil {
		return err
	}
	now := time.Now().UTC()
	for canonical, ct := range levels {
		filter := bson.M{"standardLevel": canonical}
		update := bson.M{
			"$set": bson.M{
				"countries." + country: ct,
				"updatedAt":            now,
			},
			"$setOnInsert": bson.M{"standardLevel": canonical},
		}
		if _, err := s.coll().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
			return fmt.Errorf("upsert clearance terms for %s/%s: %w", country, canonical, err)
		}
	}
	return nil
}

// Seed loads the default equivalency table into an empty collection.
func (s *ClearanceStore) Seed(ctx context.Context) error {
	count, err := s.coll().CountDocuments(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("count clearance mappings: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, m := range clearance.DefaultMappings() {
		if _, err := s.coll().InsertOne(ctx, m); err != nil {
			return fmt.Errorf("seed clearance mapping %s: %w", m.StandardLevel, err)
		}
	}
	return nil
}
