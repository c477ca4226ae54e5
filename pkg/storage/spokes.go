package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/coalition-io/fedhub/pkg/spoke"
)

// SpokeStore is the MongoDB spoke.Store.
type SpokeStore struct {
	db *DB
}

func NewSpokeStore(db *DB) *SpokeStore {
	return &SpokeStore{db: db}
}

func (s *SpokeStore) coll() *mongo.Collection {
	return s.db.collection(CollSpokes)
}

func (s *SpokeStore) Insert(ctx context.Context, sp spoke.Spoke) error {
	if _, err := s.coll().InsertOne(ctx, sp); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return spoke.ErrDuplicateInstance
		}
		return fmt.Errorf("insert spoke: %w", err)
	}
	return nil
}

func (s *SpokeStore) Update(ctx context.Context, sp spoke.Spoke) error {
	res, err := s.coll().ReplaceOne(ctx, bson.M{"spokeId": sp.SpokeID}, sp)
	if err != nil {
		return fmt.Errorf("update spoke %s: %w", sp.SpokeID, err)
	}
	if res.MatchedCount == 0 {
		return spoke.ErrSpokeNotFound
	}
	return nil
}

func (s *SpokeStore) Get(ctx context.Context, spokeID string) (*spoke.Spoke, error) {
	var sp spoke.Spoke
	err := s.coll().FindOne(ctx, bson.M{"spokeId": spokeID}).Decode(&sp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, spoke.ErrSpokeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get spoke %s: %w", spokeID, err)
	}
	return &sp, nil
}

func (s *SpokeStore) GetByInstanceCode(ctx context.Context, code string) (*spoke.Spoke, error) {
	var sp spoke.Spoke
	filter := bson.M{"instanceCode": code, "status": bson.M{"$ne": spoke.StatusRevoked}}
	err := s.coll().FindOne(ctx, filter).Decode(&sp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, spoke.ErrSpokeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get spoke by code %s: %w", code, err)
	}
	return &sp, nil
}

func (s *SpokeStore) List(ctx context.Context) ([]spoke.Spoke, error) {
	return s.find(ctx, bson.M{})
}

func (s *SpokeStore) ListByStatus(ctx context.Context, status spoke.Status) ([]spoke.Spoke, error) {
	return s.find(ctx, bson.M{"status": status})
}

func (s *SpokeStore) find(ctx context.Context, filter bson.M) ([]spoke.Spoke, error) {
	cursor, err := s.coll().Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list spokes: %w", err)
	}
	var out []spoke.Spoke
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode spokes: %w", err)
	}
	return out, nil
}

// TokenStore is the MongoDB spoke.TokenStore. Expiry is enforced twice:
// the registry checks expiresAt on read, the TTL index reaps documents.
type TokenStore struct {
	db *DB
}

func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

func (s *TokenStore) coll() *mongo.Collection {
	return s.db.collection(CollSpokeTokens)
}

func (s *TokenStore) Insert(ctx context.Context, t spoke.Token) error {
	if _, err := s.coll().InsertOne(ctx, t); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *TokenStore) Get(ctx context.Context, token string) (*spoke.Token, error) {
	var t spoke.Token
	err := s.coll().FindOne(ctx, bson.M{"token": token}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, spoke.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

func (s *TokenStore) GetActive(ctx context.Context, spokeID string, now time.Time) (*spoke.Token, error) {
	var t spoke.Token
	filter := bson.M{"spokeId": spokeID, "expiresAt": bson.M{"$gt": now}}
	err := s.coll().FindOne(ctx, filter).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, spoke.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active token for %s: %w", spokeID, err)
	}
	return &t, nil
}

func (s *TokenStore) DeleteBySpoke(ctx context.Context, spokeID string) error {
	if _, err := s.coll().DeleteMany(ctx, bson.M{"spokeId": spokeID}); err != nil {
		return fmt.Errorf("delete tokens for %s: %w", spokeID, err)
	}
	return nil
}
