package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coalition-io/fedhub/pkg/trust"
)

// TrustStore is the MongoDB trust.Store.
type TrustStore struct {
	db *DB
}

func NewTrustStore(db *DB) *TrustStore {
	return &TrustStore{db: db}
}

func (s *TrustStore) coll() *mongo.Collection {
	return s.db.collection(CollTrust)
}

func (s *TrustStore) GetEdge(ctx context.Context, source, target string) (*trust.Edge, error) {
	var edge trust.Edge
	err := s.coll().FindOne(ctx, bson.M{"source": source, "target": target}).Decode(&edge)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, trust.ErrEdgeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trust edge %s->%s: %w", source, target, err)
	}
	return &edge, nil
}

func (s *TrustStore) UpsertEdge(ctx context.Context, edge trust.Edge) error {
	filter := bson.M{"source": edge.Source, "target": edge.Target}
	_, err := s.coll().ReplaceOne(ctx, filter, edge, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert trust edge %s->%s: %w", edge.Source, edge.Target, err)
	}
	return nil
}

func (s *TrustStore) DeleteEdge(ctx context.Context, source, target string) error {
	if _, err := s.coll().DeleteOne(ctx, bson.M{"source": source, "target": target}); err != nil {
		return fmt.Errorf("delete trust edge %s->%s: %w", source, target, err)
	}
	return nil
}

func (s *TrustStore) DeleteEdgesFor(ctx context.Context, instance string) error {
	filter := bson.M{"$or": []bson.M{{"source": instance}, {"target": instance}}}
	if _, err := s.coll().DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete trust edges for %s: %w", instance, err)
	}
	return nil
}

func (s *TrustStore) ListEdges(ctx context.Context) ([]trust.Edge, error) {
	cursor, err := s.coll().Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list trust edges: %w", err)
	}
	var out []trust.Edge
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode trust edges: %w", err)
	}
	return out, nil
}
