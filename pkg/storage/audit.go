package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coalition-io/fedhub/pkg/audit"
)

// AuditStore implements audit.Store on the audit_logs collection.
// Entries expire via the collection's TTL index.
type AuditStore struct {
	db *DB
}

func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Append(ctx context.Context, entry audit.Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if _, err := s.db.collection(CollAuditLogs).InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// BySubject returns the newest entries for one subject.
func (s *AuditStore) BySubject(ctx context.Context, subject string, limit int) ([]audit.Entry, error) {
	return s.find(ctx, bson.M{"subject": subject}, limit)
}

// ByResource returns the newest entries touching one resource.
func (s *AuditStore) ByResource(ctx context.Context, resourceID string, limit int) ([]audit.Entry, error) {
	return s.find(ctx, bson.M{"resourceId": resourceID}, limit)
}

func (s *AuditStore) find(ctx context.Context, filter bson.M, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.db.collection(CollAuditLogs).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	var out []audit.Entry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode audit entries: %w", err)
	}
	return out, nil
}
