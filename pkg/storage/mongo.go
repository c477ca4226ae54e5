// Package storage provides the MongoDB implementations of the hub's
// persistence interfaces.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	CollSpokes          = "spokes"
	CollSpokeTokens     = "spoke_tokens"
	CollTrust           = "bilateral_trust"
	CollClearance       = "clearance_equivalency"
	CollResources       = "resources"
	CollSyncLog         = "federation_sync"
	CollSyncLocks       = "federation_sync_locks"
	CollAuditLogs       = "audit_logs"
	CollBundleCurrent   = "policy_bundles_current"
	CollBundleArtifacts = "policy_bundle_artifacts"
	CollBundleVersions  = "policy_bundle_versions"
)

const retentionDays = 90

// DB wraps the hub's MongoDB database handle.
type DB struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials MongoDB and pings the primary before returning.
func Connect(ctx context.Context, uri, dbName string) (*DB, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &DB{client: client, db: client.Database(dbName)}, nil
}

func (d *DB) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Ping verifies the primary is reachable. Used by the readiness probe.
func (d *DB) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, nil)
}

func (d *DB) collection(name string) *mongo.Collection {
	return d.db.Collection(name)
}

// EnsureIndexes creates every index the hub relies on. Safe to call on
// every startup; existing indexes are no-ops.
func (d *DB) EnsureIndexes(ctx context.Context) error {
	ttl := int32((retentionDays * 24 * time.Hour).Seconds())

	specs := map[string][]mongo.IndexModel{
		CollSpokes: {
			{Keys: bson.D{{Key: "spokeId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "instanceCode", Value: 1}, {Key: "status", Value: 1}}},
		},
		CollSpokeTokens: {
			{Keys: bson.D{{Key: "token", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "spokeId", Value: 1}, {Key: "expiresAt", Value: 1}}},
			{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		},
		CollTrust: {
			{Keys: bson.D{{Key: "source", Value: 1}, {Key: "target", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollClearance: {
			{Keys: bson.D{{Key: "standardLevel", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollResources: {
			{Keys: bson.D{{Key: "resourceId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "originRealm", Value: 1}, {Key: "lastModified", Value: 1}}},
		},
		CollSyncLog: {
			{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(ttl)},
		},
		CollSyncLocks: {
			{Keys: bson.D{{Key: "pair", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		CollAuditLogs: {
			{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(ttl)},
			{Keys: bson.D{{Key: "subject", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "resourceId", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
	}

	for coll, models := range specs {
		if _, err := d.collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}
