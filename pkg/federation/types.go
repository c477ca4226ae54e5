// Package federation replicates releasable resources between this
// instance and its trusted peers on a push-pull cycle.
package federation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/coalition-io/fedhub/pkg/clearance"
)

var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrSyncInFlight     = errors.New("sync already running for this pair")
	ErrVersionConflict  = errors.New("resource version changed during write")
)

// PeerSync tracks replication state of one resource toward one realm.
type PeerSync struct {
	Synced    bool      `bson:"synced" json:"synced"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Version   int64     `bson:"version" json:"version"`
	LastError string    `bson:"lastError,omitempty" json:"lastError,omitempty"`
}

// Resource is one federated information object. The origin realm is
// authoritative for its own resources.
type Resource struct {
	ResourceID     string              `bson:"resourceId" json:"resourceId"`
	Title          string              `bson:"title" json:"title"`
	Classification clearance.Level     `bson:"classification" json:"classification"`
	ReleasableTo   []string            `bson:"releasabilityTo" json:"releasabilityTo"`
	COI            []string            `bson:"coi,omitempty" json:"coi,omitempty"`
	OriginRealm    string              `bson:"originRealm" json:"originRealm"`
	Version        int64               `bson:"version" json:"version"`
	LastModified   time.Time           `bson:"lastModified" json:"lastModified"`
	ImportedFrom   string              `bson:"importedFrom,omitempty" json:"importedFrom,omitempty"`
	SyncStatus     map[string]PeerSync `bson:"syncStatus,omitempty" json:"syncStatus,omitempty"`
	Data           json.RawMessage     `bson:"data,omitempty" json:"data,omitempty"`
}

// Federable reports whether the resource may leave this instance at
// all: TOP_SECRET material and single-country resources never do.
func (r *Resource) Federable() bool {
	if r.Classification == clearance.TopSecret {
		return false
	}
	foreign := 0
	for _, realm := range r.ReleasableTo {
		if realm != r.OriginRealm {
			foreign++
		}
	}
	return foreign > 0
}

// ReleasableToRealm reports whether the resource may be pushed to one
// specific peer realm.
func (r *Resource) ReleasableToRealm(realm string) bool {
	if !r.Federable() {
		return false
	}
	for _, candidate := range r.ReleasableTo {
		if candidate == realm {
			return true
		}
	}
	return false
}

// Conflict records one divergence found while merging inbound
// resources. Conflicts are never silently dropped.
type Conflict struct {
	ResourceID    string     `bson:"resourceId" json:"resourceId"`
	LocalVersion  int64      `bson:"localVersion" json:"localVersion"`
	RemoteVersion int64      `bson:"remoteVersion" json:"remoteVersion"`
	Resolution    Resolution `bson:"resolution" json:"resolution"`
	Reason        string     `bson:"reason" json:"reason"`
}

// SyncResult summarizes one completed (possibly partial) sync cycle.
type SyncResult struct {
	CorrelationID string     `bson:"correlationId" json:"correlationId"`
	Timestamp     time.Time  `bson:"timestamp" json:"timestamp"`
	Source        string     `bson:"source" json:"source"`
	Target        string     `bson:"target" json:"target"`
	Synced        int        `bson:"synced" json:"synced"`
	Updated       int        `bson:"updated" json:"updated"`
	Conflicted    int        `bson:"conflicted" json:"conflicted"`
	Conflicts     []Conflict `bson:"conflicts,omitempty" json:"conflicts,omitempty"`
	Pushed        int        `bson:"pushed" json:"pushed"`
	Partial       bool       `bson:"partial,omitempty" json:"partial,omitempty"`
	Error         string     `bson:"error,omitempty" json:"error,omitempty"`
	DurationMs    int64      `bson:"durationMs" json:"durationMs"`
}

// PushRequest is the outbound body for POST /federation/resources.
type PushRequest struct {
	CorrelationID string     `json:"correlationId"`
	SourceRealm   string     `json:"sourceRealm"`
	Resources     []Resource `json:"resources"`
}

// PushOutcome is the peer's per-resource verdict on a push.
type PushOutcome struct {
	ResourceID string `json:"resourceId"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
}

// PushResponse is the peer's reply to a push.
type PushResponse struct {
	CorrelationID string        `json:"correlationId,omitempty"`
	Accepted      int           `json:"accepted"`
	Rejected      int           `json:"rejected"`
	Outcomes      []PushOutcome `json:"outcomes"`
}

// PullResponse is the peer's reply to a filtered resource listing.
type PullResponse struct {
	Resources []Resource `json:"resources"`
}
