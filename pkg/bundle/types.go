// Package bundle assembles, signs, and stores content-addressed
// policy bundles for distribution to the data plane.
package bundle

import (
	"errors"
	"time"
)

var (
	ErrNoSigningKey   = errors.New("signed build requested but no signing key configured")
	ErrStaleVersion   = errors.New("current bundle pointer is newer")
	ErrBundleNotFound = errors.New("bundle not found")
)

// BaseScope is included in every bundle regardless of the requested
// scope set.
const BaseScope = "policy:base"

// FileEntry is one file in the bundle manifest.
type FileEntry struct {
	Path   string `bson:"path" json:"path"`
	Size   int64  `bson:"size" json:"size"`
	SHA256 string `bson:"sha256" json:"sha256"`
}

// Manifest is the ordered file listing that defines bundle identity.
type Manifest struct {
	Revision string      `bson:"revision" json:"revision"`
	Roots    []string    `bson:"roots" json:"roots"`
	Files    []FileEntry `bson:"files" json:"files"`
}

// Bundle is one built policy bundle. Hash alone is content identity;
// hash plus version identify a build.
type Bundle struct {
	BundleID  string    `bson:"bundleId" json:"bundleId"`
	Version   string    `bson:"version" json:"version"`
	Hash      string    `bson:"hash" json:"hash"`
	Size      int64     `bson:"size" json:"size"`
	FileCount int       `bson:"fileCount" json:"fileCount"`
	Signed    bool      `bson:"signed" json:"signed"`
	SignedAt  time.Time `bson:"signedAt,omitempty" json:"signedAt,omitempty"`
	SignedBy  string    `bson:"signedBy,omitempty" json:"signedBy,omitempty"`
	Signature string    `bson:"signature,omitempty" json:"signature,omitempty"`
	Manifest  Manifest  `bson:"manifest" json:"manifest"`
	Scopes    []string  `bson:"scopes" json:"scopes"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// BuildOptions tunes one build.
type BuildOptions struct {
	Scopes      []string `json:"scopes"`
	Sign        bool     `json:"sign"`
	IncludeData bool     `json:"includeData"`
	Compress    bool     `json:"compress"`
}
