package bundle

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// DataProvider supplies inline ground-truth files (trusted issuers,
// federation matrix, clearance equivalency) keyed by bundle path.
type DataProvider func(ctx context.Context) (map[string][]byte, error)

// VersionDayFormat renders the calendar-day half of a version.
const VersionDayFormat = "2006.01.02"

// FormatVersion renders "YYYY.MM.DD-NNN".
func FormatVersion(day time.Time, seq int) string {
	return fmt.Sprintf("%s-%03d", day.UTC().Format(VersionDayFormat), seq)
}

// CompareVersions orders two version strings. Zero-padded sequences
// make plain string comparison correct.
func CompareVersions(a, b string) int {
	return strings.Compare(a, b)
}

// Builder assembles bundles from a policy source tree and the hub's
// ground-truth data.
type Builder struct {
	source    Source
	versions  VersionStore
	artifacts ArtifactStore
	current   CurrentStore
	signer    *Signer // nil disables signed builds
	data      DataProvider
	logger    *slog.Logger
	now       func() time.Time
}

// NewBuilder wires a builder. signer and data may be nil.
func NewBuilder(source Source, versions VersionStore, artifacts ArtifactStore, current CurrentStore, signer *Signer, data DataProvider) *Builder {
	return &Builder{
		source:    source,
		versions:  versions,
		artifacts: artifacts,
		current:   current,
		signer:    signer,
		data:      data,
		logger:    slog.Default().With("component", "bundle"),
		now:       time.Now,
	}
}

// normalizeScopes sorts, dedupes, and guarantees the base scope.
func normalizeScopes(scopes []string) []string {
	set := map[string]bool{BaseScope: true}
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HashFiles computes the bundle content hash: sha256 over
// "path\0content\n" for each file in lexicographic path order.
func HashFiles(files []SourceFile) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write(f.Content)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Build assembles a bundle. Either the new current pointer is written
// or nothing visible changes.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (*Bundle, error) {
	if opts.Sign && b.signer == nil {
		return nil, ErrNoSigningKey
	}
	scopes := normalizeScopes(opts.Scopes)

	var files []SourceFile
	for _, scope := range scopes {
		scoped, err := b.source.FilesForScope(scope)
		if err != nil {
			return nil, fmt.Errorf("collect scope %s: %w", scope, err)
		}
		files = append(files, scoped...)
	}
	if opts.IncludeData && b.data != nil {
		inline, err := b.data(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect inline data: %w", err)
		}
		paths := make([]string, 0, len(inline))
		for p := range inline {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			files = append(files, SourceFile{Path: p, Content: inline[p]})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	hash := HashFiles(files)
	now := b.now().UTC()
	seq, err := b.versions.NextSequence(ctx, now.Format(VersionDayFormat))
	if err != nil {
		return nil, fmt.Errorf("allocate version: %w", err)
	}
	version := FormatVersion(now, seq)

	manifest := Manifest{Revision: version, Roots: scopes}
	var totalSize int64
	for _, f := range files {
		sum := sha256.Sum256(f.Content)
		manifest.Files = append(manifest.Files, FileEntry{
			Path:   f.Path,
			Size:   int64(len(f.Content)),
			SHA256: hex.EncodeToString(sum[:]),
		})
		totalSize += int64(len(f.Content))
	}

	built := &Bundle{
		BundleID:  "bundle-" + hash[:12],
		Version:   version,
		Hash:      hash,
		Size:      totalSize,
		FileCount: len(files),
		Manifest:  manifest,
		Scopes:    scopes,
		CreatedAt: now,
	}
	if opts.Sign {
		built.Signed = true
		built.SignedAt = now
		built.SignedBy = b.signer.KeyID
		built.Signature = b.signer.Sign(hash)
	}

	// Identical content re-points at the existing artifact.
	exists, err := b.artifacts.Has(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("artifact lookup: %w", err)
	}
	if !exists {
		blob, err := encodeArtifact(files, built.Manifest, opts.Compress)
		if err != nil {
			return nil, err
		}
		if err := b.artifacts.Put(ctx, hash, blob); err != nil {
			return nil, fmt.Errorf("store artifact: %w", err)
		}
	}

	if err := b.current.SetCurrent(ctx, CurrentPointer{
		BundleID:  built.BundleID,
		Version:   built.Version,
		Hash:      built.Hash,
		Scopes:    built.Scopes,
		Signed:    built.Signed,
		SignedAt:  built.SignedAt,
		SignedBy:  built.SignedBy,
		Manifest:  built.Manifest,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("update current pointer: %w", err)
	}

	b.logger.Info("bundle built",
		"bundleId", built.BundleID, "version", built.Version,
		"files", built.FileCount, "signed", built.Signed, "reusedArtifact", exists)
	return built, nil
}

// Current returns the current pointer.
func (b *Builder) Current(ctx context.Context) (*CurrentPointer, error) {
	return b.current.GetCurrent(ctx)
}

// AvailableScopes lists the scopes the source tree can serve.
func (b *Builder) AvailableScopes() ([]string, error) {
	return b.source.Scopes()
}

// artifactDocument is the stored representation of a built bundle.
// JCS canonical form keeps the blob byte-stable for a given content
// hash.
type artifactDocument struct {
	Manifest Manifest          `json:"manifest"`
	Files    map[string]string `json:"files"` // path -> base64 content
}

func encodeArtifact(files []SourceFile, manifest Manifest, compress bool) ([]byte, error) {
	doc := artifactDocument{Manifest: manifest, Files: make(map[string]string, len(files))}
	for _, f := range files {
		doc.Files[f.Path] = base64.StdEncoding.EncodeToString(f.Content)
	}
	raw, err := jcsMarshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	if !compress {
		return raw, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// jcsMarshal renders v as RFC 8785 canonical JSON.
func jcsMarshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(intermediate)
}
