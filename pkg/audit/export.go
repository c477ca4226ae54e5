package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptySubject       = errors.New("audit export: subject must not be empty")
	ErrStoreNotConfigured = errors.New("audit export: no backing store")
)

// ExportRequest selects the trail slice to export. Limit defaults to
// the store's query default.
type ExportRequest struct {
	Subject string `json:"subject"`
	Limit   int    `json:"limit,omitempty"`
}

// Exporter builds evidence packs for compliance reviews (ACP-240
// style disclosure requests): a zip of the selected entries plus a
// manifest carrying a checksum over the serialized events.
type Exporter struct {
	store Store
	now   func() time.Time
}

func NewExporter(store Store) *Exporter {
	return &Exporter{store: store, now: time.Now}
}

// GeneratePack returns the zip bytes and the hex sha256 checksum of
// the contained events.json.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if req.Subject == "" {
		return nil, "", ErrEmptySubject
	}
	if e.store == nil {
		return nil, "", ErrStoreNotConfigured
	}

	entries, err := e.store.BySubject(ctx, req.Subject, req.Limit)
	if err != nil {
		return nil, "", fmt.Errorf("query trail for %s: %w", req.Subject, err)
	}

	eventsJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(eventsJSON)
	checksum := hex.EncodeToString(sum[:])

	manifest := map[string]any{
		"subject":     req.Subject,
		"generatedAt": e.now().UTC(),
		"entryCount":  len(entries),
		"checksum":    checksum,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", err
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, file := range []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), checksum, nil
}
