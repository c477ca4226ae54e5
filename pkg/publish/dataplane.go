// Package publish pushes built bundles and inline policy data to the
// data plane and signals connected spokes to refresh.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coalition-io/fedhub/pkg/bundle"
)

// BundleNotice is the metadata broadcast on publish. The data plane
// pulls the artifact itself by content hash.
type BundleNotice struct {
	BundleID string    `json:"bundleId"`
	Version  string    `json:"version"`
	Hash     string    `json:"hash"`
	Scopes   []string  `json:"scopes"`
	SignedAt time.Time `json:"signedAt,omitempty"`
	SignedBy string    `json:"signedBy,omitempty"`
}

// DataPlane is the distribution backend the hub publishes through.
type DataPlane interface {
	PublishBundle(ctx context.Context, notice BundleNotice) error
	PublishData(ctx context.Context, path string, data json.RawMessage, reason string) error
	TriggerRefresh(ctx context.Context) error
}

// HTTPDataPlane talks to the data plane's management API.
type HTTPDataPlane struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPDataPlane(baseURL, token string, client *http.Client) *HTTPDataPlane {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPDataPlane{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (p *HTTPDataPlane) PublishBundle(ctx context.Context, notice BundleNotice) error {
	return p.post(ctx, "/policy/bundle", notice)
}

func (p *HTTPDataPlane) PublishData(ctx context.Context, path string, data json.RawMessage, reason string) error {
	return p.post(ctx, "/policy/data", map[string]any{
		"path":   path,
		"data":   data,
		"reason": reason,
	})
}

func (p *HTTPDataPlane) TriggerRefresh(ctx context.Context) error {
	return p.post(ctx, "/policy/refresh", map[string]any{})
}

func (p *HTTPDataPlane) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("data plane call %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("data plane call %s returned %d", path, resp.StatusCode)
	}
	return nil
}

// NoticeFor projects a built bundle onto its broadcast form.
func NoticeFor(b *bundle.Bundle) BundleNotice {
	return BundleNotice{
		BundleID: b.BundleID,
		Version:  b.Version,
		Hash:     b.Hash,
		Scopes:   b.Scopes,
		SignedAt: b.SignedAt,
		SignedBy: b.SignedBy,
	}
}
