package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/coalition-io/fedhub/pkg/bundle"
	"github.com/coalition-io/fedhub/pkg/spoke"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
	maxAttempts = 5

	// TrustedIssuersPath is the data-plane path holding the issuer list
	// the data plane accepts spoke tokens from.
	TrustedIssuersPath = "data/trusted_issuers.json"
)

// TrustedIssuer is one entry in the published issuer list.
type TrustedIssuer struct {
	SpokeID      string   `json:"spokeId"`
	InstanceCode string   `json:"instanceCode"`
	Scopes       []string `json:"scopes"`
}

// Publisher distributes the current bundle and inline data and fans
// spoke lifecycle changes out to the data plane.
type Publisher struct {
	current bundle.CurrentStore
	plane   DataPlane
	spokes  *spoke.Registry
	rebuild func(ctx context.Context) error
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error

	mu        sync.Mutex
	published map[string]string // data path -> canonical content hash
}

func NewPublisher(current bundle.CurrentStore, plane DataPlane, spokes *spoke.Registry) *Publisher {
	return &Publisher{
		current:   current,
		plane:     plane,
		spokes:    spokes,
		logger:    slog.Default().With("component", "publish"),
		sleep:     sleepCtx,
		published: make(map[string]string),
	}
}

// SetRebuild installs the hook that regenerates the policy bundle
// before an approval is published. Bound after construction because
// the builder and the spoke registry reference each other at startup.
func (p *Publisher) SetRebuild(fn func(ctx context.Context) error) {
	p.rebuild = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish emits the current bundle's metadata to the data plane.
func (p *Publisher) Publish(ctx context.Context) (*BundleNotice, error) {
	current, err := p.current.GetCurrent(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current bundle: %w", err)
	}
	if current == nil {
		return nil, bundle.ErrBundleNotFound
	}

	notice := BundleNotice{
		BundleID: current.BundleID,
		Version:  current.Version,
		Hash:     current.Hash,
		Scopes:   current.Scopes,
		SignedAt: current.SignedAt,
		SignedBy: current.SignedBy,
	}
	if err := p.plane.PublishBundle(ctx, notice); err != nil {
		return nil, err
	}
	p.logger.Info("bundle published", "version", notice.Version, "hash", notice.Hash)
	return &notice, nil
}

// PublishInlineData updates one named data path. The payload is
// canonicalized first so republishing equal data is a no-op.
func (p *Publisher) PublishInlineData(ctx context.Context, path string, data json.RawMessage, reason string) (bool, error) {
	canonical, err := jcs.Transform(data)
	if err != nil {
		return false, fmt.Errorf("canonicalize %s: %w", path, err)
	}
	sum := sha256.Sum256(canonical)
	digest := hex.EncodeToString(sum[:])

	p.mu.Lock()
	if p.published[path] == digest {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()

	if err := p.plane.PublishData(ctx, path, canonical, reason); err != nil {
		return false, err
	}

	p.mu.Lock()
	p.published[path] = digest
	p.mu.Unlock()

	p.logger.Info("inline data published", "path", path, "reason", reason)
	return true, nil
}

// TriggerRefresh broadcasts a refresh signal, retrying with
// exponential backoff until the data plane acknowledges.
func (p *Publisher) TriggerRefresh(ctx context.Context) error {
	var lastErr error
	delay := backoffBase
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.plane.TriggerRefresh(ctx)
		if lastErr == nil {
			return nil
		}
		p.logger.Warn("refresh attempt failed", "attempt", attempt, "error", lastErr)
		if attempt == maxAttempts {
			break
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	return fmt.Errorf("refresh failed after %d attempts: %w", maxAttempts, lastErr)
}

// HandleSpokeEvent republishes the trusted-issuers list and triggers a
// refresh after any spoke lifecycle transition. Approvals additionally
// rebuild and publish the bundle so the new spoke's scopes are covered.
func (p *Publisher) HandleSpokeEvent(ctx context.Context, ev spoke.Event) error {
	if ev.Type == spoke.EventApproved && p.rebuild != nil {
		if err := p.rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild on approval: %w", err)
		}
		if _, err := p.Publish(ctx); err != nil {
			return err
		}
	}
	if err := p.PublishTrustedIssuers(ctx, string(ev.Type)); err != nil {
		return err
	}
	return p.TriggerRefresh(ctx)
}

// PublishTrustedIssuers derives the issuer list from approved spokes
// and pushes it inline.
func (p *Publisher) PublishTrustedIssuers(ctx context.Context, reason string) error {
	approved, err := p.spokes.ListByStatus(ctx, spoke.StatusApproved)
	if err != nil {
		return fmt.Errorf("list approved spokes: %w", err)
	}

	issuers := make([]TrustedIssuer, 0, len(approved))
	for _, s := range approved {
		issuers = append(issuers, TrustedIssuer{
			SpokeID:      s.SpokeID,
			InstanceCode: s.InstanceCode,
			Scopes:       s.AllowedPolicyScopes,
		})
	}

	payload, err := json.Marshal(map[string]any{"issuers": issuers})
	if err != nil {
		return err
	}
	_, err = p.PublishInlineData(ctx, TrustedIssuersPath, payload, reason)
	return err
}
