package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coalition-io/fedhub/pkg/exchange"
)

const maxPeerBody = 4 << 20

// PeerClient pushes and pulls resources against one peer's federation
// API, authenticating with short-lived federation JWTs.
type PeerClient struct {
	localRealm string
	resolver   exchange.Resolver
	issuer     *exchange.TokenIssuer
	client     *http.Client
}

func NewPeerClient(localRealm string, resolver exchange.Resolver, issuer *exchange.TokenIssuer, client *http.Client) *PeerClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PeerClient{
		localRealm: localRealm,
		resolver:   resolver,
		issuer:     issuer,
		client:     client,
	}
}

// Push sends local resources to the peer and returns its per-resource
// outcomes.
func (c *PeerClient) Push(ctx context.Context, peerRealm, correlationID string, resources []Resource) (*PushResponse, error) {
	peer, err := c.resolver.Resolve(peerRealm)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", peerRealm, err)
	}

	body, err := json.Marshal(PushRequest{
		CorrelationID: correlationID,
		SourceRealm:   c.localRealm,
		Resources:     resources,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(peer.BaseURL, "/") + "/federation/resources"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req, peerRealm, correlationID); err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out PushResponse
	if err := c.do(req, peerRealm, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull fetches the peer's resources releasable to the local realm,
// excluding those this realm originated.
func (c *PeerClient) Pull(ctx context.Context, peerRealm, correlationID string) ([]Resource, error) {
	peer, err := c.resolver.Resolve(peerRealm)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", peerRealm, err)
	}

	query := url.Values{}
	query.Set("releasableTo", c.localRealm)
	query.Set("excludeOrigin", c.localRealm)
	endpoint := strings.TrimSuffix(peer.BaseURL, "/") + "/federation/resources?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req, peerRealm, correlationID); err != nil {
		return nil, err
	}

	var out PullResponse
	if err := c.do(req, peerRealm, &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

func (c *PeerClient) authorize(ctx context.Context, req *http.Request, peerRealm, correlationID string) error {
	bearer, err := c.issuer.Mint(ctx, peerRealm)
	if err != nil {
		return fmt.Errorf("mint federation token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Correlation-ID", correlationID)
	req.Header.Set("X-Origin-Realm", c.localRealm)
	return nil
}

func (c *PeerClient) do(req *http.Request, peerRealm string, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("federation call to %s failed: %w", peerRealm, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerBody))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("federation call to %s returned %d", peerRealm, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("federation response from %s unparseable: %w", peerRealm, err)
	}
	return nil
}
