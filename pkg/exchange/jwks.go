package exchange

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// defaultJWKSTTL applies when the origin sends no cache-control header.
const defaultJWKSTTL = 10 * time.Minute

const maxJWKSBody = 1 << 20

type jwksEntry struct {
	keys    map[string]ed25519.PublicKey
	expires time.Time
}

// JWKSCache fetches and caches peer key sets per origin, honoring the
// cache-control max-age when present. Keys are used to verify JWT
// subject tokens locally before deciding to call introspection.
type JWKSCache struct {
	client   *http.Client
	resolver Resolver
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]jwksEntry
}

func NewJWKSCache(client *http.Client, resolver Resolver) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{
		client:   client,
		resolver: resolver,
		now:      time.Now,
		entries:  make(map[string]jwksEntry),
	}
}

// Key returns the origin's public key for kid, fetching the key set if
// the cached copy is missing or expired.
func (c *JWKSCache) Key(ctx context.Context, origin, kid string) (ed25519.PublicKey, error) {
	c.mu.Lock()
	entry, ok := c.entries[origin]
	if ok && c.now().Before(entry.expires) {
		key, found := entry.keys[kid]
		c.mu.Unlock()
		if !found {
			return nil, fmt.Errorf("key %q not in %s key set", kid, origin)
		}
		return key, nil
	}
	c.mu.Unlock()

	keys, ttl, err := c.fetch(ctx, origin)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[origin] = jwksEntry{keys: keys, expires: c.now().Add(ttl)}
	c.mu.Unlock()

	key, found := keys[kid]
	if !found {
		return nil, fmt.Errorf("key %q not in %s key set", kid, origin)
	}
	return key, nil
}

// Invalidate drops the cached key set for one origin.
func (c *JWKSCache) Invalidate(origin string) {
	c.mu.Lock()
	delete(c.entries, origin)
	c.mu.Unlock()
}

func (c *JWKSCache) fetch(ctx context.Context, origin string) (map[string]ed25519.PublicKey, time.Duration, error) {
	peer, err := c.resolver.Resolve(origin)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", origin, err)
	}

	url := strings.TrimSuffix(peer.BaseURL, "/") + "/.well-known/jwks.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s jwks: %w", origin, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("fetch %s jwks: status %d", origin, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return nil, 0, err
	}

	var doc JWKSDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, fmt.Errorf("decode %s jwks: %w", origin, err)
	}

	keys := make(map[string]ed25519.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys[k.Kid] = ed25519.PublicKey(raw)
	}
	if len(keys) == 0 {
		return nil, 0, fmt.Errorf("%s key set has no usable keys", origin)
	}

	return keys, cacheTTL(resp.Header.Get("Cache-Control")), nil
}

// cacheTTL extracts max-age from a cache-control header, falling back
// to the default.
func cacheTTL(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultJWKSTTL
}
