package exchange

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/coalition-io/fedhub/pkg/breaker"
	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/trust"
)

const (
	defaultIntrospectTTL  = 5 * time.Second
	defaultCallTimeout    = 5 * time.Second
	tokenExchangeGrant    = "urn:ietf:params:oauth:grant-type:token-exchange"
	defaultSubjectTokType = "urn:ietf:params:oauth:token-type:access_token"
	maxPeerBody           = 1 << 20
)

type introspectEntry struct {
	result  IntrospectionResult
	expires time.Time
}

// Config tunes the exchange engine.
type Config struct {
	InstanceCode  string
	IntrospectTTL time.Duration
	CallTimeout   time.Duration
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.IntrospectTTL <= 0 {
		c.IntrospectTTL = defaultIntrospectTTL
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// Engine performs cross-instance introspection and token exchange. All
// outbound calls go through the admission gate and record outcomes on
// the per-target circuit breaker. State is read under lock, the network
// call happens unlocked, and results are committed afterward.
type Engine struct {
	cfg       Config
	trust     *trust.Registry
	breakers  *breaker.Manager
	resolver  Resolver
	issuer    *TokenIssuer
	jwks      *JWKSCache
	clearance *clearance.Resolver
	client    *http.Client
	admission *Admission
	onEvent   func(Event)
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]introspectEntry
}

func NewEngine(cfg Config, tr *trust.Registry, breakers *breaker.Manager, resolver Resolver,
	issuer *TokenIssuer, jwks *JWKSCache, clr *clearance.Resolver,
	client *http.Client, onEvent func(Event)) *Engine {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.CallTimeout}
	}
	return &Engine{
		cfg:       cfg,
		trust:     tr,
		breakers:  breakers,
		resolver:  resolver,
		issuer:    issuer,
		jwks:      jwks,
		clearance: clr,
		client:    client,
		admission: NewAdmission(cfg.MaxConcurrent),
		onEvent:   onEvent,
		logger:    slog.Default().With("component", "exchange"),
		now:       time.Now,
		cache:     make(map[string]introspectEntry),
	}
}

func cacheKey(token, origin string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:]) + "\x00" + origin
}

// Introspect validates a token issued by origin on behalf of
// requesting. The result is always shaped; Error explains failures.
func (e *Engine) Introspect(ctx context.Context, token, origin, requesting, requestID string) IntrospectionResult {
	origin = trust.NormalizeCode(origin)
	requesting = trust.NormalizeCode(requesting)
	started := e.now()

	fail := func(reason string) IntrospectionResult {
		e.emit(Event{Type: EventIntrospectionFailed, Origin: origin, Target: requesting,
			RequestID: requestID, Reason: reason,
			LatencyMs: e.now().Sub(started).Milliseconds(), At: e.now()})
		return IntrospectionResult{
			Active:      false,
			LatencyMs:   e.now().Sub(started).Milliseconds(),
			ValidatedAt: e.now(),
			Error:       reason,
		}
	}

	if origin == requesting {
		return fail("origin and requesting instance are the same")
	}
	if origin == UnknownInstance || requesting == UnknownInstance || origin == "" || requesting == "" {
		return fail("unknown instance")
	}

	edge, err := e.trust.Verify(ctx, requesting, origin)
	if err != nil {
		return fail(fmt.Sprintf("trust lookup failed: %v", err))
	}
	if edge == nil {
		r := fail("No bilateral trust")
		r.TrustVerified = false
		return r
	}

	key := cacheKey(token, origin)
	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && e.now().Before(entry.expires) {
		e.mu.Unlock()
		cached := entry.result
		cached.TrustVerified = true
		return cached
	}
	e.mu.Unlock()

	if reason, rejected := e.rejectLocally(ctx, token, origin); rejected {
		result := IntrospectionResult{
			Active:        false,
			TrustVerified: true,
			LatencyMs:     e.now().Sub(started).Milliseconds(),
			ValidatedAt:   e.now(),
			Error:         reason,
		}
		e.store(key, result)
		e.emit(Event{Type: EventIntrospectionFailed, Origin: origin, Target: requesting,
			RequestID: requestID, Reason: reason,
			LatencyMs: result.LatencyMs, At: e.now()})
		return result
	}

	br := e.breakers.For(origin)
	if !br.ShouldAllow() {
		r := fail(fmt.Sprintf("circuit breaker open for %s", origin))
		r.TrustVerified = true
		return r
	}

	claims, active, err := e.callIntrospect(ctx, token, origin)
	if err != nil {
		br.RecordFailure()
		r := fail(err.Error())
		r.TrustVerified = true
		return r
	}
	br.RecordSuccess()

	result := IntrospectionResult{
		Active:        active,
		Claims:        claims,
		TrustVerified: true,
		LatencyMs:     e.now().Sub(started).Milliseconds(),
		ValidatedAt:   e.now(),
	}
	e.store(key, result)
	return result
}

// rejectLocally checks a JWT-shaped subject token against the origin's
// published keys. A bad signature is final; anything else falls through
// to remote introspection.
func (e *Engine) rejectLocally(ctx context.Context, token, origin string) (string, bool) {
	if e.jwks == nil || strings.Count(token, ".") != 2 {
		return "", false
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key, err := e.jwks.Key(ctx, origin, kid)
		if err != nil {
			return ed25519.PublicKey(nil), err
		}
		return key, nil
	})
	if err == nil && parsed.Valid {
		return "", false
	}
	if err != nil && strings.Contains(err.Error(), "signature is invalid") {
		return "token signature invalid", true
	}
	// Key fetch failures and non-EdDSA tokens defer to the origin.
	return "", false
}

func (e *Engine) store(key string, result IntrospectionResult) {
	e.mu.Lock()
	e.cache[key] = introspectEntry{result: result, expires: e.now().Add(e.cfg.IntrospectTTL)}
	e.mu.Unlock()
}

// InvalidateOrigin drops cached introspections and keys for an origin.
// Called from the same mutation path that changes trust or spoke state.
func (e *Engine) InvalidateOrigin(origin string) {
	origin = trust.NormalizeCode(origin)
	e.mu.Lock()
	for key := range e.cache {
		if strings.HasSuffix(key, "\x00"+origin) {
			delete(e.cache, key)
		}
	}
	e.mu.Unlock()
	if e.jwks != nil {
		e.jwks.Invalidate(origin)
	}
}

func (e *Engine) callIntrospect(ctx context.Context, token, origin string) (map[string]any, bool, error) {
	peer, err := e.resolver.Resolve(origin)
	if err != nil {
		return nil, false, fmt.Errorf("no endpoint for %s", origin)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	if err := e.admission.Acquire(ctx); err != nil {
		return nil, false, err
	}
	defer e.admission.Release()

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	endpoint := strings.TrimSuffix(peer.BaseURL, "/") + "/introspect"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(peer.ClientID, peer.ClientSecret)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("introspection call to %s failed: %w", origin, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("introspection call to %s returned %d", origin, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerBody))
	if err != nil {
		return nil, false, err
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, false, fmt.Errorf("introspection response from %s unparseable: %w", origin, err)
	}
	active, _ := claims["active"].(bool)
	return claims, active, nil
}

// Exchange performs an RFC 8693 token-exchange grant across the trust
// edge from origin to target. Failures are non-fatal to the caller: the
// result is always shaped and carries an audit id for correlation.
func (e *Engine) Exchange(ctx context.Context, req ExchangeRequest) ExchangeResult {
	origin := trust.NormalizeCode(req.OriginInstance)
	target := trust.NormalizeCode(req.TargetInstance)
	started := e.now()

	result := ExchangeResult{
		OriginInstance: origin,
		TargetInstance: target,
		AuditID:        uuid.NewString(),
	}
	deny := func(code, description string) ExchangeResult {
		result.Error = code
		result.ErrorDescription = description
		e.emit(Event{Type: EventExchangeDenied, Origin: origin, Target: target,
			RequestID: req.RequestID, Reason: description,
			LatencyMs: e.now().Sub(started).Milliseconds(), At: e.now()})
		return result
	}

	edge, err := e.trust.Verify(ctx, origin, target)
	if err != nil {
		return deny("invalid_grant", fmt.Sprintf("trust lookup failed: %v", err))
	}
	if edge == nil {
		return deny("invalid_grant", fmt.Sprintf("No bilateral trust between %s and %s", origin, target))
	}

	intro := e.Introspect(ctx, req.SubjectToken, origin, target, req.RequestID)
	if !intro.Active {
		reason := intro.Error
		if reason == "" {
			reason = "subject token is not active"
		}
		return deny("invalid_grant", reason)
	}

	subjectLevel := e.subjectClearance(intro.Claims)
	if !clearance.Dominates(edge.MaxClassification, subjectLevel) {
		return deny("invalid_grant", fmt.Sprintf("subject clearance %s exceeds trust ceiling %s",
			subjectLevel, edge.MaxClassification))
	}

	scopes := intersectScopes(req.RequestedScopes, edge.AllowedScopes)
	if len(req.RequestedScopes) > 0 && len(scopes) == 0 {
		return deny("invalid_scope", "no requested scope is allowed on this trust edge")
	}

	peer, err := e.resolver.Resolve(target)
	if err != nil {
		return deny("invalid_target", fmt.Sprintf("no endpoint for %s", target))
	}
	if peer.FederationVersion != "" {
		if ok, err := CompatibleVersion(peer.FederationVersion); err != nil || !ok {
			return deny("invalid_target", fmt.Sprintf("peer federation version %s is incompatible with %s",
				peer.FederationVersion, FederationVersion))
		}
	}

	br := e.breakers.For(target)
	if !br.ShouldAllow() {
		return deny("temporarily_unavailable", fmt.Sprintf("circuit breaker open for %s", target))
	}

	token, expiresIn, grantedScopes, err := e.callTokenEndpoint(ctx, peer, req, scopes)
	if err != nil {
		br.RecordFailure()
		return deny("invalid_grant", err.Error())
	}
	br.RecordSuccess()

	if len(grantedScopes) > 0 {
		scopes = grantedScopes
	}
	result.Success = true
	result.AccessToken = token
	result.ExpiresIn = expiresIn
	result.Scopes = scopes
	e.emit(Event{Type: EventExchangeCompleted, Origin: origin, Target: target,
		RequestID: req.RequestID,
		LatencyMs: e.now().Sub(started).Milliseconds(), At: e.now()})
	return result
}

func (e *Engine) subjectClearance(claims map[string]any) clearance.Level {
	raw, _ := claims["clearance"].(string)
	if raw == "" {
		return clearance.Unclassified
	}
	country, _ := claims["countryOfAffiliation"].(string)
	return e.clearance.Normalize(raw, country).Normalized
}

func (e *Engine) callTokenEndpoint(ctx context.Context, peer *Peer, req ExchangeRequest, scopes []string) (string, int64, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	if err := e.admission.Acquire(ctx); err != nil {
		return "", 0, nil, err
	}
	defer e.admission.Release()

	bearer, err := e.issuer.Mint(ctx, peer.Code)
	if err != nil {
		return "", 0, nil, fmt.Errorf("mint federation token: %w", err)
	}

	tokenType := req.SubjectTokenType
	if tokenType == "" {
		tokenType = defaultSubjectTokType
	}
	form := url.Values{}
	form.Set("grant_type", tokenExchangeGrant)
	form.Set("subject_token", req.SubjectToken)
	form.Set("subject_token_type", tokenType)
	form.Set("audience", peer.Code)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	endpoint := strings.TrimSuffix(peer.BaseURL, "/") + "/token"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.RequestID)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", 0, nil, fmt.Errorf("token call to %s failed: %w", peer.Code, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPeerBody))
	if err != nil {
		return "", 0, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, nil, fmt.Errorf("token call to %s returned %d", peer.Code, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, nil, fmt.Errorf("token response from %s unparseable: %w", peer.Code, err)
	}
	if payload.AccessToken == "" {
		return "", 0, nil, fmt.Errorf("token response from %s has no access_token", peer.Code)
	}

	var granted []string
	if payload.Scope != "" {
		granted = strings.Fields(payload.Scope)
	}
	return payload.AccessToken, payload.ExpiresIn, granted, nil
}

// intersectScopes keeps requested scopes present in allowed. An empty
// request grants everything the edge allows.
func intersectScopes(requested, allowed []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), allowed...)
	}
	set := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		set[s] = true
	}
	var out []string
	for _, s := range requested {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) emit(ev Event) {
	e.logger.Info("exchange event",
		"type", string(ev.Type), "origin", ev.Origin, "target", ev.Target, "reason", ev.Reason)
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
