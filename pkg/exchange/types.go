// Package exchange implements cross-instance token introspection and
// RFC 8693 token exchange between federated instances.
package exchange

import (
	"errors"
	"time"
)

var (
	ErrUnknownInstance = errors.New("instance is not configured")
	ErrSelfIntrospect  = errors.New("origin and requesting instance are the same")
	ErrNoCapacity      = errors.New("concurrent request limit reached")
)

// UnknownInstance is the synthetic code used when a caller cannot name
// its peer. It never participates in trust and is rejected outright.
const UnknownInstance = "UNKNOWN"

// IntrospectionResult is the shaped outcome of a cross-instance
// introspection. Error is set instead of returning a Go error so the
// caller always gets a result it can log and correlate.
type IntrospectionResult struct {
	Active        bool           `json:"active"`
	Claims        map[string]any `json:"claims,omitempty"`
	TrustVerified bool           `json:"trustVerified"`
	LatencyMs     int64          `json:"latencyMs"`
	ValidatedAt   time.Time      `json:"validatedAt"`
	Error         string         `json:"error,omitempty"`
}

// ExchangeRequest carries one RFC 8693 token-exchange grant.
type ExchangeRequest struct {
	SubjectToken     string   `json:"subjectToken"`
	SubjectTokenType string   `json:"subjectTokenType"`
	OriginInstance   string   `json:"originInstance"`
	TargetInstance   string   `json:"targetInstance"`
	RequestedScopes  []string `json:"requestedScopes,omitempty"`
	RequestID        string   `json:"requestId"`
}

// ExchangeResult is always fully shaped: AuditID, OriginInstance, and
// TargetInstance are populated on every path, success or not.
type ExchangeResult struct {
	Success          bool     `json:"success"`
	AccessToken      string   `json:"accessToken,omitempty"`
	ExpiresIn        int64    `json:"expiresIn,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	OriginInstance   string   `json:"originInstance"`
	TargetInstance   string   `json:"targetInstance"`
	AuditID          string   `json:"auditId"`
	Error            string   `json:"error,omitempty"`
	ErrorDescription string   `json:"errorDescription,omitempty"`
}

// EventType enumerates exchange engine events.
type EventType string

const (
	EventIntrospectionFailed EventType = "introspectionFailed"
	EventExchangeDenied      EventType = "exchangeDenied"
	EventExchangeCompleted   EventType = "exchangeCompleted"
)

// Event is emitted on notable introspection and exchange outcomes.
type Event struct {
	Type      EventType `json:"type"`
	Origin    string    `json:"origin"`
	Target    string    `json:"target,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	LatencyMs int64     `json:"latencyMs,omitempty"`
	At        time.Time `json:"at"`
}

// Peer describes a configured remote instance: where to reach it and
// which credentials the hub presents when calling it.
type Peer struct {
	Code              string `json:"code"`
	BaseURL           string `json:"baseUrl"`
	ClientID          string `json:"clientId"`
	ClientSecret      string `json:"-"`
	FederationVersion string `json:"federationVersion,omitempty"`
}

// Resolver maps an instance code to its peer configuration.
type Resolver interface {
	Resolve(code string) (*Peer, error)
	Peers() []Peer
}

// StaticResolver serves a fixed peer table built from configuration.
type StaticResolver struct {
	peers map[string]Peer
}

func NewStaticResolver(peers []Peer) *StaticResolver {
	m := make(map[string]Peer, len(peers))
	for _, p := range peers {
		m[p.Code] = p
	}
	return &StaticResolver{peers: m}
}

func (r *StaticResolver) Resolve(code string) (*Peer, error) {
	p, ok := r.peers[code]
	if !ok {
		return nil, ErrUnknownInstance
	}
	return &p, nil
}

func (r *StaticResolver) Peers() []Peer {
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
