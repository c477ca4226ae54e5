package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
)

// FederationVersion is the protocol version this hub speaks. Peers on
// the same major version are interoperable.
const FederationVersion = "1.2.0"

// federationTokenTTL bounds the lifetime of outbound federation JWTs.
const federationTokenTTL = 5 * time.Minute

// FederationClaims is the bearer presented on hub-to-peer calls.
type FederationClaims struct {
	jwt.RegisteredClaims
	Realm             string   `json:"realm"`
	FederationVersion string   `json:"federationVersion"`
	Capabilities      []string `json:"capabilities"`
}

// TokenIssuer mints short-lived federation JWTs for outbound calls.
type TokenIssuer struct {
	keys         KeySet
	instanceCode string
	capabilities []string
	now          func() time.Time
}

func NewTokenIssuer(keys KeySet, instanceCode string, capabilities []string) *TokenIssuer {
	return &TokenIssuer{
		keys:         keys,
		instanceCode: instanceCode,
		capabilities: capabilities,
		now:          time.Now,
	}
}

// Mint signs a federation JWT addressed to the given peer.
func (i *TokenIssuer) Mint(ctx context.Context, audience string) (string, error) {
	now := i.now()
	claims := FederationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.instanceCode,
			Subject:   fmt.Sprintf("%s-federation-service", i.instanceCode),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(federationTokenTTL)),
		},
		Realm:             i.instanceCode,
		FederationVersion: FederationVersion,
		Capabilities:      i.capabilities,
	}
	return i.keys.Sign(ctx, claims)
}

// CompatibleVersion reports whether a peer's advertised federation
// version interoperates with ours. Same major version is compatible;
// an empty or unparseable version is treated as incompatible.
func CompatibleVersion(remote string) (bool, error) {
	if remote == "" {
		return false, fmt.Errorf("peer did not advertise a federation version")
	}
	rv, err := semver.NewVersion(remote)
	if err != nil {
		return false, fmt.Errorf("parse peer federation version %q: %w", remote, err)
	}
	local := semver.MustParse(FederationVersion)
	return rv.Major() == local.Major(), nil
}
