package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrBadFederationToken  = errors.New("federation token rejected")
	ErrIncompatibleVersion = errors.New("incompatible federation version")
)

// PeerVerifier validates inbound federation JWTs presented by peer
// hubs. Keys come from the peer's published JWKS, resolved by the
// token's issuer claim.
type PeerVerifier struct {
	jwks    *JWKSCache
	hubCode string
	now     func() time.Time
}

func NewPeerVerifier(jwks *JWKSCache, hubCode string) *PeerVerifier {
	return &PeerVerifier{jwks: jwks, hubCode: hubCode, now: time.Now}
}

// Verify checks signature, audience, expiry, and protocol version.
// The returned claims identify the calling peer.
func (v *PeerVerifier) Verify(ctx context.Context, token string) (*FederationClaims, error) {
	claims := &FederationClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "EdDSA" {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		fc, ok := t.Claims.(*FederationClaims)
		if !ok || fc.Issuer == "" {
			return nil, errors.New("missing issuer")
		}
		return v.jwks.Key(ctx, fc.Issuer, kid)
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithAudience(v.hubCode),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFederationToken, err)
	}
	if !parsed.Valid {
		return nil, ErrBadFederationToken
	}

	ok, err := CompatibleVersion(claims.FederationVersion)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: %q", ErrIncompatibleVersion, claims.FederationVersion)
	}
	return claims, nil
}
