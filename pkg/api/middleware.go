package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coalition-io/fedhub/pkg/spoke"
)

// HeaderCorrelationID carries the request correlation id end to end.
const HeaderCorrelationID = "X-Correlation-ID"

type contextKey string

const (
	ctxKeyCorrelationID contextKey = "correlationId"
	ctxKeySpoke         contextKey = "spoke"
)

// CorrelationID returns the request's correlation id, or empty when
// the correlation middleware did not run.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyCorrelationID).(string)
	return v
}

// SpokeFrom returns the authenticated spoke, when SpokeAuth ran.
func SpokeFrom(ctx context.Context) *spoke.Spoke {
	v, _ := ctx.Value(ctxKeySpoke).(*spoke.Spoke)
	return v
}

// WithCorrelation assigns a correlation id to every request, reusing
// the caller's when present, and echoes it on the response.
func WithCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyCorrelationID, id)))
	})
}

// rateLimitConfig holds the per-IP limiter settings.
type rateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// GlobalRateLimiter manages per-IP rate limiters for the admin and
// peer surfaces. Spoke-authenticated routes additionally consume the
// spoke's own budget via SpokeAuth.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   rateLimitConfig
}

// visitor tracks the rate limiter and last seen time for an IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a new rate limiter.
// rps: requests per second allowed.
// burst: maximum burst size.
func NewGlobalRateLimiter(rps int, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		config: rateLimitConfig{
			rps:   rate.Limit(rps),
			burst: burst,
		},
	}
	go rl.cleanupVisitors()
	return rl
}

// getVisitor returns the limiter for a given IP, creating if necessary.
func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.config.rps, rl.config.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale visitor entries to prevent memory
// growth. Checks every minute, removes entries older than 3 minutes.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Handler that enforces rate limits.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}

		if !rl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SpokeAuth authenticates spoke-facing routes with a bearer spoke
// token and charges the spoke's rate budget. The validated spoke is
// attached to the request context.
func SpokeAuth(registry *spoke.Registry, limiter spoke.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteUnauthorized(w, "Spoke token required")
				return
			}

			res, err := registry.ValidateToken(r.Context(), token)
			if err != nil {
				WriteInternal(w, err)
				return
			}
			if !res.Valid {
				WriteUnauthorized(w, res.Reason)
				return
			}

			if limiter != nil {
				allowed, err := limiter.Allow(r.Context(), res.Spoke.SpokeID, res.Spoke.RateLimit)
				if err != nil {
					// Limiter outage must not take authorization down
					// with it. Fail open and keep serving.
					allowed = true
				}
				if !allowed {
					WriteTooManyRequests(w, 60)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeySpoke, res.Spoke)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}
