package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coalition-io/fedhub/pkg/api"
	"github.com/coalition-io/fedhub/pkg/attributes"
	"github.com/coalition-io/fedhub/pkg/audit"
	"github.com/coalition-io/fedhub/pkg/breaker"
	"github.com/coalition-io/fedhub/pkg/bundle"
	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/config"
	"github.com/coalition-io/fedhub/pkg/exchange"
	"github.com/coalition-io/fedhub/pkg/federation"
	"github.com/coalition-io/fedhub/pkg/metrics"
	"github.com/coalition-io/fedhub/pkg/publish"
	"github.com/coalition-io/fedhub/pkg/spoke"
	"github.com/coalition-io/fedhub/pkg/storage"
	"github.com/coalition-io/fedhub/pkg/trust"
)

//nolint:gocognit,gocyclo
func runServe(stderr io.Writer) int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "fatal: %v\n", err)
		return 1
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	db, err := storage.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB)
	cancel()
	if err != nil {
		fmt.Fprintf(stderr, "mongodb unavailable: %v\n", err)
		return 2
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Close(shutdownCtx)
	}()
	logger.Info("mongodb connected", "database", cfg.MongoDB)

	if err := db.EnsureIndexes(ctx); err != nil {
		fmt.Fprintf(stderr, "index creation failed: %v\n", err)
		return 2
	}

	clearanceStore := storage.NewClearanceStore(db)
	if err := clearanceStore.Seed(ctx); err != nil {
		fmt.Fprintf(stderr, "clearance seed failed: %v\n", err)
		return 2
	}
	mappings, err := clearanceStore.ListMappings(ctx)
	if err != nil || len(mappings) == 0 {
		mappings = clearance.DefaultMappings()
	}
	clearanceResolver := clearance.NewResolver(mappings)

	trustRegistry := trust.NewRegistry(storage.NewTrustStore(db), 30*time.Second)

	keys, err := loadKeySet(cfg.FederationJWTSecret)
	if err != nil {
		fmt.Fprintf(stderr, "fatal: %v\n", err)
		return 1
	}

	profiles := loadRealmProfiles(logger)

	exchangePeers := loadExchangePeers(cfg, profiles, logger)
	resolver := exchange.NewStaticResolver(exchangePeers)
	jwksCache := exchange.NewJWKSCache(nil, resolver)
	issuer := exchange.NewTokenIssuer(keys, cfg.InstanceCode,
		[]string{"token_exchange", "resource_sync"})
	peerVerifier := exchange.NewPeerVerifier(jwksCache, cfg.InstanceCode)

	breakers := breaker.NewManager(breaker.Config{}, nil)
	go breakers.Run(ctx, 10*time.Second)

	healthScorer := metrics.NewHealthScorer()
	metricsStore := metrics.NewStore()
	provider, err := metrics.NewProvider(ctx, metrics.OTelConfig{
		ServiceName:  "fedhub",
		OTLPEndpoint: cfg.OTLPAddr,
		Enabled:      cfg.OTLPAddr != "",
	})
	if err != nil {
		logger.Warn("otel exporter unavailable, continuing without it", "error", err)
		provider, _ = metrics.NewProvider(ctx, metrics.OTelConfig{})
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	engine := exchange.NewEngine(exchange.Config{
		InstanceCode:  cfg.InstanceCode,
		MaxConcurrent: cfg.MaxConcurrentRequests,
	}, trustRegistry, breakers, resolver, issuer, jwksCache, clearanceResolver, nil,
		func(ev exchange.Event) {
			op := "token_exchange"
			if ev.Type == exchange.EventIntrospectionFailed {
				op = "introspection"
			}
			var evErr error
			if ev.Type != exchange.EventExchangeCompleted {
				evErr = errors.New(ev.Reason)
			}
			metricsStore.Inc("federation_exchange_events_total",
				map[string]string{"type": string(ev.Type), "target": ev.Target})
			provider.RecordRequest(ctx, op, ev.Target, evErr,
				time.Duration(ev.LatencyMs)*time.Millisecond)
		})

	// Spoke events republish the trusted-issuer data document, so the
	// publisher is bound after the registry via a late closure.
	var publisher *publish.Publisher
	spokes := spoke.NewRegistry(spoke.Config{
		HubCode:           cfg.InstanceCode,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, storage.NewSpokeStore(db), storage.NewTokenStore(db), trustRegistry, func(ev spoke.Event) {
		if publisher == nil {
			return
		}
		if err := publisher.HandleSpokeEvent(context.Background(), ev); err != nil {
			slog.Default().Warn("spoke event publish failed", "event", ev.Type, "error", err)
		}
	})

	signer, err := bundle.NewSigner(cfg.BundleSigningKeyID)
	if err != nil {
		fmt.Fprintf(stderr, "fatal: bundle signer: %v\n", err)
		return 1
	}
	currentStore := storage.NewBundleCurrentStore(db)
	builder := bundle.NewBuilder(
		bundle.NewFSSource(cfg.PolicySourceDir),
		storage.NewBundleVersionStore(db),
		storage.NewBundleArtifactStore(db),
		currentStore, signer, nil)

	var plane publish.DataPlane
	if cfg.DataPlaneURL != "" {
		plane = publish.NewHTTPDataPlane(cfg.DataPlaneURL, cfg.DataPlaneToken, nil)
	}
	if plane != nil {
		publisher = publish.NewPublisher(currentStore, plane, spokes)
		publisher.SetRebuild(func(ctx context.Context) error {
			grants, err := spokes.ApprovedScopes(ctx)
			if err != nil {
				return err
			}
			_, err = builder.Build(ctx, bundle.BuildOptions{
				Scopes: scopeUnion(grants),
				Sign:   true,
			})
			return err
		})
	} else {
		logger.Warn("DATA_PLANE_URL not set, bundle distribution disabled")
	}

	resources := storage.NewResourceStore(db)
	syncLog := storage.NewSyncLogStore(db)
	validator, err := federation.NewValidator()
	if err != nil {
		fmt.Fprintf(stderr, "fatal: push schema: %v\n", err)
		return 1
	}
	peerClient := federation.NewPeerClient(cfg.InstanceCode, resolver, issuer, nil)
	syncer := federation.NewSyncer(federation.SyncerConfig{
		LocalRealm: cfg.InstanceCode,
		Peers:      peerCodes(exchangePeers),
		Interval:   cfg.FederationSyncEvery,
	}, resources, syncLog, storage.NewLockStore(db), peerClient, breakers,
		func(res federation.SyncResult) {
			ok := res.Error == "" && !res.Partial
			healthScorer.RecordPolicySync(ok)
			metricsStore.Inc("federation_sync_cycles_total", map[string]string{"target": res.Target})
			var syncErr error
			if !ok {
				syncErr = errors.New(res.Error)
			}
			provider.RecordRequest(ctx, "resource_sync", res.Target, syncErr,
				time.Duration(res.DurationMs)*time.Millisecond)
		})
	go syncer.Run(ctx)

	trail := audit.NewTrail(storage.NewAuditStore(db))

	server := api.NewServer(api.Deps{
		HubCode:        cfg.InstanceCode,
		Spokes:         spokes,
		SpokeLimiter:   loadSpokeLimiter(cfg, logger),
		Trust:          trustRegistry,
		Clearances:     clearanceStore,
		Attributes:     attributes.NewNormalizer(clearanceResolver, industryCaps(profiles, logger)),
		Engine:         engine,
		Keys:           keys,
		PeerVerifier:   peerVerifier,
		Builder:        builder,
		Publisher:      publisher,
		Syncer:         syncer,
		Resources:      resources,
		SyncLog:        syncLog,
		Validator:      validator,
		Acceptor:       federation.NewAcceptor(cfg.InstanceCode, resources),
		Health:         healthScorer,
		Metrics:        metricsStore,
		Breakers:       breakers,
		Trail:          trail,
		AuditStore:     storage.NewAuditStore(db),
		IntrospectAuth: introspectAuthFromEnv(),
		Ready:          db.Ping,
	})

	rateLimiter := api.NewGlobalRateLimiter(50, 100)
	idempotency := api.IdempotencyMiddleware(api.NewIdempotencyStore(24 * time.Hour))
	handler := rateLimiter.Middleware(idempotency(server.Handler()))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "instance", cfg.InstanceCode, "port", cfg.Port,
			"peers", len(cfg.Peers))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// loadKeySet derives the federation signing key from the configured
// secret so replicas publish the same JWKS, or generates an ephemeral
// key when no secret is set.
func loadKeySet(secret string) (exchange.KeySet, error) {
	if secret == "" {
		return exchange.NewInMemoryKeySet()
	}
	seed := sha256.Sum256([]byte(secret))
	return exchange.NewKeySetFromSeed(seed[:], "fed-seed-1")
}

// loadRealmProfiles reads per-realm YAML profiles when
// REALM_PROFILES_DIR is set. No directory means defaults apply.
func loadRealmProfiles(logger *slog.Logger) map[string]*config.RealmProfile {
	dir := os.Getenv("REALM_PROFILES_DIR")
	if dir == "" {
		return nil
	}
	profiles, err := config.LoadAllProfiles(dir)
	if err != nil {
		logger.Warn("realm profiles not loaded", "dir", dir, "error", err)
		return nil
	}
	logger.Info("realm profiles loaded", "dir", dir, "count", len(profiles))
	return profiles
}

// industryCaps overlays profile industry ceilings on the default caps.
func industryCaps(profiles map[string]*config.RealmProfile, logger *slog.Logger) map[string]clearance.Level {
	caps := attributes.DefaultIndustryCaps()
	for code, p := range profiles {
		if p.IndustryCeiling == "" {
			continue
		}
		lvl := clearance.Level(strings.ToUpper(p.IndustryCeiling))
		if !clearance.Valid(lvl) {
			logger.Warn("invalid industry ceiling in profile", "realm", code, "ceiling", p.IndustryCeiling)
			continue
		}
		caps[code] = lvl
	}
	return caps
}

// loadExchangePeers augments the configured peer endpoints with the
// per-peer client credentials used on outbound introspection calls.
// Peers blocked by their realm's networking policy are dropped so
// neither the exchange engine nor the syncer dials them.
func loadExchangePeers(cfg *config.Config, profiles map[string]*config.RealmProfile, logger *slog.Logger) []exchange.Peer {
	peers := make([]exchange.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if prof, ok := profiles[p.Code]; ok && !prof.IsAllowed(hostOf(p.Endpoint)) {
			logger.Warn("peer blocked by realm networking policy",
				"realm", p.Code, "endpoint", p.Endpoint)
			continue
		}
		fedVersion := os.Getenv(p.Code + "_FEDERATION_VERSION")
		if fedVersion == "" {
			fedVersion = version
		}
		peers = append(peers, exchange.Peer{
			Code:              p.Code,
			BaseURL:           p.Endpoint,
			ClientID:          os.Getenv(p.Code + "_CLIENT_ID"),
			ClientSecret:      os.Getenv(p.Code + "_CLIENT_SECRET"),
			FederationVersion: fedVersion,
		})
	}
	return peers
}

func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Hostname()
}

// scopeUnion flattens per-spoke grants into a sorted scope list for
// the bundle builder.
func scopeUnion(grants map[string][]string) []string {
	seen := make(map[string]bool)
	var scopes []string
	for _, granted := range grants {
		for _, scope := range granted {
			if !seen[scope] {
				seen[scope] = true
				scopes = append(scopes, scope)
			}
		}
	}
	sort.Strings(scopes)
	return scopes
}

func peerCodes(peers []exchange.Peer) []string {
	codes := make([]string, 0, len(peers))
	for _, p := range peers {
		codes = append(codes, p.Code)
	}
	return codes
}

// loadSpokeLimiter prefers the shared Redis budget; hubs without Redis
// fall back to per-process limiting.
func loadSpokeLimiter(cfg *config.Config, logger *slog.Logger) spoke.Limiter {
	if cfg.RedisURL == "" {
		return spoke.NewLocalLimiter()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, using local rate limiting", "error", err)
		return spoke.NewLocalLimiter()
	}
	return spoke.NewRedisLimiter(redis.NewClient(opts))
}

// introspectAuthFromEnv builds the peer credential check for the
// inbound RFC 7662 endpoint. Unset credentials disable introspection.
func introspectAuthFromEnv() func(user, pass string) bool {
	clientID := os.Getenv("INTROSPECTION_CLIENT_ID")
	clientSecret := os.Getenv("INTROSPECTION_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return nil
	}
	return func(user, pass string) bool {
		idOK := subtle.ConstantTimeCompare([]byte(user), []byte(clientID)) == 1
		secretOK := subtle.ConstantTimeCompare([]byte(pass), []byte(clientSecret)) == 1
		return idOK && secretOK
	}
}
