package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coalition-io/fedhub/pkg/breaker"
)

const (
	// DefaultInterval is the per-pair sync cadence.
	DefaultInterval = 5 * time.Minute
	// DefaultCycleDeadline bounds one push-pull cycle.
	DefaultCycleDeadline = 60 * time.Second
	// DefaultLockLease must outlive a cycle so a live worker keeps its
	// lock; an expired lease frees the pair after a crash.
	DefaultLockLease = 2 * time.Minute
)

// SyncerConfig tunes the syncer.
type SyncerConfig struct {
	LocalRealm    string
	Peers         []string
	Interval      time.Duration
	CycleDeadline time.Duration
	LockLease     time.Duration
}

func (c SyncerConfig) withDefaults() SyncerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CycleDeadline <= 0 {
		c.CycleDeadline = DefaultCycleDeadline
	}
	if c.LockLease <= 0 {
		c.LockLease = DefaultLockLease
	}
	return c
}

// Syncer runs the push-pull replication cycle against each configured
// peer. One cycle per pair may be in flight; overlapping triggers
// coalesce into the running one.
type Syncer struct {
	cfg      SyncerConfig
	store    ResourceStore
	log      SyncLogStore
	locks    LockStore
	client   *PeerClient
	breakers *breaker.Manager
	onResult func(SyncResult)
	logger   *slog.Logger
	now      func() time.Time
	workerID string

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewSyncer(cfg SyncerConfig, store ResourceStore, log SyncLogStore, locks LockStore,
	client *PeerClient, breakers *breaker.Manager, onResult func(SyncResult)) *Syncer {
	return &Syncer{
		cfg:      cfg.withDefaults(),
		store:    store,
		log:      log,
		locks:    locks,
		client:   client,
		breakers: breakers,
		onResult: onResult,
		logger:   slog.Default().With("component", "federation"),
		now:      time.Now,
		workerID: uuid.NewString(),
		inFlight: make(map[string]bool),
	}
}

// Run drives periodic sync for every configured peer until the context
// ends.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.syncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncAll(ctx)
		}
	}
}

func (s *Syncer) syncAll(ctx context.Context) {
	for _, peer := range s.cfg.Peers {
		if _, err := s.SyncPair(ctx, peer); err != nil && !errors.Is(err, ErrSyncInFlight) {
			s.logger.Warn("sync cycle failed", "peer", peer, "error", err)
		}
	}
}

func pairKey(local, peer string) string {
	return local + "->" + peer
}

// SyncPair runs one push-pull cycle against a peer. A second caller
// for the same pair gets ErrSyncInFlight while the first is running.
func (s *Syncer) SyncPair(ctx context.Context, peer string) (*SyncResult, error) {
	pair := pairKey(s.cfg.LocalRealm, peer)

	s.mu.Lock()
	if s.inFlight[pair] {
		s.mu.Unlock()
		return nil, ErrSyncInFlight
	}
	s.inFlight[pair] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, pair)
		s.mu.Unlock()
	}()

	acquired, err := s.locks.Acquire(ctx, pair, s.workerID, s.cfg.LockLease)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock for %s: %w", pair, err)
	}
	if !acquired {
		return nil, ErrSyncInFlight
	}
	defer func() {
		_ = s.locks.Release(context.WithoutCancel(ctx), pair, s.workerID)
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleDeadline)
	defer cancel()

	started := s.now()
	result := SyncResult{
		CorrelationID: uuid.NewString(),
		Timestamp:     started,
		Source:        s.cfg.LocalRealm,
		Target:        peer,
	}

	br := s.breakers.For(peer)
	if !br.ShouldAllow() {
		result.Partial = true
		result.Error = fmt.Sprintf("circuit breaker open for %s", peer)
		return s.finish(ctx, result, started)
	}

	if err := s.push(ctx, peer, &result); err != nil {
		br.RecordFailure()
		result.Partial = true
		result.Error = err.Error()
		return s.finish(ctx, result, started)
	}

	if err := s.pull(ctx, peer, &result); err != nil {
		br.RecordFailure()
		result.Partial = true
		result.Error = err.Error()
		return s.finish(ctx, result, started)
	}

	br.RecordSuccess()
	return s.finish(ctx, result, started)
}

func (s *Syncer) push(ctx context.Context, peer string, result *SyncResult) error {
	eligible, err := s.store.ListEligible(ctx, s.cfg.LocalRealm, peer)
	if err != nil {
		return fmt.Errorf("list eligible resources: %w", err)
	}
	if len(eligible) == 0 {
		return nil
	}

	resp, err := s.client.Push(ctx, peer, result.CorrelationID, eligible)
	if err != nil {
		return err
	}

	outcomes := make(map[string]PushOutcome, len(resp.Outcomes))
	for _, o := range resp.Outcomes {
		outcomes[o.ResourceID] = o
	}
	now := s.now()
	for _, r := range eligible {
		status := PeerSync{Timestamp: now, Version: r.Version}
		if o, ok := outcomes[r.ResourceID]; ok && o.Accepted {
			status.Synced = true
			result.Pushed++
		} else if ok {
			status.LastError = o.Reason
		} else {
			status.LastError = "no outcome returned"
		}
		if err := s.store.SetPeerSync(ctx, r.ResourceID, peer, status); err != nil {
			s.logger.Warn("record sync status failed", "resource", r.ResourceID, "error", err)
		}
	}
	return nil
}

func (s *Syncer) pull(ctx context.Context, peer string, result *SyncResult) error {
	inbound, err := s.client.Pull(ctx, peer, result.CorrelationID)
	if err != nil {
		return err
	}

	for _, remote := range inbound {
		if err := s.apply(ctx, peer, remote, result); err != nil {
			// single-resource failures never abort the cycle
			s.logger.Warn("apply inbound resource failed",
				"resource", remote.ResourceID, "peer", peer, "error", err)
			result.Conflicted++
			result.Conflicts = append(result.Conflicts, Conflict{
				ResourceID:    remote.ResourceID,
				RemoteVersion: remote.Version,
				Resolution:    ResolutionLocalWins,
				Reason:        err.Error(),
			})
		}
	}
	return nil
}

func (s *Syncer) apply(ctx context.Context, peer string, remote Resource, result *SyncResult) error {
	local, err := s.store.Get(ctx, remote.ResourceID)
	if err != nil && !errors.Is(err, ErrResourceNotFound) {
		return err
	}

	resolution, reason := Resolve(local, remote, s.cfg.LocalRealm)
	switch resolution {
	case ResolutionInserted:
		remote.ImportedFrom = peer
		remote.SyncStatus = nil
		if err := s.store.Upsert(ctx, remote, 0); err != nil {
			return err
		}
		result.Synced++
	case ResolutionRemoteWins:
		remote.ImportedFrom = peer
		remote.SyncStatus = local.SyncStatus
		if err := s.store.Upsert(ctx, remote, local.Version); err != nil {
			return err
		}
		result.Updated++
		result.Conflicts = append(result.Conflicts, Conflict{
			ResourceID:    remote.ResourceID,
			LocalVersion:  local.Version,
			RemoteVersion: remote.Version,
			Resolution:    resolution,
			Reason:        reason,
		})
	case ResolutionLocalWins:
		result.Conflicted++
		result.Conflicts = append(result.Conflicts, Conflict{
			ResourceID:    remote.ResourceID,
			LocalVersion:  local.Version,
			RemoteVersion: remote.Version,
			Resolution:    resolution,
			Reason:        reason,
		})
	}
	return nil
}

func (s *Syncer) finish(ctx context.Context, result SyncResult, started time.Time) (*SyncResult, error) {
	result.DurationMs = s.now().Sub(started).Milliseconds()
	if err := s.log.Append(ctx, result); err != nil {
		s.logger.Warn("append sync log failed", "error", err)
	}
	if s.onResult != nil {
		s.onResult(result)
	}
	s.logger.Info("sync cycle finished",
		"peer", result.Target, "correlationId", result.CorrelationID,
		"pushed", result.Pushed, "synced", result.Synced,
		"updated", result.Updated, "conflicted", result.Conflicted,
		"partial", result.Partial, "durationMs", result.DurationMs)
	if result.Error != "" {
		return &result, fmt.Errorf("sync cycle against %s: %s", result.Target, result.Error)
	}
	return &result, nil
}
