package federation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Acceptor applies inbound push batches from peers, mirroring the
// conflict rules the outbound syncer uses on pull.
type Acceptor struct {
	localRealm string
	store      ResourceStore
	logger     *slog.Logger
	now        func() time.Time
}

func NewAcceptor(localRealm string, store ResourceStore) *Acceptor {
	return &Acceptor{
		localRealm: localRealm,
		store:      store,
		logger:     slog.Default().With("component", "federation-acceptor"),
		now:        time.Now,
	}
}

// Accept resolves each pushed resource against local state and
// persists the winners. Per-resource failures do not abort the batch;
// the outcome list reports every resource either way.
func (a *Acceptor) Accept(ctx context.Context, req PushRequest) PushResponse {
	resp := PushResponse{
		CorrelationID: req.CorrelationID,
		Outcomes:      make([]PushOutcome, 0, len(req.Resources)),
	}

	for _, remote := range req.Resources {
		outcome := a.acceptOne(ctx, req.SourceRealm, remote)
		if outcome.Accepted {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
		resp.Outcomes = append(resp.Outcomes, outcome)
	}
	return resp
}

func (a *Acceptor) acceptOne(ctx context.Context, sourceRealm string, remote Resource) PushOutcome {
	if !remote.ReleasableToRealm(a.localRealm) {
		return PushOutcome{ResourceID: remote.ResourceID, Accepted: false,
			Reason: "not releasable to this realm"}
	}

	local, err := a.store.Get(ctx, remote.ResourceID)
	if err != nil && !errors.Is(err, ErrResourceNotFound) {
		return PushOutcome{ResourceID: remote.ResourceID, Accepted: false, Reason: "lookup failed"}
	}
	if errors.Is(err, ErrResourceNotFound) {
		local = nil
	}

	resolution, reason := Resolve(local, remote, a.localRealm)
	switch resolution {
	case ResolutionInserted:
		remote.ImportedFrom = sourceRealm
		if err := a.store.Upsert(ctx, remote, 0); err != nil {
			a.logger.Warn("push insert failed", "resourceId", remote.ResourceID, "error", err)
			return PushOutcome{ResourceID: remote.ResourceID, Accepted: false, Reason: "insert failed"}
		}
		return PushOutcome{ResourceID: remote.ResourceID, Accepted: true, Reason: reason}
	case ResolutionRemoteWins:
		remote.ImportedFrom = sourceRealm
		remote.SyncStatus = local.SyncStatus
		if err := a.store.Upsert(ctx, remote, local.Version); err != nil {
			a.logger.Warn("push update failed", "resourceId", remote.ResourceID, "error", err)
			return PushOutcome{ResourceID: remote.ResourceID, Accepted: false, Reason: "update failed"}
		}
		return PushOutcome{ResourceID: remote.ResourceID, Accepted: true, Reason: reason}
	default:
		return PushOutcome{ResourceID: remote.ResourceID, Accepted: false, Reason: reason}
	}
}
