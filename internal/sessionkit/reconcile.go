package sessionkit

import (
	"context"

	"go.uber.org/zap"
)

// ProfileReconciler resolves the durable profile for an identity, creating a
// minimal row when none exists. The backend's declarative authorization
// rules occasionally reject reads that should succeed; the upsert fallback
// makes this layer self-healing instead of surfacing an opaque policy error.
type ProfileReconciler struct {
	profiles ProfileStore
	clock    Clock
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewProfileReconciler constructs a reconciler. Logger and metrics default to
// no-ops; profiles and clock are required.
func NewProfileReconciler(profiles ProfileStore, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *ProfileReconciler {
	if profiles == nil {
		panic("profile store is required")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ProfileReconciler{
		profiles: profiles,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// Reconcile returns the profile matching the identity, upserting a minimal
// one on missing rows and on permission-class read failures. It never
// returns an error; unrecoverable failures yield nil and the next identity
// event retries naturally.
func (reconciler *ProfileReconciler) Reconcile(ctx context.Context, identity *Identity) *Profile {
	if identity == nil || identity.ID == "" {
		return nil
	}

	existing, fetchErr := reconciler.profiles.GetByID(ctx, identity.ID)
	if fetchErr != nil {
		switch Classify(fetchErr) {
		case KindPermissionDenied:
			reconciler.logger.Warn("profile read rejected by policy",
				zap.String("code", "reconcile.permission_denied"),
				zap.String("user_id", identity.ID),
				zap.Error(fetchErr))
			reconciler.metrics.Increment("reconcile.permission_denied")
			return reconciler.upsertMinimal(ctx, identity)
		case KindNotFound:
			return reconciler.upsertMinimal(ctx, identity)
		default:
			reconciler.logger.Error("profile fetch failed",
				zap.String("code", "reconcile.fetch_failed"),
				zap.String("user_id", identity.ID),
				zap.Error(fetchErr))
			reconciler.metrics.Increment("reconcile.fetch_failed")
			return nil
		}
	}
	if existing == nil {
		return reconciler.upsertMinimal(ctx, identity)
	}
	return existing
}

func (reconciler *ProfileReconciler) upsertMinimal(ctx context.Context, identity *Identity) *Profile {
	minimal := &Profile{
		ID:             identity.ID,
		Email:          identity.Email,
		EmailConfirmed: identity.EmailConfirmedAt != nil,
		UpdatedAt:      reconciler.clock.Now(),
	}
	stored, upsertErr := reconciler.profiles.Upsert(ctx, minimal)
	if upsertErr != nil {
		reconciler.logger.Error("minimal profile upsert failed",
			zap.String("code", "reconcile.upsert_failed"),
			zap.String("user_id", identity.ID),
			zap.Error(upsertErr))
		reconciler.metrics.Increment("reconcile.upsert_failed")
		return nil
	}
	reconciler.metrics.Increment("reconcile.profile_upserted")
	return stored
}
