package sessionkit

import (
	"context"
	"testing"
	"time"
)

func TestReconcileCreatesMissingProfile(t *testing.T) {
	profiles := NewMemoryProfileStore()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	reconciler := NewProfileReconciler(profiles, clock, nil, nil)

	profile := reconciler.Reconcile(context.Background(), &Identity{ID: "u1", Email: "new@example.com"})
	if profile == nil {
		t.Fatalf("expected minimal profile")
	}
	if profile.ID != "u1" || profile.Email != "new@example.com" {
		t.Fatalf("expected profile keyed to identity, got %+v", profile)
	}
	if profile.EmailConfirmed {
		t.Fatalf("expected unconfirmed profile for identity without confirmation timestamp")
	}
	if !profile.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("expected clock-stamped update time, got %v", profile.UpdatedAt)
	}
	if profiles.Count() != 1 {
		t.Fatalf("expected exactly one stored profile, got %d", profiles.Count())
	}
}

func TestReconcileConfirmedIdentityMarksProfileConfirmed(t *testing.T) {
	confirmedAt := time.Unix(1_600_000_000, 0)
	reconciler := NewProfileReconciler(NewMemoryProfileStore(), newFakeClock(time.Unix(1_700_000_000, 0)), nil, nil)

	profile := reconciler.Reconcile(context.Background(), &Identity{ID: "u1", Email: "ok@example.com", EmailConfirmedAt: &confirmedAt})
	if profile == nil || !profile.EmailConfirmed {
		t.Fatalf("expected confirmed minimal profile, got %+v", profile)
	}
}

func TestReconcileSelfHealsOnPermissionDenied(t *testing.T) {
	profiles := newStubProfileStore()
	profiles.getByID = func(ctx context.Context, profileID string) (*Profile, error) {
		return nil, NewBackendError(KindPermissionDenied, "profile_store.get_by_id", "policy rejected the operation", nil)
	}
	metrics := NewCounterMetrics()
	reconciler := NewProfileReconciler(profiles, newFakeClock(time.Unix(1_700_000_000, 0)), nil, metrics)

	profile := reconciler.Reconcile(context.Background(), &Identity{ID: "u1", Email: "blocked@example.com"})
	if profile == nil || profile.ID != "u1" {
		t.Fatalf("expected self-healed minimal profile, got %+v", profile)
	}
	if metrics.Count("reconcile.permission_denied") != 1 {
		t.Fatalf("expected permission-denied metric, got %d", metrics.Count("reconcile.permission_denied"))
	}
}

func TestReconcileUnknownErrorReturnsNil(t *testing.T) {
	profiles := newStubProfileStore()
	profiles.getByID = func(ctx context.Context, profileID string) (*Profile, error) {
		return nil, NewBackendError(KindUnknown, "profile_store.get_by_id", "storage exploded", nil)
	}
	reconciler := NewProfileReconciler(profiles, nil, nil, nil)

	if profile := reconciler.Reconcile(context.Background(), &Identity{ID: "u1", Email: "x@example.com"}); profile != nil {
		t.Fatalf("expected nil profile on unclassified failure, got %+v", profile)
	}
	if profiles.inner.Count() != 0 {
		t.Fatalf("expected no upsert on unclassified failure")
	}
}

func TestReconcileReturnsExistingProfileUnchanged(t *testing.T) {
	profiles := newStubProfileStore()
	seeded := &Profile{ID: "u1", Email: "kept@example.com", FullName: "Kept Name", EmailConfirmed: true}
	if _, err := profiles.inner.Upsert(context.Background(), seeded); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	var upserts int
	profiles.upsert = func(ctx context.Context, profile *Profile) (*Profile, error) {
		upserts++
		return profiles.inner.Upsert(ctx, profile)
	}
	reconciler := NewProfileReconciler(profiles, nil, nil, nil)

	profile := reconciler.Reconcile(context.Background(), &Identity{ID: "u1", Email: "kept@example.com"})
	if profile == nil || profile.FullName != "Kept Name" || !profile.EmailConfirmed {
		t.Fatalf("expected existing profile returned unchanged, got %+v", profile)
	}
	if upserts != 0 {
		t.Fatalf("expected no upsert for existing profile, got %d", upserts)
	}
}

func TestReconcileNilIdentity(t *testing.T) {
	reconciler := NewProfileReconciler(NewMemoryProfileStore(), nil, nil, nil)
	if profile := reconciler.Reconcile(context.Background(), nil); profile != nil {
		t.Fatalf("expected nil profile for nil identity")
	}
	if profile := reconciler.Reconcile(context.Background(), &Identity{Email: "id-less@example.com"}); profile != nil {
		t.Fatalf("expected nil profile for identity without id")
	}
}

func TestReconcileUpsertFailureReturnsNil(t *testing.T) {
	profiles := newStubProfileStore()
	profiles.upsert = func(ctx context.Context, profile *Profile) (*Profile, error) {
		return nil, NewBackendError(KindUnknown, "profile_store.upsert", "write rejected", nil)
	}
	reconciler := NewProfileReconciler(profiles, nil, nil, nil)

	if profile := reconciler.Reconcile(context.Background(), &Identity{ID: "u1", Email: "x@example.com"}); profile != nil {
		t.Fatalf("expected nil profile when the minimal upsert fails, got %+v", profile)
	}
}
