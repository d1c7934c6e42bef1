package sessionkit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryProfileStoreRoundTrip(t *testing.T) {
	store := NewMemoryProfileStore()

	if _, err := store.GetByID(context.Background(), "missing"); Classify(err) != KindNotFound {
		t.Fatalf("expected KindNotFound for missing id, got %v", err)
	}
	if _, err := store.GetByEmail(context.Background(), "missing@example.com"); Classify(err) != KindNotFound {
		t.Fatalf("expected KindNotFound for missing email, got %v", err)
	}

	stored, upsertErr := store.Upsert(context.Background(), &Profile{ID: "u1", Email: "a@example.com", FullName: "Member"})
	if upsertErr != nil {
		t.Fatalf("upsert: %v", upsertErr)
	}
	stored.FullName = "mutated"

	byID, getErr := store.GetByID(context.Background(), "u1")
	if getErr != nil {
		t.Fatalf("get by id: %v", getErr)
	}
	if byID.FullName != "Member" {
		t.Fatalf("expected stored copy isolated from caller mutation, got %q", byID.FullName)
	}

	byEmail, emailErr := store.GetByEmail(context.Background(), "a@example.com")
	if emailErr != nil || byEmail.ID != "u1" {
		t.Fatalf("get by email: %v %+v", emailErr, byEmail)
	}
}

func TestMemoryProfileStoreReindexesOnEmailChange(t *testing.T) {
	store := NewMemoryProfileStore()
	if _, err := store.Upsert(context.Background(), &Profile{ID: "u1", Email: "old@example.com"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Upsert(context.Background(), &Profile{ID: "u1", Email: "new@example.com"}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if _, err := store.GetByEmail(context.Background(), "old@example.com"); Classify(err) != KindNotFound {
		t.Fatalf("expected stale email index removed, got %v", err)
	}
	if profile, err := store.GetByEmail(context.Background(), "new@example.com"); err != nil || profile.ID != "u1" {
		t.Fatalf("expected lookup by new email, got %v %+v", err, profile)
	}
	if store.Count() != 1 {
		t.Fatalf("expected single profile, got %d", store.Count())
	}
}

func TestMemoryProfileStoreMarkConfirmed(t *testing.T) {
	store := NewMemoryProfileStore()
	if _, err := store.Upsert(context.Background(), &Profile{ID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	confirmedAt := time.Unix(1_700_000_000, 0)

	if err := store.MarkEmailConfirmedByID(context.Background(), "u1", confirmedAt); err != nil {
		t.Fatalf("mark by id: %v", err)
	}
	profile, _ := store.GetByID(context.Background(), "u1")
	if !profile.EmailConfirmed || !profile.UpdatedAt.Equal(confirmedAt) {
		t.Fatalf("expected confirmed stamped profile, got %+v", profile)
	}

	if err := store.MarkEmailConfirmedByEmail(context.Background(), "a@example.com", confirmedAt); err != nil {
		t.Fatalf("mark by email: %v", err)
	}
	if err := store.MarkEmailConfirmedByID(context.Background(), "missing", confirmedAt); Classify(err) != KindNotFound {
		t.Fatalf("expected KindNotFound for missing id, got %v", err)
	}
	if err := store.MarkEmailConfirmedByEmail(context.Background(), "missing@example.com", confirmedAt); Classify(err) != KindNotFound {
		t.Fatalf("expected KindNotFound for missing email, got %v", err)
	}
}

func TestMemoryVerificationTokenStoreReplaceSemantics(t *testing.T) {
	store := NewMemoryVerificationTokenStore()
	expires := time.Unix(1_700_000_000, 0).Add(24 * time.Hour)

	first := &VerificationToken{ID: "t1", Token: "token-one", Email: "a@example.com", ExpiresAt: expires}
	if err := store.Replace(context.Background(), first); err != nil {
		t.Fatalf("replace: %v", err)
	}
	second := &VerificationToken{ID: "t2", Token: "token-two", Email: "a@example.com", ExpiresAt: expires}
	if err := store.Replace(context.Background(), second); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if _, err := store.GetByTokenAndEmail(context.Background(), "token-one", "a@example.com"); Classify(err) != KindNotFound {
		t.Fatalf("expected replaced token to be gone, got %v", err)
	}
	record, getErr := store.GetByTokenAndEmail(context.Background(), "token-two", "a@example.com")
	if getErr != nil || record.ID != "t2" {
		t.Fatalf("expected active token, got %v %+v", getErr, record)
	}
	if _, err := store.GetByTokenAndEmail(context.Background(), "token-two", "other@example.com"); Classify(err) != KindNotFound {
		t.Fatalf("expected exact email match required, got %v", err)
	}
}

func TestMemoryVerificationTokenStoreMarkVerified(t *testing.T) {
	store := NewMemoryVerificationTokenStore()
	record := &VerificationToken{ID: "t1", Token: "token-one", Email: "a@example.com"}
	if err := store.Replace(context.Background(), record); err != nil {
		t.Fatalf("replace: %v", err)
	}
	verifiedAt := time.Unix(1_700_000_000, 0)

	if err := store.MarkVerified(context.Background(), "t1", verifiedAt); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	active := store.ActiveToken("a@example.com")
	if active.VerifiedAt == nil || !active.VerifiedAt.Equal(verifiedAt) {
		t.Fatalf("expected verification stamp, got %+v", active)
	}
	if err := store.MarkVerified(context.Background(), "missing", verifiedAt); Classify(err) != KindNotFound {
		t.Fatalf("expected KindNotFound for missing token id, got %v", err)
	}
}
