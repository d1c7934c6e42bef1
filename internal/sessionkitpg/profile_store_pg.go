package sessionkitpg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corefit/sessionkit/internal/sessionkit"
)

// SQLSTATE codes mapped to KindPermissionDenied. 42P17 is the
// self-referential policy evaluation failure the reconciler self-heals from.
const (
	sqlstateInsufficientPrivilege = "42501"
	sqlstateInfiniteRecursion     = "42P17"
)

// PostgresProfileStore persists profiles in PostgreSQL.
type PostgresProfileStore struct {
	pool *pgxpool.Pool
}

// NewPostgresProfileStore constructs a Postgres store.
func NewPostgresProfileStore(pool *pgxpool.Pool) *PostgresProfileStore {
	return &PostgresProfileStore{pool: pool}
}

// GetByID returns the profile row with the given id.
func (store *PostgresProfileStore) GetByID(ctx context.Context, profileID string) (*sessionkit.Profile, error) {
	row := store.pool.QueryRow(ctx, `
SELECT id, email, full_name, username, avatar_url, email_confirmed, is_admin, updated_at_unix
FROM profiles
WHERE id = $1
`, profileID)
	return scanProfile(row, "profile_store.get_by_id")
}

// GetByEmail returns the profile row with the given email.
func (store *PostgresProfileStore) GetByEmail(ctx context.Context, email string) (*sessionkit.Profile, error) {
	row := store.pool.QueryRow(ctx, `
SELECT id, email, full_name, username, avatar_url, email_confirmed, is_admin, updated_at_unix
FROM profiles
WHERE email = $1
`, email)
	return scanProfile(row, "profile_store.get_by_email")
}

// Upsert inserts or replaces the profile row keyed by id.
func (store *PostgresProfileStore) Upsert(ctx context.Context, profile *sessionkit.Profile) (*sessionkit.Profile, error) {
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO profiles (id, email, full_name, username, avatar_url, email_confirmed, is_admin, updated_at_unix)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    email = EXCLUDED.email,
    full_name = EXCLUDED.full_name,
    username = EXCLUDED.username,
    avatar_url = EXCLUDED.avatar_url,
    email_confirmed = EXCLUDED.email_confirmed,
    is_admin = EXCLUDED.is_admin,
    updated_at_unix = EXCLUDED.updated_at_unix
`, profile.ID, profile.Email, profile.FullName, profile.Username, profile.AvatarURL,
		profile.EmailConfirmed, profile.IsAdmin, profile.UpdatedAt.Unix())
	if execErr != nil {
		return nil, classifyPgError(execErr, "profile_store.upsert")
	}
	cloned := *profile
	return &cloned, nil
}

// MarkEmailConfirmedByID flips the confirmation flag for the given id.
func (store *PostgresProfileStore) MarkEmailConfirmedByID(ctx context.Context, profileID string, confirmedAt time.Time) error {
	return store.markConfirmed(ctx, "id", profileID, confirmedAt, "profile_store.confirm_by_id")
}

// MarkEmailConfirmedByEmail flips the confirmation flag for the given email.
func (store *PostgresProfileStore) MarkEmailConfirmedByEmail(ctx context.Context, email string, confirmedAt time.Time) error {
	return store.markConfirmed(ctx, "email", email, confirmedAt, "profile_store.confirm_by_email")
}

func (store *PostgresProfileStore) markConfirmed(ctx context.Context, column string, value string, confirmedAt time.Time, code string) error {
	query := `UPDATE profiles SET email_confirmed = TRUE, updated_at_unix = $1 WHERE id = $2`
	if column == "email" {
		query = `UPDATE profiles SET email_confirmed = TRUE, updated_at_unix = $1 WHERE email = $2`
	}
	tag, execErr := store.pool.Exec(ctx, query, confirmedAt.Unix(), value)
	if execErr != nil {
		return classifyPgError(execErr, code)
	}
	if tag.RowsAffected() == 0 {
		return sessionkit.NewBackendError(sessionkit.KindNotFound, code, "no matching profile", nil)
	}
	return nil
}

func scanProfile(row pgx.Row, code string) (*sessionkit.Profile, error) {
	var profile sessionkit.Profile
	var updatedAtUnix int64
	scanErr := row.Scan(&profile.ID, &profile.Email, &profile.FullName, &profile.Username,
		&profile.AvatarURL, &profile.EmailConfirmed, &profile.IsAdmin, &updatedAtUnix)
	if scanErr != nil {
		return nil, classifyPgError(scanErr, code)
	}
	profile.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return &profile, nil
}

func classifyPgError(err error, code string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sessionkit.NewBackendError(sessionkit.KindNotFound, code, "no rows", err)
	}
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) {
		switch pgError.Code {
		case sqlstateInsufficientPrivilege, sqlstateInfiniteRecursion:
			return sessionkit.NewBackendError(sessionkit.KindPermissionDenied, code, "policy rejected the operation", err)
		}
	}
	return sessionkit.NewBackendError(sessionkit.KindUnknown, code, "postgres operation failed", err)
}
