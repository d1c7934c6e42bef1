package sessionkitpg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corefit/sessionkit/internal/sessionkit"
)

// PostgresVerificationTokenStore persists fallback verification tokens in
// PostgreSQL.
type PostgresVerificationTokenStore struct {
	pool *pgxpool.Pool
}

// NewPostgresVerificationTokenStore constructs a Postgres store.
func NewPostgresVerificationTokenStore(pool *pgxpool.Pool) *PostgresVerificationTokenStore {
	return &PostgresVerificationTokenStore{pool: pool}
}

// Replace deletes prior tokens for the email and inserts the new one in a
// single transaction.
func (store *PostgresVerificationTokenStore) Replace(ctx context.Context, token *sessionkit.VerificationToken) error {
	transaction, beginErr := store.pool.Begin(ctx)
	if beginErr != nil {
		return classifyPgError(beginErr, "token_store.replace")
	}
	defer func() { _ = transaction.Rollback(ctx) }()

	if _, deleteErr := transaction.Exec(ctx, `DELETE FROM verification_tokens WHERE email = $1`, token.Email); deleteErr != nil {
		return classifyPgError(deleteErr, "token_store.replace")
	}
	verifiedAtUnix := int64(0)
	if token.VerifiedAt != nil {
		verifiedAtUnix = token.VerifiedAt.Unix()
	}
	if _, insertErr := transaction.Exec(ctx, `
INSERT INTO verification_tokens (id, token, email, expires_unix, verified_at_unix, created_at_unix)
VALUES ($1, $2, $3, $4, $5, $6)
`, token.ID, token.Token, token.Email, token.ExpiresAt.Unix(), verifiedAtUnix, token.CreatedAt.Unix()); insertErr != nil {
		return classifyPgError(insertErr, "token_store.replace")
	}
	if commitErr := transaction.Commit(ctx); commitErr != nil {
		return classifyPgError(commitErr, "token_store.replace")
	}
	return nil
}

// GetByTokenAndEmail returns the record matching both values exactly.
func (store *PostgresVerificationTokenStore) GetByTokenAndEmail(ctx context.Context, tokenValue string, email string) (*sessionkit.VerificationToken, error) {
	row := store.pool.QueryRow(ctx, `
SELECT id, token, email, expires_unix, verified_at_unix, created_at_unix
FROM verification_tokens
WHERE token = $1 AND email = $2
`, tokenValue, email)

	var token sessionkit.VerificationToken
	var expiresUnix int64
	var verifiedAtUnix int64
	var createdAtUnix int64
	scanErr := row.Scan(&token.ID, &token.Token, &token.Email, &expiresUnix, &verifiedAtUnix, &createdAtUnix)
	if scanErr != nil {
		return nil, classifyPgError(scanErr, "token_store.get")
	}
	token.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
	token.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	if verifiedAtUnix != 0 {
		verifiedAt := time.Unix(verifiedAtUnix, 0).UTC()
		token.VerifiedAt = &verifiedAt
	}
	return &token, nil
}

// MarkVerified stamps the record with the verification time.
func (store *PostgresVerificationTokenStore) MarkVerified(ctx context.Context, tokenID string, verifiedAt time.Time) error {
	tag, execErr := store.pool.Exec(ctx, `
UPDATE verification_tokens SET verified_at_unix = $1 WHERE id = $2
`, verifiedAt.Unix(), tokenID)
	if execErr != nil {
		return classifyPgError(execErr, "token_store.mark_verified")
	}
	if tag.RowsAffected() == 0 {
		return sessionkit.NewBackendError(sessionkit.KindNotFound, "token_store.mark_verified", "no token for id", nil)
	}
	return nil
}
