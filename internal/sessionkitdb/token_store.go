package sessionkitdb

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/corefit/sessionkit/internal/sessionkit"
)

type verificationTokenRecord struct {
	ID             string `gorm:"column:id;primaryKey"`
	Token          string `gorm:"column:token;uniqueIndex;not null"`
	Email          string `gorm:"column:email;index;not null"`
	ExpiresUnix    int64  `gorm:"column:expires_unix;not null"`
	VerifiedAtUnix int64  `gorm:"column:verified_at_unix;not null;default:0"`
	CreatedAtUnix  int64  `gorm:"column:created_at_unix;not null"`
}

func (verificationTokenRecord) TableName() string {
	return "verification_tokens"
}

// DatabaseVerificationTokenStore persists fallback verification tokens using
// GORM.
type DatabaseVerificationTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabaseVerificationTokenStore wraps an opened handle.
func NewDatabaseVerificationTokenStore(db *gorm.DB, driverLabel string) *DatabaseVerificationTokenStore {
	return &DatabaseVerificationTokenStore{db: db, driverLabel: driverLabel}
}

// Driver exposes the selected database driver label.
func (store *DatabaseVerificationTokenStore) Driver() string {
	return store.driverLabel
}

// Replace deletes prior tokens for the email and inserts the new one in a
// single transaction, preserving the one-active-token invariant.
func (store *DatabaseVerificationTokenStore) Replace(ctx context.Context, token *sessionkit.VerificationToken) error {
	record := tokenToRecord(token)
	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if deleteErr := tx.Where("email = ?", token.Email).Delete(&verificationTokenRecord{}).Error; deleteErr != nil {
			return deleteErr
		}
		return tx.Create(record).Error
	})
	if transactionErr != nil {
		return classifyGormError(transactionErr, "token_store.replace")
	}
	return nil
}

// GetByTokenAndEmail returns the record matching both values exactly.
func (store *DatabaseVerificationTokenStore) GetByTokenAndEmail(ctx context.Context, tokenValue string, email string) (*sessionkit.VerificationToken, error) {
	var record verificationTokenRecord
	fetchErr := store.db.WithContext(ctx).
		Where("token = ? AND email = ?", tokenValue, email).
		Take(&record).Error
	if fetchErr != nil {
		return nil, classifyGormError(fetchErr, "token_store.get")
	}
	return recordToToken(&record), nil
}

// MarkVerified stamps the record with the verification time.
func (store *DatabaseVerificationTokenStore) MarkVerified(ctx context.Context, tokenID string, verifiedAt time.Time) error {
	result := store.db.WithContext(ctx).Model(&verificationTokenRecord{}).
		Where("id = ?", tokenID).
		Update("verified_at_unix", verifiedAt.Unix())
	if result.Error != nil {
		return classifyGormError(result.Error, "token_store.mark_verified")
	}
	if result.RowsAffected == 0 {
		return sessionkit.NewBackendError(sessionkit.KindNotFound, "token_store.mark_verified", "no token for id", nil)
	}
	return nil
}

func tokenToRecord(token *sessionkit.VerificationToken) *verificationTokenRecord {
	record := &verificationTokenRecord{
		ID:            token.ID,
		Token:         token.Token,
		Email:         token.Email,
		ExpiresUnix:   token.ExpiresAt.Unix(),
		CreatedAtUnix: token.CreatedAt.Unix(),
	}
	if token.VerifiedAt != nil {
		record.VerifiedAtUnix = token.VerifiedAt.Unix()
	}
	return record
}

func recordToToken(record *verificationTokenRecord) *sessionkit.VerificationToken {
	token := &sessionkit.VerificationToken{
		ID:        record.ID,
		Token:     record.Token,
		Email:     record.Email,
		ExpiresAt: time.Unix(record.ExpiresUnix, 0).UTC(),
		CreatedAt: time.Unix(record.CreatedAtUnix, 0).UTC(),
	}
	if record.VerifiedAtUnix != 0 {
		verifiedAt := time.Unix(record.VerifiedAtUnix, 0).UTC()
		token.VerifiedAt = &verifiedAt
	}
	return token
}
