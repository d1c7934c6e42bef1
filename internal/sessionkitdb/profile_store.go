package sessionkitdb

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/corefit/sessionkit/internal/sessionkit"
)

type profileRecord struct {
	ID             string `gorm:"column:id;primaryKey"`
	Email          string `gorm:"column:email;uniqueIndex;not null"`
	FullName       string `gorm:"column:full_name;not null;default:''"`
	Username       string `gorm:"column:username;not null;default:''"`
	AvatarURL      string `gorm:"column:avatar_url;not null;default:''"`
	EmailConfirmed bool   `gorm:"column:email_confirmed;not null;default:false"`
	IsAdmin        bool   `gorm:"column:is_admin;not null;default:false"`
	UpdatedAtUnix  int64  `gorm:"column:updated_at_unix;not null"`
}

func (profileRecord) TableName() string {
	return "profiles"
}

// DatabaseProfileStore persists profiles using GORM.
type DatabaseProfileStore struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabaseProfileStore wraps an opened handle.
func NewDatabaseProfileStore(db *gorm.DB, driverLabel string) *DatabaseProfileStore {
	return &DatabaseProfileStore{db: db, driverLabel: driverLabel}
}

// Driver exposes the selected database driver label.
func (store *DatabaseProfileStore) Driver() string {
	return store.driverLabel
}

// GetByID returns the profile row with the given id.
func (store *DatabaseProfileStore) GetByID(ctx context.Context, profileID string) (*sessionkit.Profile, error) {
	var record profileRecord
	fetchErr := store.db.WithContext(ctx).Where("id = ?", profileID).Take(&record).Error
	if fetchErr != nil {
		return nil, classifyGormError(fetchErr, "profile_store.get_by_id")
	}
	return recordToProfile(&record), nil
}

// GetByEmail returns the profile row with the given email.
func (store *DatabaseProfileStore) GetByEmail(ctx context.Context, email string) (*sessionkit.Profile, error) {
	var record profileRecord
	fetchErr := store.db.WithContext(ctx).Where("email = ?", email).Take(&record).Error
	if fetchErr != nil {
		return nil, classifyGormError(fetchErr, "profile_store.get_by_email")
	}
	return recordToProfile(&record), nil
}

// Upsert inserts or replaces the profile row keyed by id.
func (store *DatabaseProfileStore) Upsert(ctx context.Context, profile *sessionkit.Profile) (*sessionkit.Profile, error) {
	record := profileToRecord(profile)
	if saveErr := store.db.WithContext(ctx).Save(record).Error; saveErr != nil {
		return nil, classifyGormError(saveErr, "profile_store.upsert")
	}
	return recordToProfile(record), nil
}

// MarkEmailConfirmedByID flips the confirmation flag for the given id.
func (store *DatabaseProfileStore) MarkEmailConfirmedByID(ctx context.Context, profileID string, confirmedAt time.Time) error {
	result := store.db.WithContext(ctx).Model(&profileRecord{}).
		Where("id = ?", profileID).
		Updates(map[string]any{
			"email_confirmed": true,
			"updated_at_unix": confirmedAt.Unix(),
		})
	if result.Error != nil {
		return classifyGormError(result.Error, "profile_store.confirm_by_id")
	}
	if result.RowsAffected == 0 {
		return sessionkit.NewBackendError(sessionkit.KindNotFound, "profile_store.confirm_by_id", "no profile for id", nil)
	}
	return nil
}

// MarkEmailConfirmedByEmail flips the confirmation flag for the given email.
func (store *DatabaseProfileStore) MarkEmailConfirmedByEmail(ctx context.Context, email string, confirmedAt time.Time) error {
	result := store.db.WithContext(ctx).Model(&profileRecord{}).
		Where("email = ?", email).
		Updates(map[string]any{
			"email_confirmed": true,
			"updated_at_unix": confirmedAt.Unix(),
		})
	if result.Error != nil {
		return classifyGormError(result.Error, "profile_store.confirm_by_email")
	}
	if result.RowsAffected == 0 {
		return sessionkit.NewBackendError(sessionkit.KindNotFound, "profile_store.confirm_by_email", "no profile for email", nil)
	}
	return nil
}

func classifyGormError(err error, code string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sessionkit.NewBackendError(sessionkit.KindNotFound, code, "record not found", err)
	}
	return sessionkit.NewBackendError(sessionkit.KindUnknown, code, "database operation failed", err)
}

func recordToProfile(record *profileRecord) *sessionkit.Profile {
	return &sessionkit.Profile{
		ID:             record.ID,
		Email:          record.Email,
		FullName:       record.FullName,
		Username:       record.Username,
		AvatarURL:      record.AvatarURL,
		EmailConfirmed: record.EmailConfirmed,
		IsAdmin:        record.IsAdmin,
		UpdatedAt:      time.Unix(record.UpdatedAtUnix, 0).UTC(),
	}
}

func profileToRecord(profile *sessionkit.Profile) *profileRecord {
	return &profileRecord{
		ID:             profile.ID,
		Email:          profile.Email,
		FullName:       profile.FullName,
		Username:       profile.Username,
		AvatarURL:      profile.AvatarURL,
		EmailConfirmed: profile.EmailConfirmed,
		IsAdmin:        profile.IsAdmin,
		UpdatedAtUnix:  profile.UpdatedAt.Unix(),
	}
}
