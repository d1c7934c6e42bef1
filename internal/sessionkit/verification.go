package sessionkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const verificationTokenByteLength = 32

// Defaults applied by NewVerificationFlow when the config leaves them zero.
const (
	DefaultVerificationTokenTTL = 24 * time.Hour
	DefaultResendCooldown       = 60 * time.Second
	DefaultErrorResendCooldown  = 30 * time.Second
)

var (
	errMissingVerificationBackend = errors.New("verification.missing_backend")
	errMissingTokenStore          = errors.New("verification.missing_token_store")
	errMissingProfileStore        = errors.New("verification.missing_profile_store")
	errMissingMailer              = errors.New("verification.missing_mailer")
)

// VerificationConfig configures a VerificationFlow.
type VerificationConfig struct {
	Backend       AuthBackend
	Tokens        VerificationTokenStore
	Profiles      ProfileStore
	Mailer        Mailer
	Clock         Clock
	Logger        *zap.Logger
	Metrics       MetricsRecorder
	VerifyBaseURL string
	TokenTTL      time.Duration
	Cooldown      time.Duration
	ErrorCooldown time.Duration
	FromAddress   string
}

// VerificationFlow drives email confirmation: cooldown-gated resends through
// the backend's native channel with a token-based fallback channel, and
// consumption of fallback tokens.
type VerificationFlow struct {
	backend       AuthBackend
	tokens        VerificationTokenStore
	profiles      ProfileStore
	mailer        Mailer
	clock         Clock
	logger        *zap.Logger
	metrics       MetricsRecorder
	verifyBaseURL string
	tokenTTL      time.Duration
	cooldown      time.Duration
	errorCooldown time.Duration
	fromAddress   string

	mutex     sync.Mutex
	cooldowns map[string]time.Time
}

// NewVerificationFlow constructs a flow after validating its configuration.
func NewVerificationFlow(configuration VerificationConfig) (*VerificationFlow, error) {
	if configuration.Backend == nil {
		return nil, fmt.Errorf("verification.new: %w", errMissingVerificationBackend)
	}
	if configuration.Tokens == nil {
		return nil, fmt.Errorf("verification.new: %w", errMissingTokenStore)
	}
	if configuration.Profiles == nil {
		return nil, fmt.Errorf("verification.new: %w", errMissingProfileStore)
	}
	if configuration.Mailer == nil {
		return nil, fmt.Errorf("verification.new: %w", errMissingMailer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	tokenTTL := configuration.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = DefaultVerificationTokenTTL
	}
	cooldown := configuration.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultResendCooldown
	}
	errorCooldown := configuration.ErrorCooldown
	if errorCooldown <= 0 {
		errorCooldown = DefaultErrorResendCooldown
	}
	return &VerificationFlow{
		backend:       configuration.Backend,
		tokens:        configuration.Tokens,
		profiles:      configuration.Profiles,
		mailer:        configuration.Mailer,
		clock:         clock,
		logger:        logger,
		metrics:       metrics,
		verifyBaseURL: configuration.VerifyBaseURL,
		tokenTTL:      tokenTTL,
		cooldown:      cooldown,
		errorCooldown: errorCooldown,
		fromAddress:   configuration.FromAddress,
		cooldowns:     make(map[string]time.Time),
	}, nil
}

// Resend requests a new confirmation email for the address. It is a UI
// affordance, not a critical operation: an empty address or an active
// cooldown makes it a logged no-op, and email delivery is best-effort, so
// the flow reports acceptance regardless of the delivery outcome. The
// returned seconds are the cooldown applied; an unexpected internal failure
// shortens it so the user can retry sooner.
func (flow *VerificationFlow) Resend(ctx context.Context, email string) (accepted bool, cooldownSeconds int) {
	trimmedEmail := strings.TrimSpace(email)
	if trimmedEmail == "" {
		flow.logger.Debug("resend skipped, empty email",
			zap.String("code", "verification.resend_empty_email"))
		return false, 0
	}

	remainingSeconds, reserved := flow.reserveCooldown(trimmedEmail)
	if !reserved {
		flow.logger.Debug("resend skipped, cooldown active",
			zap.String("code", "verification.resend_cooldown_active"),
			zap.String("email", trimmedEmail),
			zap.Int("remaining_seconds", remainingSeconds))
		flow.metrics.Increment("verification.resend_throttled")
		return false, remainingSeconds
	}

	cooldown := flow.cooldown
	if nativeErr := flow.backend.ResendSignupConfirmation(ctx, trimmedEmail); nativeErr != nil {
		flow.logger.Warn("native resend failed, using fallback channel",
			zap.String("code", "verification.native_resend_failed"),
			zap.String("email", trimmedEmail),
			zap.Error(nativeErr))
		flow.metrics.Increment("verification.native_resend_failed")
		if fallbackErr := flow.sendFallback(ctx, trimmedEmail); fallbackErr != nil {
			flow.logger.Error("fallback verification channel failed",
				zap.String("code", "verification.fallback_failed"),
				zap.String("email", trimmedEmail),
				zap.Error(fallbackErr))
			flow.metrics.Increment("verification.fallback_failed")
			cooldown = flow.errorCooldown
			flow.startCooldown(trimmedEmail, cooldown)
		}
	} else {
		flow.metrics.Increment("verification.native_resend")
	}

	return true, int(cooldown / time.Second)
}

// CooldownRemaining returns the whole seconds left in the address's cooldown
// window, zero when none is active.
func (flow *VerificationFlow) CooldownRemaining(email string) int {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	now := flow.clock.Now()
	until, ok := flow.cooldowns[email]
	if !ok {
		return 0
	}
	if !now.Before(until) {
		delete(flow.cooldowns, email)
		return 0
	}
	return ceilSeconds(until.Sub(now))
}

// reserveCooldown admits at most one resend per cooldown window: the window
// check and the provisional cooldown write happen under one lock, so
// overlapping calls for the same address cannot both pass the gate.
func (flow *VerificationFlow) reserveCooldown(email string) (remainingSeconds int, reserved bool) {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	now := flow.clock.Now()
	if until, ok := flow.cooldowns[email]; ok && now.Before(until) {
		return ceilSeconds(until.Sub(now)), false
	}
	flow.cooldowns[email] = now.Add(flow.cooldown)
	return 0, true
}

func (flow *VerificationFlow) startCooldown(email string, cooldown time.Duration) {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	flow.cooldowns[email] = flow.clock.Now().Add(cooldown)
}

func ceilSeconds(remaining time.Duration) int {
	seconds := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		seconds++
	}
	return seconds
}

// sendFallback issues a fresh token, invalidating prior tokens for the
// address, and dispatches the verification link through the relay channel.
// Delivery failures are swallowed; persistence failures are not.
func (flow *VerificationFlow) sendFallback(ctx context.Context, email string) error {
	tokenValue, randomErr := generateVerificationToken()
	if randomErr != nil {
		return fmt.Errorf("verification.token_random: %w", randomErr)
	}
	now := flow.clock.Now()
	record := &VerificationToken{
		ID:        uuid.NewString(),
		Token:     tokenValue,
		Email:     email,
		ExpiresAt: now.Add(flow.tokenTTL),
		CreatedAt: now,
	}
	if replaceErr := flow.tokens.Replace(ctx, record); replaceErr != nil {
		return fmt.Errorf("verification.token_persist: %w", replaceErr)
	}

	verifyURL := flow.buildVerifyURL(tokenValue, email)
	message := MailMessage{
		To:      email,
		From:    flow.fromAddress,
		Subject: "Confirm your email address",
		Text:    "Confirm your email address by opening this link: " + verifyURL,
		HTML: fmt.Sprintf(
			`<p>Confirm your email address by clicking the link below.</p><p><a href=%q>Confirm email</a></p><p>The link expires in %d hours.</p>`,
			verifyURL, int(flow.tokenTTL.Hours())),
	}
	if sendErr := flow.mailer.Send(ctx, message); sendErr != nil {
		flow.logger.Warn("verification email dispatch failed",
			zap.String("code", "verification.dispatch_failed"),
			zap.String("email", email),
			zap.Error(sendErr))
		flow.metrics.Increment("verification.dispatch_failed")
		return nil
	}
	flow.metrics.Increment("verification.fallback_sent")
	return nil
}

func (flow *VerificationFlow) buildVerifyURL(tokenValue string, email string) string {
	query := url.Values{}
	query.Set("token", tokenValue)
	query.Set("email", email)
	return flow.verifyBaseURL + "?" + query.Encode()
}

// VerifyToken consumes a fallback token: exact (token, email) match, expiry
// and re-use checks, then mark the token verified and flip the profile's confirmation
// flag. Marking the profile is one logical operation attempted through an
// ordered list of strategies to tolerate backend policy quirks.
func (flow *VerificationFlow) VerifyToken(ctx context.Context, tokenValue string, email string) error {
	trimmedEmail := strings.TrimSpace(email)
	record, lookupErr := flow.tokens.GetByTokenAndEmail(ctx, strings.TrimSpace(tokenValue), trimmedEmail)
	if lookupErr != nil {
		if Classify(lookupErr) == KindNotFound {
			flow.metrics.Increment("verification.invalid_token")
			return fmt.Errorf("verification.verify: %w", ErrInvalidToken)
		}
		return fmt.Errorf("verification.verify: %w", lookupErr)
	}
	if record == nil {
		flow.metrics.Increment("verification.invalid_token")
		return fmt.Errorf("verification.verify: %w", ErrInvalidToken)
	}

	now := flow.clock.Now()
	if now.After(record.ExpiresAt) {
		flow.metrics.Increment("verification.token_expired")
		return fmt.Errorf("verification.verify: %w", ErrTokenExpired)
	}
	if record.VerifiedAt != nil {
		flow.metrics.Increment("verification.invalid_token")
		return fmt.Errorf("verification.verify: %w", ErrInvalidToken)
	}

	if markErr := flow.tokens.MarkVerified(ctx, record.ID, now); markErr != nil {
		flow.logger.Warn("marking token verified failed",
			zap.String("code", "verification.mark_token_failed"),
			zap.String("email", trimmedEmail),
			zap.Error(markErr))
	}

	if confirmErr := flow.markConfirmed(ctx, trimmedEmail, now); confirmErr != nil {
		return fmt.Errorf("verification.verify: %w", confirmErr)
	}

	// Vestigial privileged confirmation call; ordinary tokens are expected
	// to be rejected, so the result is ignored.
	if adminErr := flow.backend.AdminConfirmEmail(ctx, trimmedEmail); adminErr != nil {
		flow.logger.Debug("admin confirm call rejected",
			zap.String("code", "verification.admin_confirm_rejected"),
			zap.Error(adminErr))
	}

	flow.metrics.Increment("verification.verified")
	return nil
}

type confirmStrategy struct {
	name  string
	apply func(ctx context.Context) error
}

func (flow *VerificationFlow) markConfirmed(ctx context.Context, email string, confirmedAt time.Time) error {
	strategies := []confirmStrategy{
		{
			name: "update_by_id",
			apply: func(ctx context.Context) error {
				profile, lookupErr := flow.profiles.GetByEmail(ctx, email)
				if lookupErr != nil {
					return lookupErr
				}
				return flow.profiles.MarkEmailConfirmedByID(ctx, profile.ID, confirmedAt)
			},
		},
		{
			name: "update_by_email",
			apply: func(ctx context.Context) error {
				return flow.profiles.MarkEmailConfirmedByEmail(ctx, email, confirmedAt)
			},
		},
		{
			name: "lookup_then_upsert",
			apply: func(ctx context.Context) error {
				profile, lookupErr := flow.profiles.GetByEmail(ctx, email)
				if lookupErr != nil {
					return lookupErr
				}
				profile.EmailConfirmed = true
				profile.UpdatedAt = confirmedAt
				_, upsertErr := flow.profiles.Upsert(ctx, profile)
				return upsertErr
			},
		},
	}

	for _, strategy := range strategies {
		if applyErr := strategy.apply(ctx); applyErr != nil {
			flow.logger.Warn("confirm strategy failed",
				zap.String("code", "verification.confirm_strategy_failed"),
				zap.String("strategy", strategy.name),
				zap.String("email", email),
				zap.Error(applyErr))
			continue
		}
		flow.logger.Info("profile marked email-confirmed",
			zap.String("code", "verification.confirmed"),
			zap.String("strategy", strategy.name),
			zap.String("email", email))
		return nil
	}
	flow.metrics.Increment("verification.confirm_failed")
	return ErrConfirmFailed
}

func generateVerificationToken() (string, error) {
	randomBytes := make([]byte, verificationTokenByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
