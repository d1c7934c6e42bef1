package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Defaults applied by NewSessionHealthMonitor when the config leaves them
// zero.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultRefreshHorizon = 5 * time.Minute
)

var (
	errMissingMonitorBackend  = errors.New("monitor.missing_backend")
	errMissingMonitorSessions = errors.New("monitor.missing_sessions")
)

// SessionRefresher is the session store surface the monitor calls back into.
type SessionRefresher interface {
	CurrentIdentity() *Identity
	RefreshSession(ctx context.Context) (*Identity, error)
}

// MonitorConfig configures a SessionHealthMonitor.
type MonitorConfig struct {
	Backend        AuthBackend
	Sessions       SessionRefresher
	Clock          Clock
	Interval       time.Duration
	RefreshHorizon time.Duration
	Logger         *zap.Logger
	Metrics        MetricsRecorder
}

// SessionHealthMonitor periodically checks that the session is still usable
// and refreshes it before expiry. A single in-flight guard ensures only one
// refresh attempt runs at a time; overlapping ticks are skipped, not queued.
type SessionHealthMonitor struct {
	backend  AuthBackend
	sessions SessionRefresher
	clock    Clock
	interval time.Duration
	horizon  time.Duration
	logger   *zap.Logger
	metrics  MetricsRecorder

	refreshing atomic.Bool
	stopOnce   sync.Once
	stop       chan struct{}
}

// NewSessionHealthMonitor constructs a monitor after validating its
// configuration.
func NewSessionHealthMonitor(configuration MonitorConfig) (*SessionHealthMonitor, error) {
	if configuration.Backend == nil {
		return nil, fmt.Errorf("monitor.new: %w", errMissingMonitorBackend)
	}
	if configuration.Sessions == nil {
		return nil, fmt.Errorf("monitor.new: %w", errMissingMonitorSessions)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	interval := configuration.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	horizon := configuration.RefreshHorizon
	if horizon <= 0 {
		horizon = DefaultRefreshHorizon
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SessionHealthMonitor{
		backend:  configuration.Backend,
		sessions: configuration.Sessions,
		clock:    clock,
		interval: interval,
		horizon:  horizon,
		logger:   logger,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}, nil
}

// Start runs the tick loop until the context is canceled or Stop is called.
func (monitor *SessionHealthMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(monitor.interval)
		defer ticker.Stop()

		monitor.Tick(ctx)

		for {
			select {
			case <-ctx.Done():
				monitor.logger.Info("session health monitor stopped",
					zap.String("code", "monitor.stopped"))
				return
			case <-monitor.stop:
				monitor.logger.Info("session health monitor stopped",
					zap.String("code", "monitor.stopped"))
				return
			case <-ticker.C:
				monitor.Tick(ctx)
			}
		}
	}()
}

// Stop tears the loop down. Idempotent.
func (monitor *SessionHealthMonitor) Stop() {
	monitor.stopOnce.Do(func() {
		close(monitor.stop)
	})
}

// Tick performs one health check: fetch the current session, refresh once on
// retrieval error, and refresh proactively when the token expires within the
// horizon. Ticks that overlap an in-flight refresh are skipped.
func (monitor *SessionHealthMonitor) Tick(ctx context.Context) {
	if !monitor.refreshing.CompareAndSwap(false, true) {
		monitor.logger.Debug("health tick skipped, refresh in flight",
			zap.String("code", "monitor.tick_skipped"))
		monitor.metrics.Increment("monitor.tick_skipped")
		return
	}
	defer monitor.refreshing.Store(false)

	session, sessionErr := monitor.backend.GetSession(ctx)
	if sessionErr != nil {
		monitor.logger.Warn("session retrieval failed, attempting refresh",
			zap.String("code", "monitor.session_fetch_failed"),
			zap.Error(sessionErr))
		monitor.metrics.Increment("monitor.session_fetch_failed")
		monitor.refreshHeld(ctx)
		return
	}
	if session == nil {
		return
	}
	if monitor.expiringSoon(session) {
		monitor.logger.Info("session expiring soon, refreshing proactively",
			zap.String("code", "monitor.proactive_refresh"),
			zap.String("user_id", session.ID))
		monitor.metrics.Increment("monitor.proactive_refresh")
		monitor.refreshHeld(ctx)
	}
}

// ValidateSession checks the current identity's expiry and refreshes it when
// it falls within the horizon. Returns false when no usable session exists
// or the needed refresh failed.
func (monitor *SessionHealthMonitor) ValidateSession(ctx context.Context) bool {
	identity := monitor.sessions.CurrentIdentity()
	if identity == nil {
		return false
	}
	if !monitor.expiringSoon(identity) {
		return true
	}
	if !monitor.refreshing.CompareAndSwap(false, true) {
		// Another refresh is already in flight; treat the session as
		// healthy rather than queue a duplicate attempt.
		return true
	}
	defer monitor.refreshing.Store(false)
	return monitor.refreshHeld(ctx)
}

// HandleAuthError is the entry point for callers that observed an
// authorization failure out-of-band. It attempts one refresh and reports
// whether the caller should proceed or force a re-login.
func (monitor *SessionHealthMonitor) HandleAuthError(ctx context.Context) bool {
	if !monitor.refreshing.CompareAndSwap(false, true) {
		monitor.metrics.Increment("monitor.auth_error_skipped")
		return false
	}
	defer monitor.refreshing.Store(false)
	monitor.metrics.Increment("monitor.auth_error")
	return monitor.refreshHeld(ctx)
}

// refreshHeld performs one refresh attempt. The caller must hold the
// refreshing guard.
func (monitor *SessionHealthMonitor) refreshHeld(ctx context.Context) bool {
	identity, refreshErr := monitor.sessions.RefreshSession(ctx)
	if refreshErr != nil {
		monitor.logger.Warn("session refresh failed",
			zap.String("code", "monitor.refresh_failed"),
			zap.Error(refreshErr))
		monitor.metrics.Increment("monitor.refresh_failed")
		return false
	}
	monitor.metrics.Increment("monitor.refreshed")
	return identity != nil
}

func (monitor *SessionHealthMonitor) expiringSoon(identity *Identity) bool {
	expiry := identity.ExpiresAt
	if expiry.IsZero() {
		expiry = accessTokenExpiry(identity.AccessToken)
	}
	if expiry.IsZero() {
		return false
	}
	return expiry.Sub(monitor.clock.Now()) <= monitor.horizon
}

// accessTokenExpiry reads the exp claim without verifying the signature; the
// backend is the authority on validity, this layer only schedules refreshes.
func accessTokenExpiry(accessToken string) time.Time {
	if strings.TrimSpace(accessToken) == "" {
		return time.Time{}
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, parseErr := parser.ParseUnverified(accessToken, &claims); parseErr != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
