// Package web exposes the session core over HTTP for the site's frontend.
package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/corefit/sessionkit/internal/sessionkit"
)

// HandlerConfig wires the session components into the router.
type HandlerConfig struct {
	Store        *sessionkit.SessionStore
	Verification *sessionkit.VerificationFlow
	Monitor      *sessionkit.SessionHealthMonitor
	Logger       *zap.Logger
	ResendLimit  *ClientRateLimiter
}

// MountSessionRoutes registers the session snapshot, auth actions, resend,
// and verification-link endpoints.
func MountSessionRoutes(router gin.IRouter, configuration HandlerConfig) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/session", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, snapshotPayload(configuration.Store.Snapshot()))
	})

	router.POST("/auth/signup", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
			FullName string `json:"full_name"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		metadata := map[string]string{}
		if inbound.FullName != "" {
			metadata["full_name"] = inbound.FullName
		}
		identity, signUpErr := configuration.Store.Signup(contextGin.Request.Context(), inbound.Email, inbound.Password, metadata)
		if signUpErr != nil {
			abortWithBackendError(contextGin, signUpErr)
			return
		}
		contextGin.JSON(http.StatusOK, identityPayload(identity))
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		identity, loginErr := configuration.Store.Login(contextGin.Request.Context(), inbound.Email, inbound.Password)
		if loginErr != nil {
			abortWithBackendError(contextGin, loginErr)
			return
		}
		contextGin.JSON(http.StatusOK, identityPayload(identity))
	})

	router.POST("/auth/google", func(contextGin *gin.Context) {
		var inbound struct {
			GoogleIDToken string `json:"google_id_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		identity, loginErr := configuration.Store.LoginWithGoogle(contextGin.Request.Context(), inbound.GoogleIDToken)
		if loginErr != nil {
			if errors.Is(loginErr, sessionkit.ErrGoogleLoginUnavailable) {
				contextGin.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "google_login_unavailable"})
				return
			}
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
			return
		}
		contextGin.JSON(http.StatusOK, identityPayload(identity))
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		if signOutErr := configuration.Store.Logout(contextGin.Request.Context()); signOutErr != nil {
			logger.Warn("logout completed with backend error",
				zap.String("code", "web.logout_backend_error"),
				zap.Error(signOutErr))
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/reset-password", func(contextGin *gin.Context) {
		var inbound struct {
			Email string `json:"email"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if resetErr := configuration.Store.ResetPassword(contextGin.Request.Context(), inbound.Email); resetErr != nil {
			abortWithBackendError(contextGin, resetErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/update-password", func(contextGin *gin.Context) {
		var inbound struct {
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || inbound.Password == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if updateErr := configuration.Store.UpdatePassword(contextGin.Request.Context(), inbound.Password); updateErr != nil {
			abortWithBackendError(contextGin, updateErr)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	resendHandlers := make([]gin.HandlerFunc, 0, 2)
	if configuration.ResendLimit != nil {
		resendHandlers = append(resendHandlers, configuration.ResendLimit.Middleware())
	}
	resendHandlers = append(resendHandlers, func(contextGin *gin.Context) {
		var inbound struct {
			Email string `json:"email"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		accepted, cooldownSeconds := configuration.Verification.Resend(contextGin.Request.Context(), inbound.Email)
		contextGin.JSON(http.StatusOK, gin.H{
			"accepted":         accepted,
			"cooldown_seconds": cooldownSeconds,
		})
	})
	router.POST("/auth/resend", resendHandlers...)

	router.GET("/auth/verify", func(contextGin *gin.Context) {
		tokenValue := contextGin.Query("token")
		email := contextGin.Query("email")
		if tokenValue == "" || email == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_token_or_email"})
			return
		}
		verifyErr := configuration.Verification.VerifyToken(contextGin.Request.Context(), tokenValue, email)
		switch {
		case verifyErr == nil:
			contextGin.JSON(http.StatusOK, gin.H{"verified": true})
		case errors.Is(verifyErr, sessionkit.ErrInvalidToken):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_token"})
		case errors.Is(verifyErr, sessionkit.ErrTokenExpired):
			contextGin.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "token_expired"})
		default:
			logger.Error("verification failed",
				zap.String("code", "web.verify_failed"),
				zap.Error(verifyErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "verification_failed"})
		}
	})

	router.POST("/session/validate", func(contextGin *gin.Context) {
		healthy := configuration.Monitor.ValidateSession(contextGin.Request.Context())
		contextGin.JSON(http.StatusOK, gin.H{"healthy": healthy})
	})

	router.POST("/session/recover", func(contextGin *gin.Context) {
		recovered := configuration.Monitor.HandleAuthError(contextGin.Request.Context())
		contextGin.JSON(http.StatusOK, gin.H{"recovered": recovered})
	})

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func snapshotPayload(state sessionkit.SessionState) gin.H {
	payload := gin.H{
		"is_authenticated": state.IsAuthenticated,
		"is_admin":         state.IsAdmin,
		"is_loading":       state.IsLoading,
	}
	if state.Identity != nil {
		payload["user_id"] = state.Identity.ID
		payload["user_email"] = state.Identity.Email
	}
	if state.Profile != nil {
		payload["profile"] = gin.H{
			"id":              state.Profile.ID,
			"email":           state.Profile.Email,
			"full_name":       state.Profile.FullName,
			"username":        state.Profile.Username,
			"avatar_url":      state.Profile.AvatarURL,
			"email_confirmed": state.Profile.EmailConfirmed,
			"is_admin":        state.Profile.IsAdmin,
		}
	}
	return payload
}

func identityPayload(identity *sessionkit.Identity) gin.H {
	return gin.H{
		"user_id":    identity.ID,
		"user_email": identity.Email,
		"expires_at": identity.ExpiresAt,
	}
}

// abortWithBackendError maps the error kind to a status and surfaces the
// backend message verbatim, matching what the login/signup forms display.
func abortWithBackendError(contextGin *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch sessionkit.Classify(err) {
	case sessionkit.KindAuth:
		status = http.StatusUnauthorized
	case sessionkit.KindPermissionDenied:
		status = http.StatusForbidden
	case sessionkit.KindNotFound:
		status = http.StatusNotFound
	case sessionkit.KindNetwork:
		status = http.StatusServiceUnavailable
	}
	message := err.Error()
	var backendError *sessionkit.BackendError
	if errors.As(err, &backendError) {
		message = backendError.Message
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": message})
}
