// Package authapi adapts the hosted auth service's REST API to the
// sessionkit.AuthBackend contract. All vendor error shapes are classified
// here, at the boundary, into sessionkit.BackendError values.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corefit/sessionkit/internal/sessionkit"
)

var errMissingBaseURL = errors.New("authapi.missing_base_url")

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
	Clock      sessionkit.Clock
}

// Client is the REST AuthBackend. It holds the current session bundle the
// way the vendor SDK does: GetSession is a local read, and every successful
// auth call replaces the bundle and fans the change out to listeners.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
	clock      sessionkit.Clock

	mutex          sync.Mutex
	emitMutex      sync.Mutex
	current        *sessionkit.Identity
	listeners      map[int]func(identity *sessionkit.Identity)
	nextListenerID int
}

// NewClient constructs a Client after validating its configuration.
func NewClient(configuration Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("authapi.new: %w", errMissingBaseURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := configuration.Clock
	if clock == nil {
		clock = sessionkit.NewSystemClock()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     configuration.APIKey,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		listeners:  make(map[int]func(identity *sessionkit.Identity)),
	}, nil
}

type sessionPayload struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int64       `json:"expires_in"`
	User         userPayload `json:"user"`
}

type userPayload struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	EmailConfirmedAt string `json:"email_confirmed_at"`
}

type errorPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Code             string `json:"code"`
}

// SignUp registers a new account.
func (client *Client) SignUp(ctx context.Context, email string, password string, metadata map[string]string) (*sessionkit.Identity, error) {
	body := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		body["data"] = metadata
	}
	return client.sessionRequest(ctx, http.MethodPost, "/signup", body, "authapi.signup")
}

// SignInWithPassword exchanges credentials for a session.
func (client *Client) SignInWithPassword(ctx context.Context, email string, password string) (*sessionkit.Identity, error) {
	body := map[string]any{"email": email, "password": password}
	return client.sessionRequest(ctx, http.MethodPost, "/token?grant_type=password", body, "authapi.password_grant")
}

// SignInWithIDToken exchanges a provider ID token for a session.
func (client *Client) SignInWithIDToken(ctx context.Context, provider string, rawIDToken string) (*sessionkit.Identity, error) {
	body := map[string]any{"provider": provider, "id_token": rawIDToken}
	return client.sessionRequest(ctx, http.MethodPost, "/token?grant_type=id_token", body, "authapi.id_token_grant")
}

// SignOut invalidates the session server-side and clears the local bundle
// regardless of the outcome.
func (client *Client) SignOut(ctx context.Context) error {
	client.mutex.Lock()
	accessToken := ""
	if client.current != nil {
		accessToken = client.current.AccessToken
	}
	client.current = nil
	client.mutex.Unlock()
	client.emit(nil)

	if accessToken == "" {
		return nil
	}
	_, requestErr := client.doJSON(ctx, http.MethodPost, "/logout", nil, accessToken, "authapi.logout")
	return requestErr
}

// GetSession returns the locally held session bundle, or nil.
func (client *Client) GetSession(ctx context.Context) (*sessionkit.Identity, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.current.Clone(), nil
}

// RefreshSession exchanges the held refresh token for a fresh bundle.
func (client *Client) RefreshSession(ctx context.Context) (*sessionkit.Identity, error) {
	client.mutex.Lock()
	refreshToken := ""
	if client.current != nil {
		refreshToken = client.current.RefreshToken
	}
	client.mutex.Unlock()
	if refreshToken == "" {
		return nil, sessionkit.NewBackendError(sessionkit.KindAuth, "authapi.refresh", "no session to refresh", nil)
	}
	body := map[string]any{"refresh_token": refreshToken}
	return client.sessionRequest(ctx, http.MethodPost, "/token?grant_type=refresh_token", body, "authapi.refresh_grant")
}

// ResendSignupConfirmation asks the backend to resend its native
// confirmation email.
func (client *Client) ResendSignupConfirmation(ctx context.Context, email string) error {
	body := map[string]any{"type": "signup", "email": email}
	_, requestErr := client.doJSON(ctx, http.MethodPost, "/resend", body, "", "authapi.resend")
	return requestErr
}

// ResetPasswordForEmail requests a password recovery email.
func (client *Client) ResetPasswordForEmail(ctx context.Context, email string) error {
	body := map[string]any{"email": email}
	_, requestErr := client.doJSON(ctx, http.MethodPost, "/recover", body, "", "authapi.recover")
	return requestErr
}

// UpdatePassword replaces the current user's password.
func (client *Client) UpdatePassword(ctx context.Context, newPassword string) error {
	client.mutex.Lock()
	accessToken := ""
	if client.current != nil {
		accessToken = client.current.AccessToken
	}
	client.mutex.Unlock()
	if accessToken == "" {
		return sessionkit.NewBackendError(sessionkit.KindAuth, "authapi.update_password", "no session", nil)
	}
	body := map[string]any{"password": newPassword}
	_, requestErr := client.doJSON(ctx, http.MethodPut, "/user", body, accessToken, "authapi.update_password")
	return requestErr
}

// AdminConfirmEmail issues the privileged confirmation call; non-admin
// tokens are expected to be rejected with a permission error.
func (client *Client) AdminConfirmEmail(ctx context.Context, email string) error {
	client.mutex.Lock()
	accessToken := ""
	if client.current != nil {
		accessToken = client.current.AccessToken
	}
	client.mutex.Unlock()
	body := map[string]any{"email": email}
	_, requestErr := client.doJSON(ctx, http.MethodPost, "/admin/users/confirm", body, accessToken, "authapi.admin_confirm")
	return requestErr
}

// OnAuthStateChange registers a listener and returns its unsubscribe
// function.
func (client *Client) OnAuthStateChange(listener func(identity *sessionkit.Identity)) func() {
	client.mutex.Lock()
	listenerID := client.nextListenerID
	client.nextListenerID++
	client.listeners[listenerID] = listener
	client.mutex.Unlock()

	return func() {
		client.mutex.Lock()
		delete(client.listeners, listenerID)
		client.mutex.Unlock()
	}
}

func (client *Client) sessionRequest(ctx context.Context, method string, path string, body any, code string) (*sessionkit.Identity, error) {
	responseBody, requestErr := client.doJSON(ctx, method, path, body, "", code)
	if requestErr != nil {
		return nil, requestErr
	}
	var payload sessionPayload
	if decodeErr := json.Unmarshal(responseBody, &payload); decodeErr != nil {
		return nil, sessionkit.NewBackendError(sessionkit.KindUnknown, code, "undecodable session payload", decodeErr)
	}
	identity := client.identityFromPayload(&payload)
	if identity.ID == "" {
		return nil, sessionkit.NewBackendError(sessionkit.KindUnknown, code, "session payload missing user id", nil)
	}

	client.mutex.Lock()
	client.current = identity
	client.mutex.Unlock()
	client.emit(identity)
	return identity.Clone(), nil
}

func (client *Client) identityFromPayload(payload *sessionPayload) *sessionkit.Identity {
	identity := &sessionkit.Identity{
		ID:           payload.User.ID,
		Email:        payload.User.Email,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if payload.ExpiresIn > 0 {
		identity.ExpiresAt = client.clock.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	if payload.User.EmailConfirmedAt != "" {
		if confirmedAt, parseErr := time.Parse(time.RFC3339, payload.User.EmailConfirmedAt); parseErr == nil {
			identity.EmailConfirmedAt = &confirmedAt
		}
	}
	return identity
}

func (client *Client) doJSON(ctx context.Context, method string, path string, body any, bearerToken string, code string) ([]byte, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		if encodeErr != nil {
			return nil, sessionkit.NewBackendError(sessionkit.KindUnknown, code, "unencodable request body", encodeErr)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, requestErr := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if requestErr != nil {
		return nil, sessionkit.NewBackendError(sessionkit.KindUnknown, code, "request construction failed", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")
	if client.apiKey != "" {
		request.Header.Set("apikey", client.apiKey)
	}
	if bearerToken != "" {
		request.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return nil, sessionkit.NewBackendError(sessionkit.KindNetwork, code, "request failed", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	var buffer bytes.Buffer
	if _, readErr := buffer.ReadFrom(response.Body); readErr != nil {
		return nil, sessionkit.NewBackendError(sessionkit.KindNetwork, code, "response read failed", readErr)
	}
	if response.StatusCode >= 400 {
		return nil, client.classifyResponse(response.StatusCode, buffer.Bytes(), code)
	}
	return buffer.Bytes(), nil
}

func (client *Client) classifyResponse(statusCode int, body []byte, code string) error {
	var payload errorPayload
	_ = json.Unmarshal(body, &payload)
	message := payload.ErrorDescription
	if message == "" {
		message = payload.Msg
	}
	if message == "" {
		message = payload.Error
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	kind := sessionkit.KindUnknown
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusUnprocessableEntity:
		kind = sessionkit.KindAuth
	case statusCode == http.StatusForbidden:
		kind = sessionkit.KindPermissionDenied
	case statusCode == http.StatusNotFound:
		kind = sessionkit.KindNotFound
	case statusCode >= 500:
		kind = sessionkit.KindNetwork
	}
	// The policy engine reports its self-referential evaluation failure as a
	// 500 with a recursion code; treat it as a policy rejection so the
	// reconciler self-heals instead of giving up.
	if payload.Code == sqlstateInfiniteRecursion || strings.Contains(message, "infinite recursion") {
		kind = sessionkit.KindPermissionDenied
	}

	client.logger.Debug("backend call rejected",
		zap.String("code", code),
		zap.Int("status", statusCode),
		zap.String("kind", kind.String()))
	return sessionkit.NewBackendError(kind, code, message, nil)
}

const sqlstateInfiniteRecursion = "42P17"

// emit delivers the identity to all listeners in emission order.
func (client *Client) emit(identity *sessionkit.Identity) {
	client.emitMutex.Lock()
	defer client.emitMutex.Unlock()

	client.mutex.Lock()
	listeners := make([]func(identity *sessionkit.Identity), 0, len(client.listeners))
	for _, listener := range client.listeners {
		listeners = append(listeners, listener)
	}
	client.mutex.Unlock()

	for _, listener := range listeners {
		listener(identity.Clone())
	}
}
