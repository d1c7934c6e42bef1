package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/corefit/sessionkit/internal/mailer"
	"github.com/corefit/sessionkit/internal/sessionkit"
)

type webFixture struct {
	router   *gin.Engine
	backend  *sessionkit.MemoryAuthBackend
	store    *sessionkit.SessionStore
	tokens   *sessionkit.MemoryVerificationTokenStore
	profiles *sessionkit.MemoryProfileStore
	mailer   *mailer.MemoryMailer
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fixture := &webFixture{
		backend:  sessionkit.NewMemoryAuthBackend(time.Hour),
		tokens:   sessionkit.NewMemoryVerificationTokenStore(),
		profiles: sessionkit.NewMemoryProfileStore(),
		mailer:   mailer.NewMemoryMailer(),
	}

	reconciler := sessionkit.NewProfileReconciler(fixture.profiles, nil, nil, nil)
	store, storeErr := sessionkit.NewSessionStore(sessionkit.SessionStoreConfig{
		Backend:    fixture.backend,
		Reconciler: reconciler,
	})
	require.NoError(t, storeErr)
	store.Initialize(context.Background())
	t.Cleanup(store.Close)
	fixture.store = store

	verification, verificationErr := sessionkit.NewVerificationFlow(sessionkit.VerificationConfig{
		Backend:       fixture.backend,
		Tokens:        fixture.tokens,
		Profiles:      fixture.profiles,
		Mailer:        fixture.mailer,
		VerifyBaseURL: "http://localhost/auth/verify",
	})
	require.NoError(t, verificationErr)

	monitor, monitorErr := sessionkit.NewSessionHealthMonitor(sessionkit.MonitorConfig{
		Backend:  fixture.backend,
		Sessions: store,
	})
	require.NoError(t, monitorErr)

	router := gin.New()
	MountSessionRoutes(router, HandlerConfig{
		Store:        store,
		Verification: verification,
		Monitor:      monitor,
	})
	fixture.router = router
	return fixture
}

func (fixture *webFixture) do(method string, path string, body string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, nil)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	return decoded
}

func TestSessionSnapshotEndpoint(t *testing.T) {
	fixture := newWebFixture(t)

	recorder := fixture.do(http.MethodGet, "/session", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeBody(t, recorder)
	require.Equal(t, false, payload["is_authenticated"])
	require.Equal(t, false, payload["is_loading"])
	require.NotContains(t, payload, "profile")
}

func TestSignupLoginLogoutRoundTrip(t *testing.T) {
	fixture := newWebFixture(t)

	recorder := fixture.do(http.MethodPost, "/auth/signup",
		`{"email":"member@example.com","password":"pw","full_name":"Member"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	signupPayload := decodeBody(t, recorder)
	require.Equal(t, "member@example.com", signupPayload["user_email"])

	recorder = fixture.do(http.MethodGet, "/session", "")
	payload := decodeBody(t, recorder)
	require.Equal(t, true, payload["is_authenticated"])
	require.Contains(t, payload, "profile")

	recorder = fixture.do(http.MethodPost, "/auth/logout", "")
	require.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = fixture.do(http.MethodGet, "/session", "")
	payload = decodeBody(t, recorder)
	require.Equal(t, false, payload["is_authenticated"])

	recorder = fixture.do(http.MethodPost, "/auth/login",
		`{"email":"member@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestLoginFailureSurfacesBackendMessage(t *testing.T) {
	fixture := newWebFixture(t)

	recorder := fixture.do(http.MethodPost, "/auth/login",
		`{"email":"ghost@example.com","password":"pw"}`)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	payload := decodeBody(t, recorder)
	require.Equal(t, "invalid login credentials", payload["error"])
}

func TestAuthEndpointsRejectMalformedBodies(t *testing.T) {
	fixture := newWebFixture(t)
	cases := []struct {
		path string
		body string
	}{
		{"/auth/signup", `{"email":"","password":"pw"}`},
		{"/auth/login", `not json`},
		{"/auth/google", `{"google_id_token":""}`},
		{"/auth/reset-password", `{}`},
		{"/auth/update-password", `{"password":""}`},
	}
	for _, testCase := range cases {
		recorder := fixture.do(http.MethodPost, testCase.path, testCase.body)
		require.Equalf(t, http.StatusBadRequest, recorder.Code, "path %s", testCase.path)
	}
}

func TestGoogleLoginUnavailableWithoutValidator(t *testing.T) {
	fixture := newWebFixture(t)
	recorder := fixture.do(http.MethodPost, "/auth/google", `{"google_id_token":"raw"}`)
	require.Equal(t, http.StatusNotImplemented, recorder.Code)
}

func TestResendEndpointReportsCooldown(t *testing.T) {
	fixture := newWebFixture(t)

	recorder := fixture.do(http.MethodPost, "/auth/resend", `{"email":"orphan@example.com"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeBody(t, recorder)
	require.Equal(t, true, payload["accepted"])
	require.Equal(t, float64(60), payload["cooldown_seconds"])

	recorder = fixture.do(http.MethodPost, "/auth/resend", `{"email":"orphan@example.com"}`)
	payload = decodeBody(t, recorder)
	require.Equal(t, false, payload["accepted"])
}

func TestVerifyEndpoint(t *testing.T) {
	fixture := newWebFixture(t)
	_, seedErr := fixture.profiles.Upsert(context.Background(), &sessionkit.Profile{ID: "u1", Email: "orphan@example.com"})
	require.NoError(t, seedErr)

	// Unknown backend address forces the fallback channel, which mints the
	// token consumed below.
	fixture.do(http.MethodPost, "/auth/resend", `{"email":"orphan@example.com"}`)
	record := fixture.tokens.ActiveToken("orphan@example.com")
	require.NotNil(t, record)

	recorder := fixture.do(http.MethodGet, "/auth/verify?token="+record.Token+"&email=orphan@example.com", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	profile, lookupErr := fixture.profiles.GetByEmail(context.Background(), "orphan@example.com")
	require.NoError(t, lookupErr)
	require.True(t, profile.EmailConfirmed)
}

func TestVerifyEndpointErrorMapping(t *testing.T) {
	fixture := newWebFixture(t)

	recorder := fixture.do(http.MethodGet, "/auth/verify?token=bogus&email=orphan@example.com", "")
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = fixture.do(http.MethodGet, "/auth/verify?token=bogus", "")
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	expired := &sessionkit.VerificationToken{
		ID:        "t1",
		Token:     "expired-token",
		Email:     "orphan@example.com",
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, fixture.tokens.Replace(context.Background(), expired))
	recorder = fixture.do(http.MethodGet, "/auth/verify?token=expired-token&email=orphan@example.com", "")
	require.Equal(t, http.StatusGone, recorder.Code)
}

func TestSessionValidateEndpoint(t *testing.T) {
	fixture := newWebFixture(t)

	recorder := fixture.do(http.MethodPost, "/session/validate", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeBody(t, recorder)
	require.Equal(t, false, payload["healthy"])

	fixture.do(http.MethodPost, "/auth/signup", `{"email":"member@example.com","password":"pw"}`)
	recorder = fixture.do(http.MethodPost, "/session/validate", "")
	payload = decodeBody(t, recorder)
	require.Equal(t, true, payload["healthy"])
}

func TestSessionRecoverEndpoint(t *testing.T) {
	fixture := newWebFixture(t)

	recorder := fixture.do(http.MethodPost, "/session/recover", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	payload := decodeBody(t, recorder)
	require.Equal(t, false, payload["recovered"])

	fixture.do(http.MethodPost, "/auth/signup", `{"email":"member@example.com","password":"pw"}`)
	recorder = fixture.do(http.MethodPost, "/session/recover", "")
	payload = decodeBody(t, recorder)
	require.Equal(t, true, payload["recovered"])
}

func TestHealthEndpoint(t *testing.T) {
	fixture := newWebFixture(t)
	recorder := fixture.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, recorder.Code)
}
