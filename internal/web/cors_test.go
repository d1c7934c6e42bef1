package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestConfigureCORSRejectsBadOrigins(t *testing.T) {
	cases := []struct {
		name    string
		origins []string
		wantErr error
	}{
		{"empty list", nil, errEmptyAllowedOrigins},
		{"all blank", []string{"  ", ""}, errEmptyAllowedOrigins},
		{"wildcard", []string{"*"}, errWildcardOrigin},
		{"missing scheme", []string{"app.example.com"}, errInvalidOrigin},
		{"path segment", []string{"https://app.example.com/login"}, errInvalidOrigin},
		{"query", []string{"https://app.example.com?x=1"}, errInvalidOrigin},
		{"unsupported scheme", []string{"ftp://app.example.com"}, errInvalidOrigin},
	}
	for _, testCase := range cases {
		if _, err := ConfigureCORS(nil, testCase.origins); !errors.Is(err, testCase.wantErr) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
}

func TestConfigureCORSDeduplicatesOrigins(t *testing.T) {
	sanitized, err := sanitizeOrigins(nil, []string{
		"https://app.example.com",
		" https://app.example.com ",
		"http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if len(sanitized) != 2 {
		t.Fatalf("expected duplicates removed, got %v", sanitized)
	}
}

func TestConfigureCORSAllowsConfiguredOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	middleware, err := ConfigureCORS(nil, []string{"https://app.example.com"})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}

	router := gin.New()
	router.Use(middleware)
	router.GET("/session", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/session", nil)
	request.Header.Set("Origin", "https://app.example.com")
	router.ServeHTTP(recorder, request)

	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected allowed origin header, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodGet, "/session", nil)
	request.Header.Set("Origin", "https://evil.example.com")
	router.ServeHTTP(recorder, request)
	if recorder.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected foreign origin rejected")
	}
}
