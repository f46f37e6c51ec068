package e2e

import (
	"net/http"
	"testing"
	"time"

	"github.com/hottake/studio/internal/auth"
)

func TestBaseURL(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if _, ok := body["timestamp"]; !ok {
		t.Error("expected 'timestamp' field in response")
	}
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
	if _, ok := body["services"]; !ok {
		t.Error("expected 'services' field in response")
	}
	if body["job_storage"] != "memory" {
		t.Errorf("expected job_storage 'memory', got %v", body["job_storage"])
	}
}

func TestHealth_WarnsAboutMissingServices(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	body := parseJSON(t, resp)
	warnings, _ := body["warnings"].([]interface{})
	if len(warnings) != 1 || warnings[0] != "artifacts is not configured" {
		t.Errorf("expected one artifacts warning, got %v", body["warnings"])
	}
}

func TestAuthVerify_NoToken(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestAuthVerify_ValidToken(t *testing.T) {
	ta := setupApp(t)

	token := generateToken(t)
	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	if got := resp.Header.Get("X-User-Id"); got != "test-user-123" {
		t.Errorf("expected X-User-Id header 'test-user-123', got %q", got)
	}
	if resp.Header.Get("X-User-Email") == "" {
		t.Error("expected X-User-Email header to be set")
	}
}

func TestAuthVerify_WrongSecret(t *testing.T) {
	ta := setupApp(t)

	token, err := auth.IssueLegacyToken("some-other-secret", "intruder", "x@example.com", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}
