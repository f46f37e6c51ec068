// Package client wraps the external generation and storage services the
// pipeline calls.
package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrNotConfigured is returned when a client is used without credentials.
var ErrNotConfigured = errors.New("client not configured")

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// checkResponse turns a non-2xx response into an *APIError. The body is
// consumed only on failure.
func checkResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
