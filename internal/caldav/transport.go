package caldav

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

const userAgent = "calmirror/1.0"

// basicAuthTransport adds Basic Auth and a fixed User-Agent to every request.
type basicAuthTransport struct {
	username  string
	password  string
	transport http.RoundTripper
	logger    *slog.Logger
}

// RoundTrip adds required headers and authentication to each request.
func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		t.logger.Debug("CalDAV request failed", "method", req.Method, "url", req.URL.String(), "error", err)
		return nil, err
	}
	t.logger.Debug("CalDAV request", "method", req.Method, "url", req.URL.String(),
		"status", resp.StatusCode, "elapsed", time.Since(start))
	return resp, nil
}

// NewHTTPClient returns an HTTP client that authenticates every request with
// the given credentials. A nil base transport means http.DefaultTransport.
func NewHTTPClient(username, password string, timeout time.Duration, base http.RoundTripper, logger *slog.Logger) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &basicAuthTransport{
			username:  username,
			password:  password,
			transport: base,
			logger:    logger,
		},
	}
}
