// Package upstream performs the raw call to the alerts API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.alerts.in.ua"
	DefaultPath    = "/v1/iot/active_air_raid_alerts.json"
	DefaultTimeout = 10 * time.Second
)

// ErrTimeout is the cause of an *Error produced when the request deadline expires.
var ErrTimeout = errors.New("upstream request timed out")

// Error describes a failed upstream fetch. Status is zero for transport
// failures and timeouts.
type Error struct {
	Status int
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Cause != nil:
		return fmt.Sprintf("upstream returned %d %s: %v", e.Status, http.StatusText(e.Status), e.Cause)
	case e.Status != 0:
		return fmt.Sprintf("upstream returned %d %s", e.Status, http.StatusText(e.Status))
	case e.Cause != nil:
		return fmt.Sprintf("upstream request failed: %v", e.Cause)
	}
	return "upstream request failed"
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the fetch failed because its deadline expired.
func (e *Error) Timeout() bool {
	return errors.Is(e.Cause, ErrTimeout)
}

// RawPayload is an unfiltered upstream response.
type RawPayload struct {
	// Statuses holds one status character per location UID.
	Statuses string
	// Body is the response body exactly as received.
	Body       []byte
	ReceivedAt time.Time
}

// Fetcher is the contract the refresh coordinator depends on.
type Fetcher interface {
	Fetch(ctx context.Context) (RawPayload, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (RawPayload, error)

// Fetch calls f(ctx).
func (f FetcherFunc) Fetch(ctx context.Context) (RawPayload, error) {
	return f(ctx)
}

// Config holds the settings for the HTTP fetcher.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Path    string        `yaml:"path"`
	Token   string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPFetcher fetches the alert status string over HTTP. It never retries;
// retry policy belongs to its caller.
type HTTPFetcher struct {
	url     *url.URL
	token   string
	timeout time.Duration
	client  *http.Client
	logger  zerolog.Logger
}

// NewFetcher validates cfg and returns an HTTPFetcher. A nil client uses
// http.DefaultClient.
func NewFetcher(cfg *Config, client *http.Client, logger zerolog.Logger) (*HTTPFetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("upstream config cannot be nil")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("upstream api token is required")
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", base)
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	u = u.JoinPath(path)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPFetcher{
		url:     u,
		token:   cfg.Token,
		timeout: timeout,
		client:  client,
		logger:  logger.With().Str("component", "UpstreamFetcher").Logger(),
	}, nil
}

// Fetch performs a single GET against the alerts API.
func (f *HTTPFetcher) Fetch(ctx context.Context) (RawPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url.String(), nil)
	if err != nil {
		return RawPayload{}, &Error{Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Add("Accept", "application/json")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return RawPayload{}, f.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RawPayload{}, f.transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var cause error
		if text := strings.TrimSpace(string(body)); text != "" {
			cause = errors.New(text)
		}
		f.logger.Warn().Int("status", resp.StatusCode).Msg("Upstream returned a non-success status.")
		return RawPayload{}, &Error{Status: resp.StatusCode, Cause: cause}
	}

	statuses, err := decodeStatuses(body)
	if err != nil {
		return RawPayload{}, &Error{Status: resp.StatusCode, Cause: err}
	}

	f.logger.Debug().
		Int("bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("Fetched upstream payload.")
	return RawPayload{Statuses: statuses, Body: body, ReceivedAt: time.Now()}, nil
}

func (f *HTTPFetcher) transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		f.logger.Warn().Dur("timeout", f.timeout).Msg("Upstream request timed out.")
		return &Error{Cause: fmt.Errorf("%w after %s: %w", ErrTimeout, f.timeout, err)}
	}
	f.logger.Warn().Err(err).Msg("Upstream request failed.")
	return &Error{Cause: err}
}

// decodeStatuses accepts either a JSON string or a bare text body.
func decodeStatuses(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return "", fmt.Errorf("failed to decode status string: %w", err)
		}
		return s, nil
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "", fmt.Errorf("unexpected structured payload; expected a status string")
	}
	return trimmed, nil
}
