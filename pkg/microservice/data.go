package microservice

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/illmade-knight/go-alertcache/pkg/refresh"
	"github.com/illmade-knight/go-alertcache/pkg/regions"
	"github.com/jmgilman/go/errors"
)

const readyTimeout = 2 * time.Second

// DataSource is the part of refresh.Coordinator the handlers depend on.
type DataSource interface {
	GetOrRefresh(ctx context.Context, key string) (refresh.Result, error)
	Ping(ctx context.Context) error
}

// DataResponse is the JSON body of a successful GET /data.
type DataResponse struct {
	Pattern   string           `json:"pattern"`
	Regions   []regions.Status `json:"regions"`
	FetchedAt time.Time        `json:"fetched_at"`
	Stale     bool             `json:"stale"`
}

// AlertServer serves the cached alert pattern over HTTP.
type AlertServer struct {
	*BaseServer
	source DataSource
	key    string
}

// NewAlertServer mounts /readyz and /data on a new BaseServer.
func NewAlertServer(base *BaseServer, source DataSource, key string) *AlertServer {
	s := &AlertServer{
		BaseServer: base,
		source:     source,
		key:        key,
	}
	s.Logger = s.Logger.With().Str("component", "AlertServer").Logger()
	s.Mux().HandleFunc("GET /readyz", s.ReadyzHandler)
	s.Mux().HandleFunc("GET /data", s.DataHandler)
	return s
}

// ReadyzHandler reports whether the cache store answers.
func (s *AlertServer) ReadyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := s.source.Ping(ctx); err != nil {
		s.Logger.Warn().Err(err).Msg("Readiness check failed.")
		writeError(w, errors.Wrap(err, errors.CodeUnavailable, "cache store unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// DataHandler returns the filtered alert pattern. With ?format=raw the body
// is the bare pattern string.
func (s *AlertServer) DataHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.source.GetOrRefresh(r.Context(), s.key)
	if err != nil {
		s.Logger.Error().Err(err).Str("key", s.key).Msg("Failed to serve alert data.")
		writeError(w, classify(err))
		return
	}

	if res.Stale() {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	w.Header().Set("X-Cache-Outcome", res.Outcome.String())

	if r.URL.Query().Get("format") == "raw" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(res.Payload.Pattern))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(DataResponse{
		Pattern:   res.Payload.Pattern,
		Regions:   res.Payload.Regions,
		FetchedAt: res.FetchedAt,
		Stale:     res.Stale(),
	})
}

// classify maps coordinator errors to platform error codes.
func classify(err error) errors.PlatformError {
	switch {
	case errors.Is(err, refresh.ErrRefreshTimeout):
		return errors.Wrap(err, errors.CodeTimeout, "timed out waiting for alert data")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.CodeTimeout, "request cancelled before alert data was available")
	case errors.Is(err, refresh.ErrClosed):
		return errors.Wrap(err, errors.CodeUnavailable, "service is shutting down")
	default:
		return errors.Wrap(err, errors.CodeUnavailable, "alert data is unavailable")
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if errors.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(errors.ToJSON(err))
}
