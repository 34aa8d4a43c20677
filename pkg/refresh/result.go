package refresh

import (
	"time"

	"github.com/illmade-knight/go-alertcache/pkg/cache"
	"github.com/illmade-knight/go-alertcache/pkg/regions"
)

// Outcome tags how a Result was produced.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	// OutcomeFresh is an entry younger than the soft TTL.
	OutcomeFresh
	// OutcomeRefreshed is a payload this request just fetched from upstream.
	OutcomeRefreshed
	// OutcomeServedStale is an entry past its soft TTL, served because a
	// refresh was already running or had just failed.
	OutcomeServedStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFresh:
		return "fresh"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeServedStale:
		return "served_stale"
	default:
		return "failed"
	}
}

// Result is what a request sees.
type Result struct {
	Outcome   Outcome
	Payload   regions.Filtered
	FetchedAt time.Time
}

// Stale reports whether the payload is past its soft TTL.
func (r Result) Stale() bool {
	return r.Outcome == OutcomeServedStale
}

func fromEntry(outcome Outcome, e *cache.Entry) Result {
	return Result{Outcome: outcome, Payload: e.Payload, FetchedAt: e.FetchedAt}
}

func failed() Result {
	return Result{Outcome: OutcomeFailed}
}
