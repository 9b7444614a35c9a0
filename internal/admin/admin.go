// Package admin provides owner-only operational endpoints: triggering the
// external data feed and inspecting or resetting circuit breakers.
package admin

import (
	"context"

	"github.com/mbd888/creditscore/internal/circuitbreaker"
	"github.com/mbd888/creditscore/internal/feed"
)

// FeedRunner runs one external data pass on demand.
type FeedRunner interface {
	RunOnce(ctx context.Context) feed.Result
}

// BreakerControl is the subset of circuitbreaker.Breaker the handler needs.
type BreakerControl interface {
	State(key string) circuitbreaker.State
	Failures(key string) int
	Reset(key string)
}

// BreakerStatus reports one breaker key.
type BreakerStatus struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}
