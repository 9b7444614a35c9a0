package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/creditscore/internal/metrics"
	"github.com/mbd888/creditscore/internal/profile"
	"github.com/mbd888/creditscore/internal/traces"
)

// Integrator is the subset of profile.Service the worker drives.
type Integrator interface {
	IntegrateExternalData(ctx context.Context, caller, target common.Address, data profile.ExternalData) (*profile.Profile, error)
	Owner() common.Address
}

// Worker periodically fetches external data for a fixed set of accounts and
// integrates it as the engine owner.
type Worker struct {
	integrator Integrator
	source     Source
	accounts   []common.Address
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	running    atomic.Bool
}

// NewWorker creates a feed worker. interval is typically one hour.
func NewWorker(integrator Integrator, source Source, accounts []common.Address, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		integrator: integrator,
		source:     source,
		accounts:   accounts,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start runs one pass immediately and then one per interval. Call in a
// goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.safeRun(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the worker to stop. It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.FeedRunsTotal.WithLabelValues("panic").Inc()
			w.logger.Error("panic in feed worker", "panic", fmt.Sprint(r))
		}
	}()
	w.RunOnce(ctx)
}

// Result summarizes one pass over the configured accounts.
type Result struct {
	Integrated int
	Skipped    int
	Failed     int
}

// RunOnce integrates every configured account once. Accounts with no data
// are skipped; other failures are logged and do not stop the pass.
func (w *Worker) RunOnce(ctx context.Context) Result {
	var res Result
	for _, account := range w.accounts {
		if ctx.Err() != nil {
			break
		}
		if err := Integrate(ctx, w.integrator, w.source, account); err != nil {
			if errors.Is(err, ErrNoData) {
				res.Skipped++
				continue
			}
			res.Failed++
			w.logger.Warn("feed integration failed", "account", profile.Key(account), "error", err)
			continue
		}
		res.Integrated++
	}

	result := "ok"
	if res.Failed > 0 {
		result = "partial"
		if res.Integrated == 0 {
			result = "error"
		}
	}
	metrics.FeedRunsTotal.WithLabelValues(result).Inc()
	w.logger.Info("feed run completed",
		"integrated", res.Integrated, "skipped", res.Skipped, "failed", res.Failed)
	return res
}

// Integrate fetches data for account from source and integrates it as the
// integrator's owner. A source implementing Committer is told about the data
// once the integration succeeds.
func Integrate(ctx context.Context, integrator Integrator, source Source, account common.Address) (err error) {
	ctx, span := traces.StartSpan(ctx, "feed.Integrate", traces.Account(profile.Key(account)))
	defer func() { traces.End(span, err) }()

	data, err := source.Fetch(ctx, account)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if _, err := integrator.IntegrateExternalData(ctx, integrator.Owner(), account, data); err != nil {
		return fmt.Errorf("integrate: %w", err)
	}
	if c, ok := source.(Committer); ok {
		c.Commit(account, data)
	}
	return nil
}
