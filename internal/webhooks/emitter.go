package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/creditscore/internal/idgen"
	"github.com/mbd888/creditscore/internal/metrics"
	"github.com/mbd888/creditscore/internal/profile"
)

var _ profile.EventEmitter = (*Emitter)(nil)

// Emitter turns committed profile mutations into webhook deliveries.
// Errors are logged, never returned: a mutation has already committed.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// NewScoreEvent builds the payload for a committed mutation of p.
func NewScoreEvent(p *profile.Profile, kind profile.EventKind, fields []profile.Field) *Event {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return &Event{
		ID:        idgen.WithPrefix("whe_"),
		Type:      EventScoreUpdated,
		Timestamp: time.Now().UTC(),
		Data: &ScoreChange{
			Address:     profile.Key(p.Account),
			CreditScore: p.CreditScore,
			Version:     p.Version,
			Kind:        string(kind),
			Fields:      names,
		},
	}
}

func (e *Emitter) EmitScoreUpdate(p *profile.Profile, kind profile.EventKind, fields []profile.Field) {
	if e == nil || e.d == nil {
		return
	}
	event := NewScoreEvent(p, kind, fields)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.DispatchToAccount(ctx, event.Data.Address, event); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("lookup_error").Inc()
		e.logger.Warn("webhook emit failed", "account", event.Data.Address, "error", err)
	}
}
