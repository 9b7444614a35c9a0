package realtime

import (
	"github.com/mbd888/creditscore/internal/profile"
)

var _ profile.EventEmitter = (*ProfileEmitter)(nil)

// ProfileEmitter publishes committed profile mutations to a Hub.
type ProfileEmitter struct {
	hub *Hub
}

// NewProfileEmitter returns an emitter that publishes to hub.
func NewProfileEmitter(hub *Hub) *ProfileEmitter {
	return &ProfileEmitter{hub: hub}
}

func (e *ProfileEmitter) EmitScoreUpdate(p *profile.Profile, kind profile.EventKind, fields []profile.Field) {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	e.hub.PublishScoreUpdate(&ScoreUpdate{
		Address:     profile.Key(p.Account),
		CreditScore: p.CreditScore,
		Version:     p.Version,
		Kind:        string(kind),
		Fields:      names,
	})
}
