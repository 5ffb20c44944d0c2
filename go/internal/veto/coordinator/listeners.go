package coordinator

import (
	"context"
	"time"

	"github.com/mcdev12/veto/go/internal/models"
	"github.com/rs/zerolog/log"
)

const listenerTimeout = 30 * time.Second

// CompletionListener is told about every session that reached COMPLETED,
// after the completion was persisted and broadcast.
type CompletionListener interface {
	OnSessionCompleted(ctx context.Context, s models.VetoSession) error
}

// CompletionListenerFunc adapts a function to CompletionListener.
type CompletionListenerFunc func(ctx context.Context, s models.VetoSession) error

func (f CompletionListenerFunc) OnSessionCompleted(ctx context.Context, s models.VetoSession) error {
	return f(ctx, s)
}

// notifyCompleted runs listeners off the session lock. Failures are logged;
// the session is already final and nothing can roll it back.
func (c *Coordinator) notifyCompleted(s models.VetoSession) {
	for _, l := range c.listeners {
		c.listenerWG.Add(1)
		go func(l CompletionListener, s models.VetoSession) {
			defer c.listenerWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
			defer cancel()
			if err := l.OnSessionCompleted(ctx, s); err != nil {
				log.Error().
					Err(err).
					Str("session_id", s.ID.String()).
					Str("match_ref", s.MatchRef).
					Msg("completion listener failed")
			}
		}(l, s.Clone())
	}
}
