package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/uiserve-go/broker"
)

type propagator struct {
	m      *Manager
	broker broker.Broker
	topic  string
}

// Run wires expiration propagation and blocks until ctx ends:
//
//   - each id the store expires is purged locally and, when a broker is
//     configured, published on the expiration topic;
//   - each id received on the topic is purged locally and never re-published.
//
// Without a broker only the local half runs.
func (m *Manager) Run(ctx context.Context) error {
	cancel := m.store.OnExpired(func(id string) {
		m.handleLocalExpiry(ctx, id)
	})
	defer cancel()

	if m.prop == nil {
		<-ctx.Done()
		return nil
	}

	sub, err := m.prop.broker.Subscribe(ctx, m.prop.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", m.prop.topic, err)
	}
	defer sub.Close()

	m.log.InfoContext(ctx, "session expiration propagation started", slog.String("topic", m.prop.topic))
	for {
		id, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to receive expiration: %w", err)
		}
		m.handleRemoteExpiry(ctx, id)
	}
}

func (m *Manager) handleLocalExpiry(ctx context.Context, id string) {
	m.purge(ctx, id, "local")
	m.metrics.SessionExpired(ctx)
	if m.prop == nil {
		return
	}
	if err := m.prop.publish(ctx, id); err != nil {
		m.log.ErrorContext(ctx, "failed to broadcast session expiration", slog.String("session_id", id), slog.String("err", err.Error()))
	}
}

func (m *Manager) handleRemoteExpiry(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if !m.purge(ctx, id, "remote") {
		m.log.DebugContext(ctx, "expiration for session not live on this node", slog.String("session_id", id))
	}
}

func (p *propagator) publish(ctx context.Context, id string) error {
	if err := p.broker.Publish(context.WithoutCancel(ctx), p.topic, id); err != nil {
		return fmt.Errorf("failed to publish expiration: %w", err)
	}
	return nil
}
