package syncengine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger probes server reachability. *remote.Client implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Hook runs on every offline to online transition.
type Hook func(ctx context.Context)

// Monitor polls the server and fires hooks when connectivity returns.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	hooks    []Hook

	mu     sync.Mutex
	online bool
}

// NewMonitor creates a monitor that starts in the offline state, so the first
// successful probe counts as a reconnect.
func NewMonitor(pinger Pinger, interval time.Duration, hooks ...Hook) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{pinger: pinger, interval: interval, hooks: hooks}
}

// OnReconnect appends a hook.
func (m *Monitor) OnReconnect(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Online reports the result of the last probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and runs the hooks, in order, if the server just became reachable.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.pinger.Ping(ctx)
	reachable := err == nil

	m.mu.Lock()
	reconnected := reachable && !m.online
	wentOffline := !reachable && m.online
	m.online = reachable
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	switch {
	case reconnected:
		zap.S().Infow("monitor: server reachable, running reconnect hooks", "hooks", len(hooks))
		for _, h := range hooks {
			h(ctx)
		}
	case wentOffline:
		zap.S().Infow("monitor: server unreachable", "err", err)
	}
	return reachable
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
