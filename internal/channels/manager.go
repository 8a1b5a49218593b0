package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

// Manager manages all registered channels, handling their lifecycle
// and routing deliveries to the correct channel.
type Manager struct {
	channels map[string]Channel
	limiters map[string]*rate.Limiter // outbound throttle by registered name
	mu       sync.RWMutex
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetSendRate throttles deliveries through the channel registered as name to
// perMinute sends with the given burst. perMinute <= 0 removes the throttle.
func (m *Manager) SetSendRate(name string, perMinute float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if perMinute <= 0 {
		delete(m.limiters, name)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	m.limiters[name] = rate.NewLimiter(rate.Limit(perMinute/60), burst)
}

// StartAll starts all registered channels. A channel that fails to start is
// logged and skipped; deliveries to it will fail until it runs.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slog.Info("stopping all channels")

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels stopped")
	return nil
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any)
	for name, channel := range m.channels {
		status[name] = map[string]any{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// GetEnabledChannels returns the names of all registered channels, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterChannel adds a channel to the manager under name. A channel
// registered as "channel:account" serves only that account.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[name]; exists {
		slog.Warn("replacing registered channel", "channel", name)
	}
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
	delete(m.limiters, name)
}

// Send delivers msg to target, preferring a channel registered for the exact
// "channel:account" pair over one registered for the whole channel. It has
// the dispatch.SendFunc signature.
func (m *Manager) Send(ctx context.Context, target bus.RouteTarget, msg *bus.MessageContext) error {
	m.mu.RLock()
	key := target.ChannelID + ":" + target.AccountID
	channel, exists := m.channels[key]
	if !exists {
		key = target.ChannelID
		channel, exists = m.channels[key]
	}
	limiter := m.limiters[key]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", target.ChannelID)
	}
	if !channel.IsRunning() {
		return fmt.Errorf("channel %s is not running", channel.Name())
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send rate limit for %s: %w", key, err)
		}
	}
	if err := channel.Send(ctx, target, msg); err != nil {
		return fmt.Errorf("send via %s: %w", channel.Name(), err)
	}
	return nil
}
