// Package channels provides the channel abstraction the dispatcher delivers
// through. Vendor adapters (Feishu, WeCom, DingTalk, ...) implement Channel and
// register with a Manager; the Manager's Send is the engine's send function.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "feishu", "wecom", "dingtalk").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers msg to target. target.AccountID selects the bot account
	// and target.To, when set, the recipient within it.
	Send(ctx context.Context, target bus.RouteTarget, msg *bus.MessageContext) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel provides shared functionality for channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name    string
	running atomic.Bool
}

// NewBaseChannel creates a new BaseChannel with the given name.
func NewBaseChannel(name string) *BaseChannel {
	return &BaseChannel{name: name}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }
