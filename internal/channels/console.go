package channels

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

// Delivery is one message handed to a ConsoleChannel.
type Delivery struct {
	Target  bus.RouteTarget
	Message *bus.MessageContext
}

// ConsoleChannel prints deliveries to a writer instead of a vendor API.
// Used by `chanbind simulate` and in tests.
type ConsoleChannel struct {
	*BaseChannel

	mu         sync.Mutex
	w          io.Writer
	deliveries []Delivery
	fail       error
}

func NewConsoleChannel(name string, w io.Writer) *ConsoleChannel {
	if w == nil {
		w = io.Discard
	}
	return &ConsoleChannel{BaseChannel: NewBaseChannel(name), w: w}
}

func (c *ConsoleChannel) Start(context.Context) error {
	c.SetRunning(true)
	return nil
}

func (c *ConsoleChannel) Stop(context.Context) error {
	c.SetRunning(false)
	return nil
}

// FailWith makes subsequent sends return err; nil restores normal delivery.
func (c *ConsoleChannel) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func (c *ConsoleChannel) Send(ctx context.Context, target bus.RouteTarget, msg *bus.MessageContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.deliveries = append(c.deliveries, Delivery{Target: target, Message: msg})
	_, err := fmt.Fprintf(c.w, "-> %s: %s\n", target, bus.Truncate(msg.Content, 200))
	return err
}

// Deliveries returns a copy of everything sent so far.
func (c *ConsoleChannel) Deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Delivery, len(c.deliveries))
	copy(out, c.deliveries)
	return out
}
