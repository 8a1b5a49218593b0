// Package dispatch delivers the redirections and auto-replies produced by
// policy handlers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
	"github.com/nextlevelbuilder/chanbind/internal/policy"
)

// SendFunc delivers one message to one target. Any returned error counts as
// a failed attempt for that target.
type SendFunc func(ctx context.Context, target bus.RouteTarget, msg *bus.MessageContext) error

// FailedTarget is a target whose delivery was given up.
type FailedTarget struct {
	Target bus.RouteTarget `json:"target"`
	Error  string          `json:"error"`
}

// Result is the outcome of one Dispatch call. Partial failure is reported
// here, never as an error.
type Result struct {
	Attempted int               `json:"attempted"`
	Succeeded []bus.RouteTarget `json:"succeeded"`
	Failed    []FailedTarget    `json:"failed"`
}

// Options tunes delivery. Zero values take the defaults of DefaultOptions.
type Options struct {
	// MaxConcurrency bounds parallel sends in concurrent mode (0 = one per target).
	MaxConcurrency int
	// SendTimeout bounds a single send attempt.
	SendTimeout time.Duration
	// Retry backoff: InitialBackoff, multiplied by BackoffMultiplier after
	// each failed attempt, capped at MaxBackoff. No jitter. A negative
	// InitialBackoff retries immediately.
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultOptions returns the standard delivery tuning.
func DefaultOptions() Options {
	return Options{
		SendTimeout:       30 * time.Second,
		InitialBackoff:    200 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Second,
	}
}

// Dispatcher fans a policy result out to its targets. Safe for concurrent use.
type Dispatcher struct {
	opts Options
}

func New(opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	if opts.InitialBackoff < 0 {
		opts.InitialBackoff = 0
	} else if opts.InitialBackoff == 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = def.BackoffMultiplier
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	return &Dispatcher{opts: opts}
}

type delivery struct {
	target bus.RouteTarget
	msg    *bus.MessageContext
}

type outcome struct {
	attempted bool
	err       error
}

// Dispatch sends res.AutoReply back to the original sender first, then the
// transformed (or original) message to every res.RouteTo target.
//
// Metadata hints read from res.Metadata: "concurrent" (default true),
// "intervalMs" delay between sequential sends, "retryCount" extra attempts
// per target.
func (d *Dispatcher) Dispatch(ctx context.Context, res *policy.Result, original *bus.MessageContext, send SendFunc) *Result {
	out := &Result{Succeeded: []bus.RouteTarget{}, Failed: []FailedTarget{}}
	if res == nil || original == nil || send == nil {
		return out
	}

	deliveries, withReply := planDeliveries(res, original)
	if len(deliveries) == 0 {
		return out
	}

	concurrent := metaBool(res.Metadata, "concurrent", true)
	interval := time.Duration(metaInt(res.Metadata, "intervalMs", 0)) * time.Millisecond
	retries := metaInt(res.Metadata, "retryCount", 0)

	outcomes := make([]outcome, len(deliveries))
	if concurrent {
		d.runConcurrent(ctx, deliveries, outcomes, withReply, retries, send)
	} else {
		d.runSequential(ctx, deliveries, outcomes, retries, interval, send)
	}

	for i, o := range outcomes {
		if o.attempted {
			out.Attempted++
		}
		if o.err == nil {
			out.Succeeded = append(out.Succeeded, deliveries[i].target)
			continue
		}
		out.Failed = append(out.Failed, FailedTarget{Target: deliveries[i].target, Error: o.err.Error()})
	}

	if len(out.Failed) > 0 {
		slog.Warn("dispatch: partial delivery failure",
			"attempted", out.Attempted,
			"succeeded", len(out.Succeeded),
			"failed", len(out.Failed),
		)
	}
	return out
}

// planDeliveries lists the auto-reply (when set) followed by the route targets.
func planDeliveries(res *policy.Result, original *bus.MessageContext) ([]delivery, bool) {
	var list []delivery
	withReply := res.AutoReply != ""
	if withReply {
		target := bus.RouteTarget{ChannelID: original.ChannelID, AccountID: original.AccountID, To: original.From}
		list = append(list, delivery{target: target, msg: autoReplyMessage(res.AutoReply, original)})
	}
	msg := original
	if res.TransformedMessage != nil {
		msg = res.TransformedMessage
	}
	for _, t := range res.RouteTo {
		list = append(list, delivery{target: t, msg: msg})
	}
	return list, withReply
}

func autoReplyMessage(content string, original *bus.MessageContext) *bus.MessageContext {
	return &bus.MessageContext{
		MessageID: uuid.NewString(),
		ChannelID: original.ChannelID,
		AccountID: original.AccountID,
		To:        original.From,
		Content:   content,
		Type:      "text",
		Metadata: map[string]any{
			"autoReply": true,
			"replyTo":   original.MessageID,
		},
		Timestamp: time.Now(),
	}
}

// runConcurrent starts the auto-reply before fanning out to the remaining
// targets in parallel. Only the reply's first attempt precedes the fan-out;
// its retries overlap with the other targets.
func (d *Dispatcher) runConcurrent(ctx context.Context, deliveries []delivery, outcomes []outcome, withReply bool, retries int, send SendFunc) {
	var g errgroup.Group
	if d.opts.MaxConcurrency > 0 {
		g.SetLimit(d.opts.MaxConcurrency)
	}

	start := 0
	if withReply {
		firstDone := make(chan struct{})
		g.Go(func() error {
			outcomes[0] = d.deliver(ctx, deliveries[0], retries, send, func() { close(firstDone) })
			return nil
		})
		<-firstDone
		start = 1
	}

	for i := start; i < len(deliveries); i++ {
		g.Go(func() error {
			outcomes[i] = d.deliver(ctx, deliveries[i], retries, send, nil)
			return nil
		})
	}
	_ = g.Wait()
}

// runSequential sends in order, waiting interval between the end of one
// delivery (retries included) and the start of the next.
func (d *Dispatcher) runSequential(ctx context.Context, deliveries []delivery, outcomes []outcome, retries int, interval time.Duration, send SendFunc) {
	for i, dl := range deliveries {
		if i > 0 && interval > 0 {
			if err := pause(ctx, interval); err != nil {
				outcomes[i] = outcome{err: cancelled(ctx)}
				continue
			}
		}
		outcomes[i] = d.deliver(ctx, dl, retries, send, nil)
	}
}

// pause blocks for wait or until ctx is done. It never gives up early on a
// deadline that has not passed yet.
func pause(ctx context.Context, wait time.Duration) error {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// deliver runs one target through the retry loop.
// firstDone, when set, is called once the first attempt has finished or
// the target was given up without one.
func (d *Dispatcher) deliver(ctx context.Context, dl delivery, retries int, send SendFunc, firstDone func()) outcome {
	notify := func() {}
	if firstDone != nil {
		var once sync.Once
		notify = func() { once.Do(firstDone) }
		defer notify()
	}
	if ctx.Err() != nil {
		return outcome{err: cancelled(ctx)}
	}

	var (
		tries   int
		lastErr error
	)
	op := func() (struct{}, error) {
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(cancelled(ctx))
		}
		tries++
		err := d.sendOnce(ctx, dl, send)
		notify()
		if err != nil {
			lastErr = err
		}
		return struct{}{}, err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.opts.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          d.opts.BackoffMultiplier,
		MaxInterval:         d.opts.MaxBackoff,
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(retries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("dispatch: retrying send", "target", dl.target.String(), "error", err, "backoff", next)
		}),
	)

	o := outcome{attempted: tries > 0}
	if err == nil {
		return o
	}
	switch {
	case ctx.Err() != nil && lastErr == nil:
		o.err = cancelled(ctx)
	case ctx.Err() != nil:
		o.err = fmt.Errorf("%w (last error: %v)", cancelled(ctx), lastErr)
	default:
		o.err = err
	}
	slog.Warn("dispatch: target failed", "target", dl.target.String(), "attempts", tries, "error", o.err)
	return o
}

// sendOnce performs one bounded attempt. A panicking send is reported as an
// error for that attempt.
func (d *Dispatcher) sendOnce(ctx context.Context, dl delivery, send SendFunc) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("send panicked: %v", p)
		}
	}()
	return send(ctx, dl.target, dl.msg)
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("dispatch cancelled: %w", cause)
}

func metaBool(meta map[string]any, key string, def bool) bool {
	switch v := meta[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// metaInt reads an integer hint, accepting the numeric shapes produced by
// handlers (int) and by JSON decoding (float64, json.Number).
func metaInt(meta map[string]any, key string, def int) int {
	var n int
	switch v := meta[key].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return def
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		n = i
	default:
		return def
	}
	if n < 0 {
		return def
	}
	return n
}
