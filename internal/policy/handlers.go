package policy

import (
	"math/rand/v2"
	"time"

	"github.com/nextlevelbuilder/chanbind/internal/store/file"
)

// LogSink receives the structured lines written by the monitor policy.
type LogSink interface {
	Append(v any) error
	Close() error
}

// LogOpener opens the sink behind a monitor logPath.
type LogOpener func(path string) (LogSink, error)

// Option customizes the handlers built by DefaultHandlers.
type Option func(*handlerEnv)

type handlerEnv struct {
	now     func() time.Time
	intn    func(n int) int
	openLog LogOpener
}

// WithClock sets the clock used when a message carries no timestamp,
// and for queue expiry and rate windows.
func WithClock(now func() time.Time) Option {
	return func(e *handlerEnv) { e.now = now }
}

// WithRand sets the source used by the load-balance "random" strategy.
func WithRand(intn func(n int) int) Option {
	return func(e *handlerEnv) { e.intn = intn }
}

// WithLogOpener replaces the JSONL file sink used by the monitor policy.
func WithLogOpener(open LogOpener) Option {
	return func(e *handlerEnv) { e.openLog = open }
}

func newEnv(opts []Option) *handlerEnv {
	e := &handlerEnv{
		now:     time.Now,
		intn:    rand.IntN,
		openLog: openJSONL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func openJSONL(path string) (LogSink, error) {
	w, err := file.OpenJSONL(path)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// DefaultHandlers builds one instance of every built-in policy handler,
// keyed by policy type.
func DefaultHandlers(opts ...Option) map[string]Handler {
	env := newEnv(opts)
	list := []Handler{
		NewPrivateHandler(),
		NewMonitorHandler(env.openLog, env.now),
		NewListenOnlyHandler(),
		NewLoadBalanceHandler(env.intn),
		NewQueueHandler(env.now),
		NewModerateHandler(env.now),
		NewEchoHandler(),
		NewFilterHandler(),
		NewScheduledHandler(env.now),
		NewForwardHandler(),
		NewBroadcastHandler(env.now),
		NewSmartRouteHandler(),
	}
	out := make(map[string]Handler, len(list))
	for _, h := range list {
		out[h.Type()] = h
	}
	return out
}

// messageTime is the evaluation instant for msg: its timestamp when set,
// otherwise the handler clock.
func messageTime(pc *ProcessContext, now func() time.Time) time.Time {
	if pc.Message != nil && !pc.Message.Timestamp.IsZero() {
		return pc.Message.Timestamp
	}
	return now()
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"
