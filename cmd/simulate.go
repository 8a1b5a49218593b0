package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
	"github.com/nextlevelbuilder/chanbind/internal/channels"
	"github.com/nextlevelbuilder/chanbind/internal/config"
	"github.com/nextlevelbuilder/chanbind/internal/dispatch"
	"github.com/nextlevelbuilder/chanbind/internal/engine"
	"github.com/nextlevelbuilder/chanbind/internal/gateway"
	"github.com/nextlevelbuilder/chanbind/internal/policy"
)

type simulateOpts struct {
	agentID   string
	channelID string
	accountID string
	from      string
	to        string
	content   string
	msgType   string
	failing   []string
	repeat    int
}

func simulateCmd() *cobra.Command {
	var o simulateOpts
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a message through an agent's bindings, printing deliveries to the console",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), cfg, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.agentID, "agent", "", "agent id (default: first configured agent)")
	f.StringVar(&o.channelID, "channel", "", "channel the message arrives on (required)")
	f.StringVar(&o.accountID, "account", "default", "bot account id")
	f.StringVar(&o.from, "from", "", "sender id; empty simulates an outbound message")
	f.StringVar(&o.to, "to", "", "recipient id")
	f.StringVar(&o.content, "content", "", "message text")
	f.StringVar(&o.msgType, "type", "text", "message type")
	f.StringSliceVar(&o.failing, "fail", nil, "channels whose deliveries fail")
	f.IntVar(&o.repeat, "repeat", 1, "send the message this many times")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func runSimulate(ctx context.Context, out io.Writer, cfg *config.Config, o simulateOpts) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.agentID == "" {
		ids := cfg.AgentIDs()
		if len(ids) == 0 {
			return errors.New("no agents configured")
		}
		o.agentID = ids[0]
	}

	opts := []engine.Option{engine.WithDispatchOptions(cfg.Dispatch.Options())}
	ds, err := openDecisionStore(cfg.Database.StoreConfig())
	if err != nil {
		return fmt.Errorf("open decision store: %w", err)
	}
	if ds != nil {
		defer ds.Close()
		opts = append(opts, engine.WithDecisionRecorder(ds))
	}
	exec := engine.New(policy.DefaultHandlers(), opts...)
	defer func() {
		if err := exec.Close(); err != nil {
			slog.Warn("close policy handlers", "error", err)
		}
	}()

	mgr := channels.NewManager()
	defer mgr.StopAll(context.Background())
	router := gateway.NewRouter(exec, consoleSender(mgr, out, cfg, o.failing))
	router.ApplyConfig(cfg)

	for i := range max(o.repeat, 1) {
		msg := &bus.MessageContext{
			MessageID: uuid.NewString(),
			ChannelID: o.channelID,
			AccountID: o.accountID,
			From:      o.from,
			To:        o.to,
			Content:   o.content,
			Type:      o.msgType,
			Timestamp: time.Now(),
		}
		res, err := router.HandleMessage(ctx, o.agentID, msg)
		if err != nil {
			return err
		}
		// the simulated agent finishes each message before the next arrives
		router.Done(res, msg)
		if o.repeat > 1 {
			fmt.Fprintf(out, "#%d ", i+1)
		}
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}

// consoleSender registers a console channel for every channel on first use,
// so routed targets need no configuration in a simulation. Send rates from
// the channels config section still apply.
func consoleSender(mgr *channels.Manager, out io.Writer, cfg *config.Config, failing []string) dispatch.SendFunc {
	var mu sync.Mutex
	fail := make(map[string]bool, len(failing))
	for _, name := range failing {
		fail[name] = true
	}
	w := &lockedWriter{w: out}
	return func(ctx context.Context, target bus.RouteTarget, msg *bus.MessageContext) error {
		mu.Lock()
		if _, ok := mgr.GetChannel(target.ChannelID); !ok {
			ch := channels.NewConsoleChannel(target.ChannelID, w)
			if fail[target.ChannelID] {
				ch.FailWith(fmt.Errorf("simulated failure"))
			}
			_ = ch.Start(ctx)
			mgr.RegisterChannel(target.ChannelID, ch)
			if cc, ok := cfg.ChannelSettings(target.ChannelID); ok {
				mgr.SetSendRate(target.ChannelID, cc.SendPerMinute, cc.SendBurst)
			}
			slog.Debug("console channel registered", "channel", target.ChannelID)
		}
		mu.Unlock()
		return mgr.Send(ctx, target, msg)
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
