package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chanbind/internal/config"
	"github.com/nextlevelbuilder/chanbind/internal/engine"
	"github.com/nextlevelbuilder/chanbind/internal/policy"
)

var errInvalidBindings = errors.New("invalid channel bindings")

func validateCmd() *cobra.Command {
	var (
		watch   bool
		agentID string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the channel bindings of every agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			exec := engine.New(policy.DefaultHandlers())
			out := cmd.OutOrStdout()

			valid := reportValidation(out, exec, cfg, agentID)
			if !watch {
				if !valid {
					return errInvalidBindings
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := config.NewWatcher(path, cfg, func(next *config.Config) {
				fmt.Fprintln(out, "--- config changed")
				reportValidation(out, exec, next, agentID)
			})
			return w.Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate whenever the config file changes")
	cmd.Flags().StringVar(&agentID, "agent", "", "validate a single agent")
	return cmd
}

// reportValidation prints one block per agent and reports whether all were valid.
func reportValidation(out io.Writer, exec *engine.Executor, cfg *config.Config, agentID string) bool {
	ids := cfg.AgentIDs()
	if agentID != "" {
		ids = []string{agentID}
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "no agents configured")
		return true
	}

	allValid := true
	for _, id := range ids {
		bindings := cfg.BindingsFor(id)
		v := exec.ValidateChannelBindings(bindings)
		if v.Valid {
			fmt.Fprintf(out, "%s: %d binding(s) ok\n", id, len(bindings))
			continue
		}
		allValid = false
		fmt.Fprintf(out, "%s: %d error(s)\n", id, len(v.Errors))
		for _, e := range v.Errors {
			fmt.Fprintf(out, "  - %s\n", e)
		}
	}
	return allValid
}
