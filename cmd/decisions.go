package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chanbind/internal/config"
	"github.com/nextlevelbuilder/chanbind/internal/store"
)

func decisionsCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent policy decisions from the decision store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			ds, err := openDecisionStore(cfg.Database.StoreConfig())
			if err != nil {
				return err
			}
			if ds == nil {
				return fmt.Errorf("decision store disabled (database.mode is %q)", store.ModeNone)
			}
			defer ds.Close()

			recs, err := ds.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list decisions: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "no decisions recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tAGENT\tBINDING\tPOLICY\tCHANNEL\tALLOW\tREASON\tTARGETS")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s:%s\t%v\t%s\t%s\n",
					r.Time.Local().Format(time.DateTime), r.AgentID, r.BindingID, r.PolicyType,
					r.ChannelID, r.AccountID, r.Allow, r.Reason, strings.Join(r.Targets, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of decisions to show (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
