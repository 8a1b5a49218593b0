package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chanbind/internal/engine"
	"github.com/nextlevelbuilder/chanbind/internal/policy"
)

func policiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the available policy types",
		Run: func(cmd *cobra.Command, args []string) {
			exec := engine.New(policy.DefaultHandlers())
			for _, typ := range exec.ListAvailablePolicies() {
				fmt.Fprintln(cmd.OutOrStdout(), typ)
			}
		},
	}
}
