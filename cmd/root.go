package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/chanbind/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "chanbind",
	Short: "Channel binding policy engine",
	Long:  "chanbind: resolves the policy bound to each channel account, decides whether messages reach the agent, and delivers auto-replies and routed messages.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return setupTracing(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdownTracing()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $CHANBIND_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(policiesCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(migrateCmd())
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chanbind %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CHANBIND_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
