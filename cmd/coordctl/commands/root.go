package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/latitude-dev/latitude-llm-sub007/internal/printer"
)

var (
	configFile   string
	redisURL     string
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "coordctl",
	Short: "coordctl - inspect and operate the coordination store",
	Long: `coordctl inspects and operates the ephemeral coordination state kept in
Redis: active runs and evaluations, distributed locks and event streams.

Configuration is read from coord.yaml (or --config), COORD_* environment
variables and flags, in increasing order of precedence.`,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := printer.ValidateOutput(outputFormat); err != nil {
			return printer.Error("invalid output format", err.Error(),
				[]string{fmt.Sprintf("Valid formats: %s, %s", printer.OutputDefault, printer.OutputJSONL)})
		}
		return nil
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	// Interrupts cancel the command context so tails and locked commands
	// stop cleanly
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./coord.yaml or ~/.config/coord/coord.yaml)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL, overrides redis.url")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", printer.OutputDefault, "Output format (default or jsonl)")
}
