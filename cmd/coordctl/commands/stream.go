package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/latitude-dev/latitude-llm-sub007/internal/printer"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/eventstream"
)

var (
	streamNamespace string
	streamChannel   string
	streamFrom      string
	streamBlock     time.Duration
	streamOnce      bool
	streamGrace     time.Duration
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Tail and clean up event streams",
}

var streamTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print events of a stream as they arrive",
	Long: `Print the events of {namespace}:{channel}:logs, then keep waiting for new
ones until interrupted (or until the first empty read with --once).`,
	Example: `  coordctl stream tail --namespace runs --channel 6f1c...
  coordctl stream tail -n runs -c 6f1c... --from 1700000000000-0 --once`,
	Args: cobra.NoArgs,
	RunE: runStreamTail,
}

var streamCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Let a stream expire after a grace period",
	Args:  cobra.NoArgs,
	RunE:  runStreamCleanup,
}

func init() {
	for _, c := range []*cobra.Command{streamTailCmd, streamCleanupCmd} {
		c.Flags().StringVarP(&streamNamespace, "namespace", "n", "", "Stream namespace (required)")
		c.Flags().StringVarP(&streamChannel, "channel", "c", "", "Channel id (required)")
		_ = c.MarkFlagRequired("namespace")
		_ = c.MarkFlagRequired("channel")
		streamCmd.AddCommand(c)
	}
	streamTailCmd.Flags().StringVar(&streamFrom, "from", "", "Read after this entry id (default: from the beginning)")
	streamTailCmd.Flags().DurationVar(&streamBlock, "block", 5*time.Second, "How long each read waits for new events (at least 1ms unless --once)")
	streamTailCmd.Flags().BoolVar(&streamOnce, "once", false, "Stop at the first read that returns nothing")
	streamCleanupCmd.Flags().DurationVar(&streamGrace, "grace", 0, "Time left before expiry (default from stream.cleanup_grace)")
	rootCmd.AddCommand(streamCmd)
}

func runStreamTail(cmd *cobra.Command, args []string) error {
	if !streamOnce && streamBlock < eventstream.MinBlock {
		return printer.Error(
			"invalid --block",
			fmt.Sprintf("Tailing needs each read to wait at least %s, got %s.", eventstream.MinBlock, streamBlock),
			[]string{"Use --block 5s to follow the stream", "Or add --once for a single non-blocking read"},
		)
	}

	ctx := cmd.Context()
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	stream, err := eventstream.New(env.client, streamNamespace, streamChannel, env.cfg.Stream, env.logger)
	if err != nil {
		return printer.Error("invalid stream", err.Error(), nil)
	}
	defer stream.Close()

	cursor := streamFrom
	out := cmd.OutOrStdout()
	for ctx.Err() == nil {
		res, err := stream.Read(ctx, eventstream.ReadOptions{LastID: cursor, Timeout: streamBlock})
		if err != nil {
			return printer.ErrorWithContext("stream read failed", err.Error(), map[string]string{"Stream": stream.Key()}, nil)
		}
		if res == nil {
			if streamOnce {
				return nil
			}
			continue
		}

		if outputFormat == printer.OutputJSONL {
			if err := printer.FormatJSONL(out, res.Entries); err != nil {
				return err
			}
		} else {
			for _, entry := range res.Entries {
				if err := printer.FormatEntry(out, entry); err != nil {
					return err
				}
			}
		}
		cursor = res.LastID
	}
	return nil
}

func runStreamCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	stream, err := eventstream.New(env.client, streamNamespace, streamChannel, env.cfg.Stream, env.logger)
	if err != nil {
		return printer.Error("invalid stream", err.Error(), nil)
	}
	defer stream.Close()

	grace := streamGrace
	if grace <= 0 {
		grace = env.cfg.Stream.CleanupGrace
	}
	if err := stream.Cleanup(ctx, grace); err != nil {
		return printer.ErrorWithContext("stream cleanup failed", err.Error(), map[string]string{"Stream": stream.Key()}, nil)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s expires in %s\n", stream.Key(), grace)
	return nil
}
