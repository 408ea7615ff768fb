package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/scbridge/internal/bus"
	"github.com/loqalabs/scbridge/internal/config"
	"github.com/loqalabs/scbridge/internal/protocol"
)

// RepliesOptions holds flags for the replies command.
type RepliesOptions struct {
	BusOptions
	Stream string
	Since  time.Duration
	Limit  int
}

// NewRepliesCommand creates the replies command.
func NewRepliesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RepliesOptions{BusOptions: BusOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "replies",
		Short: "Print engine replies retained by the daemon's reply stream",
		Long: `Replay the OSC replies the engine sent, as retained by the JetStream
reply stream of a daemon running an embedded bus.`,
		Example: `  scbridge replies --since 5m
  scbridge replies --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := bus.Connect(cmd.Context(), config.BusConfig{
				Servers:        []string{opts.Server},
				ConnectTimeout: int(opts.Timeout / time.Millisecond),
			}, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			defer client.Close()

			var since time.Time
			if opts.Since > 0 {
				since = time.Now().Add(-opts.Since)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			msgs, err := client.Replay(ctx, opts.Stream, protocol.SubjectOSCReply, since, opts.Limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if meta, err := m.Metadata(); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s ", meta.Timestamp.UTC().Format(time.RFC3339Nano))
				}
				printPacket(cmd, m.Data)
			}
			return nil
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Stream, "stream", "SYNTH_REPLIES", "JetStream stream holding engine replies")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only replies newer than this (0 for all retained)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of replies (0 for no limit)")

	return cmd
}
