// Package cli implements the scbridge command line client.
package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Timeout time.Duration
}

// NewRootCommand creates the root command for the scbridge CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "scbridge",
		Short: "Talk to a scbridge synthesis engine",
		Long: `Encode argument trees as OSC and deliver them to a scbridge daemon,
either as UDP datagrams or over the NATS control bus.

Argument trees are JSON arrays: ["/s_new", "sine", 1000, 0.5] is one
message, [["/g_new", 2], ["/s_new", "sine", -1]] is a bundle.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Second, "how long to wait for replies")

	cmd.AddCommand(NewEncodeCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewEngineCommand(opts))
	cmd.AddCommand(NewRepliesCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return cmd
}

// readTree returns the JSON argument tree given as arg, or read from stdin
// when arg is "-".
func readTree(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, errors.New("empty argument tree on stdin")
	}
	return data, nil
}
