package cli

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/loqalabs/scbridge/internal/protocol"
)

// BusOptions holds flags shared by the commands that talk over NATS.
type BusOptions struct {
	*RootOptions
	Server string
}

func (o *BusOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Server, "server", nats.DefaultURL, "NATS server URL")
}

func (o *BusOptions) connect() (*nats.Conn, error) {
	conn, err := nats.Connect(o.Server, nats.Name("scbridge-cli"), nats.Timeout(o.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// request sends data on subject and returns the raw response.
func (o *BusOptions) request(subject string, data []byte) ([]byte, error) {
	conn, err := o.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	msg, err := conn.Request(subject, data, o.Timeout)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// requestAck sends data on subject and reports a refused request as an error.
func (o *BusOptions) requestAck(cmd *cobra.Command, subject string, data []byte) error {
	resp, err := o.request(subject, data)
	if err != nil {
		return err
	}
	var ack protocol.Ack
	if err := json.Unmarshal(resp, &ack); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("not accepted: %s", ack.Error)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "accepted")
	return nil
}

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	BusOptions
	Packet bool
	Synth  bool
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{BusOptions: BusOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "publish <tree|->",
		Short: "Send an argument tree over the NATS control bus",
		Long: `Send an argument tree over the NATS control bus and wait for the
daemon's acknowledgement.

By default the JSON tree is sent as is and translated by the daemon. With
--packet it is encoded here and sent as a raw OSC packet. With --synth the
argument is a synth definition name.`,
		Example: `  scbridge publish '["/n_set", 1000, "freq", 440.0]'
  scbridge publish --synth sine`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Packet && opts.Synth {
				return fmt.Errorf("--packet and --synth are mutually exclusive")
			}
			switch {
			case opts.Synth:
				data, err := json.Marshal(protocol.SynthRequest{Name: args[0]})
				if err != nil {
					return err
				}
				return opts.requestAck(cmd, protocol.SubjectSynthNew, data)
			case opts.Packet:
				data, err := encodeArg(cmd, args[0])
				if err != nil {
					return err
				}
				return opts.requestAck(cmd, protocol.SubjectOSCPacket, data)
			default:
				data, err := readTree(cmd, args[0])
				if err != nil {
					return err
				}
				return opts.requestAck(cmd, protocol.SubjectOSCTree, data)
			}
		},
	}

	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.Packet, "packet", false, "encode locally and send raw OSC bytes")
	cmd.Flags().BoolVar(&opts.Synth, "synth", false, "treat the argument as a synth definition name")

	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the engine status reported over the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.request(protocol.SubjectStatus, nil)
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(resp, &pretty); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}

	opts.bind(cmd)
	return cmd
}

// NewEngineCommand creates the engine command with its start and quit
// subcommands.
func NewEngineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Start or quit the synthesis engine",
	}
	for _, sub := range []struct {
		use, short, subject string
	}{
		{"start", "Start the engine", protocol.SubjectEngineStart},
		{"quit", "Quit the engine and wait for it to terminate", protocol.SubjectEngineQuit},
	} {
		opts := &BusOptions{RootOptions: rootOpts}
		subject := sub.subject
		c := &cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.requestAck(cmd, subject, nil)
			},
		}
		opts.bind(c)
		cmd.AddCommand(c)
	}
	return cmd
}
