package cli

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/scbridge/internal/osc"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Addr    string
	Replies int
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "send <tree|->",
		Short:   "Send an argument tree to the OSC UDP port and print replies",
		Example: `  scbridge send --addr 127.0.0.1:57120 '["/status"]'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := encodeArg(cmd, args[0])
			if err != nil {
				return err
			}
			return sendUDP(cmd, opts, data)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:57120", "OSC UDP address")
	cmd.Flags().IntVar(&opts.Replies, "replies", 1, "number of replies to wait for (0 to not wait)")

	return cmd
}

func sendUDP(cmd *cobra.Command, opts *SendOptions, data []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", opts.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", opts.Addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.Addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	buf := make([]byte, 65536)
	for i := 0; i < opts.Replies; i++ {
		if err := conn.SetReadDeadline(time.Now().Add(opts.Timeout)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("no reply within %s", opts.Timeout)
			}
			return fmt.Errorf("read reply: %w", err)
		}
		printPacket(cmd, buf[:n])
	}
	return nil
}

func printPacket(cmd *cobra.Command, data []byte) {
	pkt, err := osc.ParsePacket(data)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "unparseable reply (%d bytes): %v\n", len(data), err)
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), pkt)
}
