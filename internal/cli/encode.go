package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/scbridge/internal/argtree"
	"github.com/loqalabs/scbridge/internal/osc"
)

// EncodeOptions holds flags for the encode command.
type EncodeOptions struct {
	*RootOptions
	Raw bool
}

// NewEncodeCommand creates the encode command.
func NewEncodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EncodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "encode <tree|->",
		Short: "Encode an argument tree and print the OSC bytes",
		Example: `  scbridge encode '["/s_new", "sine", 1000, 0.5]'
  echo '[["/g_new", 2], ["/n_free", 1000]]' | scbridge encode -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := encodeArg(cmd, args[0])
			if err != nil {
				return err
			}
			if opts.Raw {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), osc.WordDump(data))
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "write the binary packet instead of a word dump")

	return cmd
}

func encodeArg(cmd *cobra.Command, arg string) ([]byte, error) {
	raw, err := readTree(cmd, arg)
	if err != nil {
		return nil, err
	}
	list, err := argtree.ParseJSON(raw)
	if err != nil {
		return nil, err
	}
	data, err := argtree.Encode(list)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("argument tree encodes to an empty packet")
	}
	return data, nil
}
