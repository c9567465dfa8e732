package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

const modulePath = "github.com/mesh-intelligence/decksync"

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0-dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the decksync version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "decksync v%s\nprotocol: %d\nmodule: %s\n", Version, types.ProtocolVersion, modulePath)
			return nil
		},
	}
}
