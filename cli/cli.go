package cli

import (
	"github.com/spf13/cobra"

	"github.com/valmesh/valmesh/cli/node"
)

func Start() error {
	return NewCommand().Execute()
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "valmesh [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Valmesh maintains a validator node's view of its peer-to-peer overlay.

Each node gossips its peer directory with the peers it is connected to,
dials configured seed peers to join the overlay, and re-derives its
trusted peer set whenever the validator committee changes at an epoch
boundary.

Start a node with:

  $ valmesh node

Bootstrap off existing peers with:

  $ valmesh node --p2p.seed-peers /dns/seed1.valmesh.io/tcp/9090
`,
	}

	cmd.AddCommand(node.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}
