package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qshield-labs/qkdlink/pkg/protocol"
	"github.com/qshield-labs/qkdlink/pkg/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
			fmt.Printf("protocol %s\n", protocol.Current)
		},
	}
}
