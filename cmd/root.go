package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X .../cmd.version=x.y.z"
var version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "callmesh",
	Short:   "Mesh audio/video calls over a peer-to-peer signaling bus",
	Long:    `Callmesh establishes a full mesh of direct WebRTC media connections between the participants of a room, negotiating offers, answers and ICE candidates over a GossipSub broadcast channel with presence tracking. No central negotiation server is involved.`,
	Version: version,
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
