package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/udisondev/phi/client"
	"github.com/udisondev/phi/p2p"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and protocol versions",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("phi %s (%s/%s)\n", client.ClientVersion, runtime.GOOS, runtime.GOARCH)
		fmt.Printf("protocol %s, signaling %s\n", client.ProtocolVersion, client.SignalingVersion)
		fmt.Printf("encryption %s, key exchange %s\n", p2p.EncryptionSuite, p2p.KeyExchangeMode)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
