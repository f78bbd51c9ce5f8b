package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/udisondev/phi/config"
)

var (
	configPath  string
	serverURL   string
	stunServers string
	turnOnly    bool
	keepalive   bool
	logDir      string
)

var rootCmd = &cobra.Command{
	Use:   "phi",
	Short: "phi - P2P encrypted rooms over WebRTC",
	Long: `phi connects to a CloudLink signaling server, creates or joins rooms and
exchanges end-to-end encrypted messages with other peers over WebRTC data channels.

By default, running 'phi' starts the interactive console.
Use 'phi rooms' to list open rooms without starting the console.`,
	Run: runConsole,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $PHI_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Signaling server URL")
	rootCmd.PersistentFlags().StringVar(&stunServers, "stun-servers", "", "Comma separated STUN servers")
	rootCmd.PersistentFlags().BoolVar(&turnOnly, "turn-only", false, "Use only TURN relay candidates")

	rootCmd.Flags().BoolVarP(&keepalive, "keepalive", "k", false, "Send keepalive pings to the server")
	rootCmd.Flags().StringVarP(&logDir, "logdir", "l", "", "Log directory (default: ~/.phi/logs)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig читает конфигурацию и применяет флаги поверх нее.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if serverURL != "" {
		cfg.Server = serverURL
	}
	if stunServers != "" {
		cfg.STUN = config.SplitList(stunServers)
	}
	if cmd.Flags().Changed("turn-only") {
		cfg.TURNOnly = turnOnly
	}
	if cmd.Flags().Changed("keepalive") {
		cfg.Keepalive = keepalive
	}
	return cfg, cfg.Validate()
}

func exitWithError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "❌ %s: %v\n", msg, err)
	os.Exit(1)
}
