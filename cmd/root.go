// Package cmd implements CLI commands using the cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft - peer-to-peer virtual Ethernet overlay node",
	Long: `Weft is a peer-to-peer virtual Ethernet overlay. Each node owns a
cryptographically derived address, discovers other nodes through root
servers, punches direct UDP paths where NAT allows, and tunnels Ethernet
frames between members of logical networks.

The daemon is controlled locally over a Unix domain socket; see the
status, peers and stop subcommands.`,
	Version: "0.1.0",
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/weft/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/weft.sock",
		"daemon control socket path")
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
