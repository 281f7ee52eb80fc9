package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/weft/internal/command"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Run: func(cmd *cobra.Command, args []string) {
		client := command.NewClient(socketPath)
		var st command.StatusResult
		if err := client.Call("status", nil, &st); err != nil {
			exitWithError("status failed", err)
		}
		out, _ := json.MarshalIndent(st, "", "  ")
		fmt.Fprintln(os.Stdout, string(out))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
