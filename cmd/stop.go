package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/weft/internal/command"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Run: func(cmd *cobra.Command, args []string) {
		client := command.NewClient(socketPath)
		var result string
		if err := client.Call("stop", nil, &result); err != nil {
			exitWithError("stop failed", err)
		}
		fmt.Println(result)
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
