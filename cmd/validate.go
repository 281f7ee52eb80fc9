package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/weft/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file without starting the node",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("config invalid", err)
		}
		if _, err := config.LoadRoots(cfg.Roots.File); err != nil {
			exitWithError("roots file invalid", err)
		}
		fmt.Printf("%s: OK (%d network(s), %d listener(s))\n", configFile, len(cfg.Networks), len(cfg.Listen))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
