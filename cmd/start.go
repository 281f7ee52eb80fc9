package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"firestige.xyz/weft/internal/config"
	"firestige.xyz/weft/internal/daemon"
)

var envFile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the weft node",
	Long: `Start the weft node in the foreground.

Examples:
  weft start                      # start with the default config
  weft start -c /etc/weft/config.yml
  weft start --env-file .env      # load environment overrides first`,
	Run: func(cmd *cobra.Command, args []string) {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				exitWithError("failed to load env file", err)
			}
		}

		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if socketPath != "" {
			cfg.Control.Socket = socketPath
		}

		d, err := daemon.New(cfg)
		if err != nil {
			exitWithError("failed to initialise daemon", err)
		}
		if err := d.Run(); err != nil {
			exitWithError("daemon failed", err)
		}
	},
}

func init() {
	startCmd.Flags().StringVar(&envFile, "env-file", "", "optional .env file with WEFT_* overrides")
	rootCmd.AddCommand(startCmd)
}
