package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/weft/internal/identity"
)

var genidPublicOnly bool

var genidCmd = &cobra.Command{
	Use:   "genid [file]",
	Short: "Generate a node identity",
	Long: `Generate a fresh node identity and print it, or write it to a file.
With --public the private key is omitted, producing the form that goes
into a roots file.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := identity.Generate()
		if err != nil {
			exitWithError("identity generation failed", err)
		}

		out := id.String() + "\n"
		if genidPublicOnly {
			out = fmt.Sprintf("%s:%x\n", id.Address(), id.PublicKey())
		}

		if len(args) == 1 {
			if err := os.WriteFile(args[0], []byte(out), 0600); err != nil {
				exitWithError("failed to write identity file", err)
			}
			fmt.Printf("wrote %s (%s)\n", args[0], id.Address())
			return
		}
		fmt.Print(out)
	},
}

func init() {
	genidCmd.Flags().BoolVar(&genidPublicOnly, "public", false, "emit the public identity only")
	rootCmd.AddCommand(genidCmd)
}
