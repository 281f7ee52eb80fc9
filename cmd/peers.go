package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/weft/internal/command"
)

var peersRootsOnly bool

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known peers",
	Run: func(cmd *cobra.Command, args []string) {
		client := command.NewClient(socketPath)
		var peers []command.PeerInfo
		params := command.PeersParams{RootsOnly: peersRootsOnly}
		if err := client.Call("peers", map[string]any{"roots_only": params.RootsOnly}, &peers); err != nil {
			exitWithError("peers failed", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tROOT\tDIRECT\tLATENCY\tPATHS")
		for _, p := range peers {
			fmt.Fprintf(w, "%s\t%v\t%v\t%dms\t%d\n", p.Address, p.Root, p.Direct, p.LatencyMS, len(p.Paths))
		}
		w.Flush()
	},
}

func init() {
	peersCmd.Flags().BoolVar(&peersRootsOnly, "roots", false, "only list root peers")
	rootCmd.AddCommand(peersCmd)
}
