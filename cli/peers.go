package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fileswoosh/node"
)

var peersWait time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list peers found on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		n, err := node.New(node.Options{Config: cfg, Logger: logger})
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		stopNode := runInBackground(ctx, n)

		select {
		case <-ctx.Done():
		case <-time.After(peersWait):
		}
		peers := n.Peers()
		if err := stopNode(); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tHOSTNAME\tUSERNAME\tDISCOVERED\tBUSY")
		for _, peer := range peers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", peer.Address, peer.DisplayName, peer.UserLabel, peer.Discovered, peer.Busy)
		}
		return w.Flush()
	},
}

func init() {
	peersCmd.Flags().DurationVar(&peersWait, "wait", 3*time.Second, "how long to listen for announcements")
}
