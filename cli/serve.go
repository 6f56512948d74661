package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fileswoosh/events"
	"fileswoosh/node"
)

var (
	serveAccept     bool
	serveSaveFolder string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "stay discoverable and receive files",
	Long:  `serve announces this host on the local network and prints incoming transfer requests. With --accept every request is confirmed automatically.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if serveSaveFolder != "" {
			cfg.SaveFolder = serveSaveFolder
		}

		n, err := node.New(node.Options{Config: cfg, Logger: logger})
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Hostname:     %s\n", cfg.Hostname)
		fmt.Fprintf(out, "Username:     %s\n", cfg.Username)
		fmt.Fprintf(out, "Port:         %d\n", cfg.Port)
		fmt.Fprintf(out, "Fingerprint:  %s\n", n.Fingerprint())
		fmt.Fprintf(out, "Save folder:  %s\n", cfg.SaveFolder)

		go watchPeers(ctx, out, n)
		go handleEvents(ctx, out, n, serveAccept, logger)
		return n.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveAccept, "accept", false, "confirm every transfer request automatically")
	serveCmd.Flags().StringVar(&serveSaveFolder, "save-folder", "", "folder received files are written to")
}

func handleEvents(ctx context.Context, out io.Writer, n *node.Node, accept bool, logger *zap.Logger) {
	for event := range n.Events() {
		switch event.Type {
		case events.TransactionRequested:
			fmt.Fprintf(out, "%s (%s, %s) wants to send %q [%s]\n",
				event.Hostname, event.Username, event.Address, event.FileName, event.TransactionID)
			if !accept {
				continue
			}
			go func(id string) {
				if _, err := n.ConfirmTransaction(ctx, id, ""); err != nil {
					logger.Warn("confirm failed", zap.String("transaction_id", id), zap.Error(err))
				}
			}(event.TransactionID)
		case events.TransactionCompleted:
			if event.Err != nil {
				fmt.Fprintf(out, "transfer %s finished with error: %v\n", event.TransactionID, event.Err)
			} else if event.SavedPath != "" {
				fmt.Fprintf(out, "received %s\n", event.SavedPath)
			}
		case events.TransactionCanceled:
			fmt.Fprintf(out, "transfer %s canceled\n", event.TransactionID)
		}
	}
}

func watchPeers(ctx context.Context, out io.Writer, n *node.Node) {
	known := 0
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-n.PeersChanged():
			if !ok {
				return
			}
			if count := len(n.Peers()); count != known {
				known = count
				fmt.Fprintf(out, "%d peer(s) known\n", count)
			}
		}
	}
}
