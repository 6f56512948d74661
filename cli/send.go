package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"fileswoosh/events"
	"fileswoosh/models"
	"fileswoosh/node"
	"fileswoosh/storage"
)

var sendWait time.Duration

// ErrDeclined is returned when the receiver canceled the transfer.
var ErrDeclined = errors.New("transfer declined by receiver")

var sendCmd = &cobra.Command{
	Use:   "send ADDRESS FILE",
	Short: "send a file to a peer",
	Long:  `send offers FILE to the peer at ADDRESS and streams it once the receiver accepts.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath := storage.CleanFilePath(args[1])
		info, err := os.Stat(filePath)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", filePath)
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		bar := progressbar.DefaultBytes(info.Size(), "sending "+filepath.Base(filePath))
		n, err := node.New(node.Options{
			Config: cfg,
			Logger: logger,
			WrapUpload: func(tx models.Transaction, size int64, r io.Reader) io.Reader {
				return io.TeeReader(r, bar)
			},
		})
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		stopNode := runInBackground(ctx, n)

		sendErr := send(ctx, cmd.OutOrStdout(), n, args[0], filePath, bar)
		if err := stopNode(); err != nil && sendErr == nil {
			sendErr = err
		}
		return sendErr
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 2*time.Minute, "how long to wait for the receiver")
}

func send(ctx context.Context, out io.Writer, n *node.Node, address, filePath string, bar *progressbar.ProgressBar) error {
	// The receiver calls back on /confirm-transaction, so it must be known here.
	peer, err := n.AddPeer("", address)
	if err != nil {
		return err
	}
	if err := n.Connect(ctx, peer.Address); err != nil {
		return fmt.Errorf("peer %s unreachable: %w", peer.Address, err)
	}

	tx, err := n.RequestTransaction(ctx, peer.Address, filePath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "waiting for %s to accept transfer %s\n", peer.Address, tx.ID)

	timeout := time.NewTimer(sendWait)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("no answer from %s after %s", peer.Address, sendWait)
		case event, ok := <-n.Events():
			if !ok {
				return errors.New("node stopped")
			}
			if event.TransactionID != tx.ID || event.Direction != models.Outbound {
				continue
			}
			switch event.Type {
			case events.TransactionConfirmed:
				fmt.Fprintln(out, "accepted")
			case events.TransactionCanceled:
				return ErrDeclined
			case events.TransactionCompleted:
				_ = bar.Finish()
				if event.Err != nil {
					return event.Err
				}
				fmt.Fprintf(out, "\nsent %s\n", filepath.Base(filePath))
				return nil
			}
		}
	}
}
