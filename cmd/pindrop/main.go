package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/pindrop/internal/app"
	"github.com/rudransh-shrivastava/pindrop/internal/logger"
	"github.com/rudransh-shrivastava/pindrop/internal/store"
	"github.com/rudransh-shrivastava/pindrop/internal/transfer"
)

var (
	relayURL    string
	downloadDir string
	historyPath string
)

func main() {
	log := logger.NewLogger()

	rootCmd := &cobra.Command{
		Use:   "pindrop",
		Short: "Peer-to-peer file sharing over a PIN-paired data channel",
	}
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "ws://localhost:8080/ws", "relay websocket URL")
	rootCmd.PersistentFlags().StringVar(&downloadDir, "dir", ".", "directory for received files")
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", defaultHistoryPath(), "transfer history database (empty to disable)")

	rootCmd.AddCommand(shareCmd(log), joinCmd(log), historyCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pindrop", "history.db")
}

func ensureHistoryDir() {
	if historyPath != "" {
		_ = os.MkdirAll(filepath.Dir(historyPath), 0o755)
	}
}

func shareCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "share <file>...",
		Short: "Create a room and send files to whoever joins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ensureHistoryDir()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bars := newBarSet()
			roomReady := make(chan string, 1)

			a, err := app.New(app.Options{
				RelayURL:    relayURL,
				DownloadDir: downloadDir,
				HistoryPath: historyPath,
				Logger:      log,
				Events: app.Events{
					OnRoomCreated: func(pin string) { roomReady <- pin },
					OnPeerConnected: func(peerID string) {
						fmt.Println("peer connected, sending...")
					},
					OnProgress: bars.update,
					OnDelivered: func(fileName string) {
						fmt.Printf("%s delivered\n", fileName)
					},
					OnTransferFailed: func(fileName string, err error) {
						fmt.Printf("%s failed: %v\n", fileName, err)
					},
					OnServerError: func(msg string) {
						fmt.Printf("relay error: %s\n", msg)
					},
				},
			})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.Start(ctx); err != nil {
				return err
			}
			if err := a.CreateRoom(); err != nil {
				return err
			}

			select {
			case pin := <-roomReady:
				fmt.Printf("room ready, share this PIN: %s\n", pin)
			case <-ctx.Done():
				return nil
			}

			for _, path := range args {
				if err := a.ShareFile(path); err != nil {
					return err
				}
			}

			<-ctx.Done()
			return nil
		},
	}
}

func joinCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "join <pin>",
		Short: "Join a room by PIN and receive files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ensureHistoryDir()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bars := newBarSet()

			a, err := app.New(app.Options{
				RelayURL:    relayURL,
				DownloadDir: downloadDir,
				HistoryPath: historyPath,
				Logger:      log,
				Events: app.Events{
					OnRoomJoined: func(pin string) {
						fmt.Printf("joined room %s, waiting for files\n", pin)
					},
					OnFileAvailable: func(fileName string, fileSize int64) {
						fmt.Printf("incoming: %s (%d bytes)\n", fileName, fileSize)
					},
					OnProgress: bars.update,
					OnFileSaved: func(path string, f transfer.ReceivedFile) {
						fmt.Printf("saved %s\n", path)
					},
					OnTransferFailed: func(fileName string, err error) {
						fmt.Printf("%s failed: %v\n", fileName, err)
					},
					OnServerError: func(msg string) {
						fmt.Printf("relay error: %s\n", msg)
					},
				},
			})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.Start(ctx); err != nil {
				return err
			}
			if err := a.JoinRoom(args[0]); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if historyPath == "" {
				return fmt.Errorf("history is disabled")
			}
			st, err := store.NewStore(historyPath)
			if err != nil {
				return err
			}
			records, err := st.List(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no transfers yet")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %-9s %-10s %10d B  %s\n",
					r.FinishedAt.Format("2006-01-02 15:04:05"),
					r.Direction, r.Status, r.FileSize, r.FileName)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show (0 for all)")
	return cmd
}

// barSet renders one progress bar per in-flight transfer.
type barSet struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newBarSet() *barSet {
	return &barSet{bars: make(map[string]*progressbar.ProgressBar)}
}

func (b *barSet) update(p transfer.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bar, ok := b.bars[p.FileID]
	if !ok {
		bar = progressbar.DefaultBytes(p.TotalBytes, p.FileName)
		b.bars[p.FileID] = bar
	}
	_ = bar.Set64(p.Bytes)

	if p.Completed {
		_ = bar.Finish()
		delete(b.bars, p.FileID)
	}
}
