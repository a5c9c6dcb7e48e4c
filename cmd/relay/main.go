package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/pindrop/internal/logger"
	"github.com/rudransh-shrivastava/pindrop/internal/relay"
)

func main() {
	log := logger.NewLogger()

	var (
		addr          string
		sweepInterval time.Duration
		maxRoomAge    time.Duration
	)

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Signaling relay that pairs peers into PIN rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := relay.NewServer(relay.Config{
				Addr:          addr,
				RoomMaxAge:    maxRoomAge,
				SweepInterval: sweepInterval,
				Logger:        log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}

	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	rootCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Hour, "how often to sweep expired rooms")
	rootCmd.Flags().DurationVar(&maxRoomAge, "max-room-age", 24*time.Hour, "room lifetime before it is swept")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
