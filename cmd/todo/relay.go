package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hubenchang0515/todo/internal/transport/relay"
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "advanced",
	Short:   "Run the rendezvous relay that pairs sync peers",
	Long: `Start a WebSocket relay that hands out peer IDs and pipes a guest's
connection to the host it names.

Endpoints:
  GET /peer            control socket, receives the peer ID
  GET /connect         guest data socket (?from=&to=)
  GET /accept          host data socket (?conn=)
  GET /health          health check

Example usage:
  todo relay                      # listen on relay.listen (:8787)
  todo relay --listen :9000`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		server := relay.NewServer(&relay.Config{
			Addr:        cfg.Relay.Listen,
			PairTimeout: cfg.Relay.PairTimeout,
			Logger:      logger.Named("relay"),
		})

		if err := server.Start(); err != nil {
			fatal(fmt.Errorf("failed to start relay: %w", err))
		}

		fmt.Printf("Relay listening on %s\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-rootCtx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "%s during shutdown: %v\n", errorLabel("Error"), err)
			os.Exit(1)
		}
		fmt.Println("Relay stopped")
	},
}

func init() {
	relayCmd.Flags().String("listen", "", "address to listen on (default: relay.listen from config)")
	relayCmd.Flags().Duration("pair-timeout", 0, "how long a guest waits for the host (default: relay.pair-timeout)")
	_ = v.BindPFlag("relay.listen", relayCmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("relay.pair-timeout", relayCmd.Flags().Lookup("pair-timeout"))

	rootCmd.AddCommand(relayCmd)
}
