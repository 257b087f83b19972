package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hubenchang0515/todo/internal/replication"
	"github.com/hubenchang0515/todo/internal/store"
	"github.com/hubenchang0515/todo/internal/syncctl"
	"github.com/hubenchang0515/todo/internal/transport/relay"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Copy a task list between instances",
	Long: `Copy a whole task list from one instance to another through a relay.

The host shares the ID it gets from the relay. The guest imports with
that ID: its own list is cleared and replaced by the host's tasks, ids
and creation times included.

Example usage:
  todo sync host                     # prints "Host ID: <id>"
  todo sync import <id>              # on the other machine`,
}

var syncHostCmd = &cobra.Command{
	Use:   "host",
	Short: "Serve this task list to importing peers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		st, ctl := openController()
		defer st.Close()
		defer ctl.Close()

		status, err := ctl.Open(rootCtx)
		printStatus(status)
		if err != nil {
			os.Exit(1)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		updates, cancel := ctl.Subscribe()
		defer cancel()

		last := status
		for {
			select {
			case <-rootCtx.Done():
				fmt.Println()
				return
			case update := <-updates:
				if update.Message == last.Message {
					continue
				}
				last = update
				printStatus(update)
				if update.Phase == replication.PhaseFailed {
					_ = ctl.Close()
					os.Exit(1)
				}
			}
		}
	},
}

var syncImportCmd = &cobra.Command{
	Use:   "import <host-id>",
	Short: "Replace this task list with a host's list",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, ctl := openController()
		defer st.Close()
		defer ctl.Close()

		status, err := ctl.Open(rootCtx)
		if err != nil {
			printStatus(status)
			os.Exit(1)
		}

		updates, cancel := ctl.Subscribe()
		defer cancel()

		if err := ctl.StartImport(rootCtx, args[0]); err != nil {
			printStatus(ctl.Status())
			os.Exit(1)
		}

		final, err := awaitImport(rootCtx, updates)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "\nImport interrupted.")
				os.Exit(1)
			}
			fatal(err)
		}
		if final.Level != syncctl.LevelSuccess {
			os.Exit(1)
		}
	},
}

// awaitImport prints import progress until the exchange settles and
// returns the last status.
func awaitImport(ctx context.Context, updates <-chan syncctl.Status) (syncctl.Status, error) {
	var last syncctl.Status
	started, progress := false, false
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case st := <-updates:
			// The outcome is never info level, so it counts even when
			// intermediate snapshots were skipped.
			if st.Phase == replication.PhaseImporting || st.Level != syncctl.LevelInfo {
				started = true
			}
			if started && st.Message != last.Message {
				if st.Level == syncctl.LevelInfo && st.Records > 0 {
					if isTerminal() {
						fmt.Printf("\r%s %s", infoLabel("·"), st.Message)
						progress = true
					}
				} else {
					if progress {
						fmt.Println()
						progress = false
					}
					printStatus(st)
				}
			}
			last = st

			if started && !st.Busy() {
				return st, nil
			}
		}
	}
}

func openController() (*store.Store, *syncctl.Controller) {
	st, err := openStore(nil)
	if err != nil {
		fatal(err)
	}

	factory := relay.Factory(cfg.Sync.Relay, logger.Named("relay"))
	ctl := syncctl.New(st, factory, &syncctl.Config{
		IdentityTimeout: cfg.Sync.IdentityTimeout,
		ExportBatch:     cfg.Sync.ExportBatch,
		Logger:          logger.Named("sync"),
	})
	return st, ctl
}

func printStatus(st syncctl.Status) {
	if st.Message == "" {
		return
	}
	var label string
	switch st.Level {
	case syncctl.LevelSuccess:
		label = successLabel("✓")
	case syncctl.LevelWarning:
		label = warnLabel("!")
	case syncctl.LevelError:
		label = errorLabel("✗")
	default:
		label = infoLabel("·")
	}
	fmt.Printf("%s %s\n", label, st.Message)
}

func init() {
	syncCmd.AddCommand(syncHostCmd, syncImportCmd)
	syncCmd.PersistentFlags().String("relay", "", "relay URL (default: sync.relay from config)")
	_ = v.BindPFlag("sync.relay", syncCmd.PersistentFlags().Lookup("relay"))

	rootCmd.AddCommand(syncCmd)
}
