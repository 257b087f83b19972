package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/hubenchang0515/todo/internal/app"
	"github.com/hubenchang0515/todo/internal/config"
	"github.com/hubenchang0515/todo/internal/events"
	"github.com/hubenchang0515/todo/internal/logging"
	"github.com/hubenchang0515/todo/internal/store"
	"github.com/hubenchang0515/todo/internal/ui"
)

var (
	v        = viper.New()
	cfg      config.Config
	logger   = zap.NewNop()
	closeLog = func() error { return nil }

	configPath string

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "todo",
	Short: "Local task list with peer-to-peer replication",
	Long: `todo keeps a task list in a local SQLite file.

Tasks move between todo, done and abandoned. A whole list can be
copied from another instance over a relay: one side runs "todo sync
host" and shares its host ID, the other runs "todo sync import <id>".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["config"] == "skip" {
			return nil
		}

		loaded, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		l, closeFn, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		logger, closeLog = l, closeFn

		setupColor(cfg.UI.Color)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = closeLog()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task commands:"},
		&cobra.Group{ID: "sync", Title: "Replication commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().String("db", "", "task database path")
	rootCmd.PersistentFlags().String("log-level", "", "console log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("color", "", "colour output: auto, always or never")

	_ = v.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("ui.color", rootCmd.PersistentFlags().Lookup("color"))
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}

// setupColor applies the ui.color setting to both the card renderer and
// the status lines.
func setupColor(mode string) {
	ui.ConfigureColor(mode, os.Stdout)
	switch mode {
	case "never":
		color.NoColor = true
	case "always":
		color.NoColor = false
	default:
		color.NoColor = os.Getenv("NO_COLOR") != "" || !isTerminal()
	}
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// terminalWidth returns the card width for the current terminal.
func terminalWidth() int {
	if !isTerminal() {
		return ui.DefaultWidth
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 4 {
		return ui.DefaultWidth
	}
	return min(w-2, 100)
}

// openStore opens the configured database and creates the schema.
// When bus is non-nil every mutation is published on it.
func openStore(bus *events.Bus) (*store.Store, error) {
	opts := []store.Option{store.WithLogger(logger.Named("store"))}
	if bus != nil {
		opts = append(opts, store.WithChangeHook(bus.Publish))
	}

	st, err := store.Open(cfg.DB.Path, opts...)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(rootCtx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func newService(st *store.Store) *app.TaskService {
	return app.NewTaskService(st, app.WithLogger(logger.Named("app")))
}

var (
	errorLabel   = color.New(color.FgRed, color.Bold).SprintFunc()
	successLabel = color.New(color.FgGreen).SprintFunc()
	warnLabel    = color.New(color.FgYellow).SprintFunc()
	infoLabel    = color.New(color.FgCyan).SprintFunc()
)

// fatal prints err and exits. Database failures are reported with a
// generic notice; the detail goes to the log.
func fatal(err error) {
	msg := err.Error()
	if errors.Is(err, store.ErrUnavailable) {
		logger.Error("store failure", zap.Error(err))
		msg = "cannot read or write task data"
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", errorLabel("Error:"), msg)
	_ = closeLog()
	os.Exit(1)
}
