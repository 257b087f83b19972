package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/hubenchang0515/todo/internal/events"
	"github.com/hubenchang0515/todo/internal/pager"
	"github.com/hubenchang0515/todo/internal/task"
	"github.com/hubenchang0515/todo/internal/ui"
	"github.com/hubenchang0515/todo/internal/watch"
)

// pageDoc is the machine-readable form of a page.
type pageDoc struct {
	Status string      `json:"status" yaml:"status"`
	Page   int         `json:"page" yaml:"page"`
	Pages  int         `json:"pages" yaml:"pages"`
	Tasks  []task.Wire `json:"tasks" yaml:"tasks"`
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "Show a page of tasks",
	Long: `Show one page of tasks with the given status, oldest first.

Pages are numbered from 1; a page past the end shows the last page.
With --follow the page is redrawn whenever the database changes, also
when another process (an import, another shell) writes to it.

Example usage:
  todo list
  todo list -s done -p 2
  todo list -o json
  todo list --follow`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		statusFlag, _ := cmd.Flags().GetString("status")
		page, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")
		follow, _ := cmd.Flags().GetBool("follow")
		output, _ := cmd.Flags().GetString("output")

		status, err := task.ParseStatus(statusFlag)
		if err != nil {
			fatal(err)
		}
		if page < 1 {
			fatal(fmt.Errorf("invalid page %d (pages start at 1)", page))
		}
		if size <= 0 {
			size = cfg.Pager.Size
		}
		render, err := renderer(output)
		if err != nil {
			fatal(err)
		}

		var bus *events.Bus
		if follow {
			bus = events.NewBus()
			defer bus.Close()
		}
		st, err := openStore(bus)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		view := pager.NewView(st, size, pager.WithLogger(logger.Named("pager")))
		if err := view.SetStatus(status); err != nil {
			fatal(err)
		}
		if err := view.SetPage(rootCtx, page-1); err != nil {
			fatal(err)
		}

		p, err := view.Current(rootCtx)
		if err != nil {
			fatal(err)
		}
		if !follow {
			if err := render(os.Stdout, p); err != nil {
				fatal(err)
			}
			return
		}

		if err := followView(rootCtx, st.Path(), bus, view, p, render); err != nil {
			fatal(err)
		}
	},
}

// followView redraws p on every change until ctx ends.
func followView(ctx context.Context, dbPath string, bus *events.Bus, view *pager.View, p *pager.Page, render func(io.Writer, *pager.Page) error) error {
	w, err := watch.New(dbPath, bus.Publish, watch.WithLogger(logger.Named("watch")))
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	sub := bus.Subscribe()
	defer sub.Close()

	redraw := func(p *pager.Page) error {
		if isTerminal() {
			fmt.Print("\033[H\033[2J")
		}
		return render(os.Stdout, p)
	}
	if err := redraw(p); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return view.Watch(gctx, sub, func(p *pager.Page, err error) {
			if err != nil {
				logger.Warn("refresh failed", zap.Error(err))
				fmt.Fprintf(os.Stderr, "%s cannot read task data\n", warnLabel("Warning:"))
				return
			}
			if err := redraw(p); err != nil {
				logger.Warn("render failed", zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-w.Errors():
				if !ok {
					return nil
				}
				logger.Warn("watcher error", zap.Error(err))
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func renderer(output string) (func(io.Writer, *pager.Page) error, error) {
	switch output {
	case "", "text":
		return func(w io.Writer, p *pager.Page) error {
			_, err := fmt.Fprintln(w, ui.Page(p, terminalWidth()))
			return err
		}, nil
	case "json":
		return func(w io.Writer, p *pager.Page) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(newPageDoc(p))
		}, nil
	case "yaml":
		return func(w io.Writer, p *pager.Page) error {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(newPageDoc(p)); err != nil {
				return err
			}
			return enc.Close()
		}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want text, json or yaml)", output)
}

func newPageDoc(p *pager.Page) pageDoc {
	doc := pageDoc{
		Status: p.Status.String(),
		Page:   p.Number + 1,
		Pages:  p.Count,
		Tasks:  make([]task.Wire, 0, len(p.Tasks)),
	}
	for _, t := range p.Tasks {
		doc.Tasks = append(doc.Tasks, task.ToWire(t))
	}
	return doc
}

func init() {
	listCmd.Flags().StringP("status", "s", "todo", "status to show: todo, done or abandoned")
	listCmd.Flags().IntP("page", "p", 1, "page number, starting at 1")
	listCmd.Flags().Int("size", 0, "tasks per page (default: pager.size from config)")
	listCmd.Flags().BoolP("follow", "f", false, "redraw when tasks change")
	listCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(listCmd)
}
