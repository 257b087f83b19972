package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hubenchang0515/todo/internal/task"
	"github.com/hubenchang0515/todo/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [title]",
	GroupID: "tasks",
	Short:   "Create a task",
	Long: `Create a new todo task.

Without a title on a terminal, an interactive form is opened.

Example usage:
  todo add "Water the plants" -r 4
  todo add                        # open the form`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		d := task.NewDraft()
		d.Description, _ = cmd.Flags().GetString("description")
		d.Rating, _ = cmd.Flags().GetInt("rating")
		if len(args) == 1 {
			d.Title = args[0]
		}

		if d.Title == "" {
			if !isTerminal() {
				fatal(task.ErrEmptyTitle)
			}
			edited, err := ui.EditDraft("New task", d)
			if err != nil {
				exitOnCancel(err)
			}
			d = edited
		}

		st, err := openStore(nil)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		t, err := newService(st).Create(rootCtx, d)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s task #%d: %s\n", successLabel("Created"), t.ID, t.Title)
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "tasks",
	Short:   "Edit a task's title, description or rating",
	Long: `Edit a task. Status and creation time are kept.

Flags replace single fields; without flags on a terminal the form is
opened on the current values.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0])

		st, err := openStore(nil)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		current, err := st.Get(rootCtx, id)
		if err != nil {
			fatal(err)
		}

		d := current.Draft()
		flags := cmd.Flags()
		if flags.Changed("title") {
			d.Title, _ = flags.GetString("title")
		}
		if flags.Changed("description") {
			d.Description, _ = flags.GetString("description")
		}
		if flags.Changed("rating") {
			d.Rating, _ = flags.GetInt("rating")
		}

		if !flags.Changed("title") && !flags.Changed("description") && !flags.Changed("rating") {
			if !isTerminal() {
				fatal(errors.New("nothing to change (use --title, --description or --rating)"))
			}
			d, err = ui.EditDraft(fmt.Sprintf("Edit task #%d", id), d)
			if err != nil {
				exitOnCancel(err)
			}
		}

		t, err := newService(st).Edit(rootCtx, id, d)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s task #%d: %s\n", successLabel("Updated"), t.ID, t.Title)
	},
}

// statusCmd builds one of the done / redo / abandon commands.
func statusCmd(use, short string, to task.Status, verb string) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <id>...",
		GroupID: "tasks",
		Short:   short,
		Args:    cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st, err := openStore(nil)
			if err != nil {
				fatal(err)
			}
			defer st.Close()

			svc := newService(st)
			for _, arg := range args {
				t, err := svc.SetStatus(rootCtx, parseID(arg), to)
				if err != nil {
					fatal(err)
				}
				fmt.Printf("%s task #%d: %s\n", successLabel(verb), t.ID, t.Title)
			}
		},
	}
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>...",
	GroupID: "tasks",
	Short:   "Abandon a todo task, or delete a done or abandoned one",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore(nil)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		svc := newService(st)
		for _, arg := range args {
			id := parseID(arg)
			deleted, err := svc.Discard(rootCtx, id)
			if err != nil {
				fatal(err)
			}
			if deleted {
				fmt.Printf("%s task #%d\n", successLabel("Deleted"), id)
			} else {
				fmt.Printf("%s task #%d\n", warnLabel("Abandoned"), id)
			}
		}
	},
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatal(fmt.Errorf("invalid task id %q", s))
	}
	return id
}

func exitOnCancel(err error) {
	if errors.Is(err, ui.ErrCanceled) {
		fmt.Fprintln(os.Stderr, "Canceled.")
		_ = closeLog()
		os.Exit(1)
	}
	fatal(err)
}

func init() {
	addCmd.Flags().StringP("description", "d", "", "task description")
	addCmd.Flags().IntP("rating", "r", task.DefaultRating, "rating from 1 to 5")

	editCmd.Flags().StringP("title", "t", "", "new title")
	editCmd.Flags().StringP("description", "d", "", "new description")
	editCmd.Flags().IntP("rating", "r", task.DefaultRating, "new rating from 1 to 5")

	rootCmd.AddCommand(addCmd, editCmd, deleteCmd)
	rootCmd.AddCommand(
		statusCmd("done", "Mark tasks done", task.StatusDone, "Done"),
		statusCmd("redo", "Move done or abandoned tasks back to todo", task.StatusTodo, "Reopened"),
		statusCmd("abandon", "Give up on tasks", task.StatusAbandoned, "Abandoned"),
	)
}
