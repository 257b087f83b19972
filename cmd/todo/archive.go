package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hubenchang0515/todo/internal/archive"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "advanced",
	Short:   "Write every task to a JSONL or YAML file",
	Long: `Write every task, ids and creation times included, to a file.
The format follows the extension: .jsonl/.ndjson/.json or .yaml/.yml.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore(nil)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		n, err := archive.Export(rootCtx, args[0], st)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %d tasks to %s\n", successLabel("Exported"), n, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Replace every task with the contents of an export file",
	Long: `Replace the whole task list with the tasks of an export file.

The file is parsed and checked first; on any error the current list is
left untouched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore(nil)
		if err != nil {
			fatal(err)
		}
		defer st.Close()

		n, err := archive.Import(rootCtx, args[0], st)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %d tasks from %s\n", successLabel("Imported"), n, args[0])
	},
}

func init() {
	rootCmd.AddCommand(exportCmd, importCmd)
}
