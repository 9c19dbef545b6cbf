package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "ctm",
		Short:         "ChatToMap: export iMessage conversations for processing",
		Long:          "ctm reads the local Messages database, packages selected conversations into an archive and uploads it to ChatToMap.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ~/.ctm/config.toml)")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "also write logs to stderr")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newListChatsCmd(g))
	cmd.AddCommand(newExportCmd(g))
	cmd.AddCommand(newContactsCmd(g))
	cmd.AddCommand(newCheckAccessCmd(g))
	cmd.AddCommand(newHistoryCmd(g))
	cmd.AddCommand(newInspectCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ctm %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		printError(cmd.ErrOrStderr(), err)
		return 1
	}
	return 0
}

func printError(w io.Writer, err error) {
	var ce *classifiedError
	if errors.As(err, &ce) {
		fmt.Fprintln(w, ce.Error())
		if ce.hint != "" {
			fmt.Fprintf(w, "hint: %s\n", ce.hint)
		}
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

func main() {
	os.Exit(execute(newRootCmd()))
}
