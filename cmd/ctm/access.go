package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chattomap/ctm/internal/chatdb"
	"github.com/chattomap/ctm/internal/pipeline"
)

func newCheckAccessCmd(g *globals) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "check-access",
		Short: "Check that the Messages database can be read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckAccess(cmd, g, dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to chat.db (default ~/Library/Messages/chat.db)")
	return cmd
}

func runCheckAccess(cmd *cobra.Command, g *globals, dbPath string) error {
	e, err := g.open()
	if err != nil {
		return err
	}
	defer e.close()

	out := cmd.OutOrStdout()
	path, err := e.newPipeline(pipeline.Options{}).CheckAccess(cmd.Context(), dbPath)
	fmt.Fprintf(out, "iMessage database: %s\n", path)
	if err == nil {
		fmt.Fprintln(out, "Status: Full Disk Access GRANTED")
		fmt.Fprintln(out, "The CLI can read the iMessage database.")
		return nil
	}

	class, _ := pipeline.Classify(err)
	switch class {
	case pipeline.ClassAccess:
		if errors.Is(err, chatdb.ErrNotFound) {
			fmt.Fprintln(out, "Status: Database file not found")
			fmt.Fprintln(out, "This may be a non-macOS system or Messages has never been used.")
			break
		}
		fmt.Fprintln(out, "Status: Full Disk Access DENIED")
		fmt.Fprintln(out, "\nTo grant access:")
		fmt.Fprintln(out, "1. Open System Settings > Privacy & Security > Full Disk Access")
		fmt.Fprintln(out, "2. Add your terminal application (Terminal, iTerm2, etc.)")
		fmt.Fprintln(out, `3. Restart the terminal and run "ctm check-access" again`)
		return &classifiedError{class: class, msg: err.Error()}
	case pipeline.ClassSchema:
		fmt.Fprintln(out, "Status: readable, but not a supported Messages database")
	default:
		fmt.Fprintln(out, "Status: unreadable")
	}
	return classified(err)
}
