package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chattomap/ctm/internal/export"
)

func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <archive.zip>",
		Short: "Summarize an export archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := export.Inspect(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, c.Manifest)
			}

			m := c.Manifest
			fmt.Fprintf(out, "Format:      %s (%s)\n", m.FormatVersion, m.Source)
			fmt.Fprintf(out, "Exported:    %s\n", m.ExportDate)
			fmt.Fprintf(out, "Messages:    %d in %d conversations\n", m.TotalMessages, m.ChatCount)
			fmt.Fprintf(out, "Attachments: %d included, %d missing\n\n", len(c.Attachments), m.MissingAttachments)

			chats := append([]export.ManifestChat(nil), m.Chats...)
			sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMESSAGES\tFILE")
			for _, ch := range chats {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", ch.ID, terminalSafe(ch.Name), ch.MessageCount, ch.File)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the manifest as JSON")
	return cmd
}
