package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chattomap/ctm/internal/catalog"
	"github.com/chattomap/ctm/internal/pipeline"
)

type listChatsOptions struct {
	dbPath     string
	showCounts bool
	verbose    bool
	limit      int
	filter     string
	json       bool
	noContacts bool
}

func newListChatsCmd(g *globals) *cobra.Command {
	opts := &listChatsOptions{}
	cmd := &cobra.Command{
		Use:   "list-chats",
		Short: "List conversations in the Messages database",
		Long: `Lists every conversation with at least one message, newest first.
The number before each name is the id to pass to "ctm export --chat-ids".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListChats(cmd, g, opts)
		},
	}
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "path to chat.db (default ~/Library/Messages/chat.db)")
	cmd.Flags().BoolVar(&opts.showCounts, "show-counts", false, "show message counts")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "show identifiers, services and participant counts")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "show at most N conversations (0 = all)")
	cmd.Flags().StringVarP(&opts.filter, "filter", "f", "", "only conversations whose name or identifier contains this text")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print JSON")
	cmd.Flags().BoolVar(&opts.noContacts, "no-contacts", false, "do not resolve contact names")
	return cmd
}

func runListChats(cmd *cobra.Command, g *globals, opts *listChatsOptions) error {
	e, err := g.open()
	if err != nil {
		return err
	}
	defer e.close()

	convs, err := e.newPipeline(pipeline.Options{}).ListConversations(cmd.Context(), opts.dbPath, opts.noContacts)
	if err != nil {
		return classified(err)
	}
	convs = catalog.Limit(catalog.Filter(convs, opts.filter), opts.limit)

	out := cmd.OutOrStdout()
	if opts.json {
		return writeJSON(out, convs)
	}
	printConversations(out, convs, opts)
	return nil
}

func printConversations(w io.Writer, convs []catalog.Conversation, opts *listChatsOptions) {
	fmt.Fprintf(w, "Found %d chats\n\n", len(convs))
	for _, c := range convs {
		name := terminalSafe(c.DisplayName)
		resolved := ""
		if c.DisplayName != c.Identifier {
			resolved = " *"
		}
		if opts.verbose {
			fmt.Fprintf(w, "%5d. %s%s\n       ID: %s | Service: %s | Participants: %d | Messages: %d\n\n",
				c.ID, name, resolved, terminalSafe(c.Identifier), c.Service, c.ParticipantCount, c.MessageCount)
			continue
		}
		if opts.showCounts {
			fmt.Fprintf(w, "%5d. %s%s (%s) - %d messages\n", c.ID, name, resolved, c.Service, c.MessageCount)
			continue
		}
		fmt.Fprintf(w, "%5d. %s%s (%s)\n", c.ID, name, resolved, c.Service)
	}
	if !opts.verbose {
		fmt.Fprintln(w, "\n(* = contact name resolved)")
		fmt.Fprintln(w, "Use --verbose for more details, --json for JSON output")
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
