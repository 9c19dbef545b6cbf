package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chattomap/ctm/internal/contacts"
	"github.com/chattomap/ctm/internal/pipeline"
	"github.com/chattomap/ctm/internal/workspace"
)

func newContactsCmd(g *globals) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Show the contact names used to label conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContacts(cmd, g, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every resolved name")
	cmd.AddCommand(newContactsAddCmd(g))
	return cmd
}

func runContacts(cmd *cobra.Command, g *globals, verbose bool) error {
	e, err := g.open()
	if err != nil {
		return err
	}
	defer e.close()

	r := e.newPipeline(pipeline.Options{}).Contacts(cmd.Context())
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Contacts index: %d entries\n", r.Len())
	sources := r.Sources()
	if len(sources) == 0 {
		fmt.Fprintln(out, "No contact sources found. Names will show as phone numbers and emails.")
		fmt.Fprintln(out, `Add names with "ctm contacts add --name NAME --phone NUMBER".`)
		return nil
	}
	fmt.Fprintln(out, "Sources:")
	for _, s := range sources {
		fmt.Fprintf(out, "  %s\n", s)
	}
	if verbose {
		fmt.Fprintln(out, "\nNames:")
		for _, n := range r.Names() {
			fmt.Fprintf(out, "  %s\n", terminalSafe(n))
		}
	}
	return nil
}

func newContactsAddCmd(g *globals) *cobra.Command {
	var card contacts.Card
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Save a contact card that overrides address book names",
		Example: "  ctm contacts add --name \"Ana Silva\" --phone \"+351 912 345 678\"\n" +
			"  ctm contacts add --name Bruno --email bruno@example.com",
		RunE: func(cmd *cobra.Command, args []string) error {
			if card.Name == "" {
				return errors.New("--name is required")
			}
			cfg, err := g.config()
			if err != nil {
				return err
			}
			path, err := contacts.SaveCard(workspace.ResolveContactsDir(cfg), card)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&card.Name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&card.PhoneNumbers, "phone", nil, "phone number (repeatable)")
	cmd.Flags().StringSliceVar(&card.Emails, "email", nil, "email address (repeatable)")
	return cmd
}
