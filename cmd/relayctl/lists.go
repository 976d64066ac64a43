package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/worldrelay/internal/storage"
)

type identityOps struct {
	add    func(ctx context.Context, s storage.Store, identity string) error
	remove func(ctx context.Context, s storage.Store, identity string) error
	list   func(ctx context.Context, s storage.Store) ([]string, error)
}

func newIdentityCmd(name, short string, ops identityOps, a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <identity>...",
			Short: "Add identities to the " + name,
			Args:  cobra.MinimumNArgs(1),
			RunE: a.run(func(cmd *cobra.Command, args []string) error {
				for _, id := range args {
					if err := ops.add(cmd.Context(), a.store, id); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", id)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "remove <identity>",
			Short: "Remove an identity from the " + name,
			Args:  cobra.ExactArgs(1),
			RunE: a.run(func(cmd *cobra.Command, args []string) error {
				err := ops.remove(cmd.Context(), a.store, args[0])
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%s is not on the %s", args[0], name)
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the " + name,
			Args:  cobra.NoArgs,
			RunE: a.run(func(cmd *cobra.Command, _ []string) error {
				names, err := ops.list(cmd.Context(), a.store)
				if err != nil {
					return err
				}
				for _, n := range names {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			}),
		},
	)
	return cmd
}

func newKeywordCmd(a *app) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:     "keywords",
		Aliases: []string{"kw"},
		Short:   "Manage keyword subscriptions",
	}
	cmd.PersistentFlags().StringVar(&user, "user", "", "platform user ID")

	requireUser := func(*cobra.Command, []string) error {
		if user == "" {
			return errors.New(`required flag(s) "user" not set`)
		}
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "add <keyword>",
			Short:   "Subscribe a user to a keyword",
			Args:    cobra.ExactArgs(1),
			PreRunE: requireUser,
			RunE: a.run(func(cmd *cobra.Command, args []string) error {
				if err := a.store.AddKeyword(cmd.Context(), user, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s subscribed to %q\n", user, storage.NormalizeKeyword(args[0]))
				return nil
			}),
		},
		&cobra.Command{
			Use:     "remove <keyword>",
			Short:   "Unsubscribe a user from a keyword",
			Args:    cobra.ExactArgs(1),
			PreRunE: requireUser,
			RunE: a.run(func(cmd *cobra.Command, args []string) error {
				err := a.store.RemoveKeyword(cmd.Context(), user, args[0])
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%s is not subscribed to %q", user, args[0])
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List subscriptions, for one user when --user is set",
			Args:  cobra.NoArgs,
			RunE: a.run(func(cmd *cobra.Command, _ []string) error {
				if user != "" {
					words, err := a.store.ListKeywords(cmd.Context(), user)
					if err != nil {
						return err
					}
					for _, w := range words {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", user, w)
					}
					return nil
				}
				subs, err := a.store.AllKeywords(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range subs {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.UserID, s.Keyword)
				}
				return nil
			}),
		},
	)
	return cmd
}
