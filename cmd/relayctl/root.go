package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/storage"
	"github.com/cory-johannsen/worldrelay/internal/storage/postgres"
)

// opener connects to the store named by the config file at path.
type opener func(ctx context.Context, path string) (storage.Store, func(), error)

func openPostgres(ctx context.Context, path string) (storage.Store, func(), error) {
	dbCfg, err := config.LoadDatabase(path)
	if err != nil {
		return nil, nil, err
	}
	pool, err := postgres.NewPool(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return postgres.NewStore(pool.DB()), pool.Close, nil
}

// app holds the store for the duration of one command.
type app struct {
	open       opener
	configPath string
	store      storage.Store
}

// run opens the store around fn and closes it afterwards, whatever fn returns.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		store, closeFn, err := a.open(ctx, a.configPath)
		if err != nil {
			return err
		}
		defer closeFn()
		a.store = store
		cmd.SetContext(ctx)
		return fn(cmd, args)
	}
}

func newRootCmd(open opener) *cobra.Command {
	a := &app{open: open}
	rootCmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "Administer the world relay's persistent lists",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "configs/dev.yaml", "path to configuration file")

	rootCmd.AddCommand(
		newIdentityCmd("whitelist", "Manage identities allowed to use in-world commands", identityOps{
			add:    func(ctx context.Context, s storage.Store, id string) error { return s.AddWhitelist(ctx, id) },
			remove: func(ctx context.Context, s storage.Store, id string) error { return s.RemoveWhitelist(ctx, id) },
			list:   func(ctx context.Context, s storage.Store) ([]string, error) { return s.ListWhitelist(ctx) },
		}, a),
		newIdentityCmd("ignore", "Manage identities whose chat is never relayed", identityOps{
			add:    func(ctx context.Context, s storage.Store, id string) error { return s.AddIgnored(ctx, id) },
			remove: func(ctx context.Context, s storage.Store, id string) error { return s.RemoveIgnored(ctx, id) },
			list:   func(ctx context.Context, s storage.Store) ([]string, error) { return s.ListIgnored(ctx) },
		}, a),
		newKeywordCmd(a),
		newSeenCmd(a),
		newOwnerCmd(a),
	)
	return rootCmd
}

func newSeenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seen <identity>",
		Short: "Show when a world identity was last seen",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ps, err := a.store.LastSeen(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s has not been seen\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ps.Identity, ps.LastSeenAt.UTC().Format(time.RFC3339))
			return nil
		}),
	}
}

func newOwnerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "owner <channel-id>",
		Short: "Show the recorded owner of a dialog channel",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			rec, err := a.store.DialogOwner(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("dialog %s: %w", args[0], err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\towner=%s\ttarget=%s\n", rec.ChannelID, rec.OwnerID, rec.Target)
			return nil
		}),
	}
}
