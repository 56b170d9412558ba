package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/neuroscan/internal/apikey"
	"github.com/kiranshivaraju/neuroscan/internal/store"
	"github.com/kiranshivaraju/neuroscan/pkg/models"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := store.RunMigrations(a.databaseURL, a.migrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := store.RollbackMigrations(a.databaseURL, a.migrationsDir, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d step(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, dirty, err := store.MigrationVersion(a.databaseURL, a.migrationsDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func newOwnersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owners",
		Short: "Manage owners",
	}

	var adminKey bool
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := a.openStore(cmd.Context(), a.databaseURL)
			if err != nil {
				return err
			}
			defer closeFn()

			now := time.Now().UTC()
			owner := &models.Owner{ID: uuid.New(), Name: args[0], CreatedAt: now, UpdatedAt: now}
			if err := st.CreateOwner(cmd.Context(), owner); err != nil {
				return fmt.Errorf("creating owner: %w", err)
			}

			out := map[string]any{"owner": owner}
			if adminKey {
				key, raw, err := apikey.Generate(owner.ID, "bootstrap", []string{apikey.ScopeScans, apikey.ScopeAdmin})
				if err != nil {
					return err
				}
				if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
					return fmt.Errorf("creating key: %w", err)
				}
				out["api_key"] = raw
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	create.Flags().BoolVar(&adminKey, "with-admin-key", false, "also mint an admin-scoped API key")

	list := &cobra.Command{
		Use:   "list",
		Short: "List owners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeFn, err := a.openStore(cmd.Context(), a.databaseURL)
			if err != nil {
				return err
			}
			defer closeFn()

			owners, err := st.ListOwners(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCREATED")
			for _, o := range owners {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", o.ID, o.Name, o.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newKeysCmd(a *app) *cobra.Command {
	var ownerFlag string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys directly in the database",
	}
	cmd.PersistentFlags().StringVar(&ownerFlag, "owner", "", "owner ID")
	cmd.MarkPersistentFlagRequired("owner")

	var name string
	var scopes []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ownerID, err := uuid.Parse(ownerFlag)
			if err != nil {
				return fmt.Errorf("--owner: %w", err)
			}
			st, closeFn, err := a.openStore(cmd.Context(), a.databaseURL)
			if err != nil {
				return err
			}
			defer closeFn()

			if _, err := st.GetOwner(cmd.Context(), ownerID); err != nil {
				return fmt.Errorf("owner %s: %w", ownerID, err)
			}
			key, raw, err := apikey.Generate(ownerID, name, scopes)
			if err != nil {
				return err
			}
			if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("creating key: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"key": key, "api_key": raw})
		},
	}
	create.Flags().StringVar(&name, "name", "cli", "key name")
	create.Flags().StringSliceVar(&scopes, "scope", []string{apikey.ScopeScans}, "scopes (scans, admin)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List an owner's active keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ownerID, err := uuid.Parse(ownerFlag)
			if err != nil {
				return fmt.Errorf("--owner: %w", err)
			}
			st, closeFn, err := a.openStore(cmd.Context(), a.databaseURL)
			if err != nil {
				return err
			}
			defer closeFn()

			keys, err := st.ListAPIKeys(cmd.Context(), ownerID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tLAST USED")
			for _, k := range keys {
				last := "never"
				if k.LastUsedAt != nil {
					last = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n", k.ID, k.Name, k.KeyPrefix, k.Scopes, last)
			}
			return tw.Flush()
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke KEY_ID",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerID, err := uuid.Parse(ownerFlag)
			if err != nil {
				return fmt.Errorf("--owner: %w", err)
			}
			keyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("key id: %w", err)
			}
			st, closeFn, err := a.openStore(cmd.Context(), a.databaseURL)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := st.RevokeAPIKey(cmd.Context(), keyID, ownerID); err != nil {
				return fmt.Errorf("revoking key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", keyID)
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}
