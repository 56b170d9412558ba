// Command neuroscanctl administers a neuroscan deployment and drives its API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/neuroscan/internal/config"
	"github.com/kiranshivaraju/neuroscan/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newApp()).ExecuteContext(ctx); err != nil {
		slog.Error("neuroscanctl failed", "err", err)
		stop()
		os.Exit(1)
	}
}

// app carries the global flags and the collaborators commands need.
// Tests swap openStore for an in-memory store.
type app struct {
	databaseURL   string
	migrationsDir string
	serverURL     string
	apiKey        string
	verbose       bool

	openStore func(ctx context.Context, dbURL string) (store.Store, func(), error)
}

func newApp() *app {
	return &app{openStore: openPostgres}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "neuroscanctl",
		Short:         "Administer neuroscan and submit scans",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if a.verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL (env DATABASE_URL)")
	pf.StringVar(&a.migrationsDir, "migrations", envOr("MIGRATIONS_DIR", "migrations"), "Migrations directory (env MIGRATIONS_DIR)")
	pf.StringVar(&a.serverURL, "server", envOr("NEUROSCAN_URL", "http://localhost:8080"), "API base URL (env NEUROSCAN_URL)")
	pf.StringVar(&a.apiKey, "api-key", os.Getenv("NEUROSCAN_API_KEY"), "API key (env NEUROSCAN_API_KEY)")
	pf.BoolVar(&a.verbose, "verbose", false, "verbose logging")

	root.AddCommand(
		newMigrateCmd(a),
		newOwnersCmd(a),
		newKeysCmd(a),
		newSubmitCmd(a),
		newStatusCmd(a),
		newGetCmd(a),
		newWaitCmd(a),
		newListCmd(a),
		newDeleteCmd(a),
		newImageCmd(a),
		newAnalyzeCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run:   printVersion,
	}
}

func printVersion(cmd *cobra.Command, _ []string) {
	out := cmd.OutOrStdout()
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintln(out, "neuroscanctl: version info not available")
		return
	}
	fmt.Fprintf(out, "neuroscanctl: %s\n", info.Main.Version)
	fmt.Fprintf(out, "go:           %s\n", info.GoVersion)
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			fmt.Fprintf(out, "commit:       %s\n", s.Value)
		}
	}
}

func openPostgres(ctx context.Context, dbURL string) (store.Store, func(), error) {
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database URL is required (--database-url or DATABASE_URL)")
	}
	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             dbURL,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
