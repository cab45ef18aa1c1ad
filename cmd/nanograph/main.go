// Command nanograph ingests documents into a knowledge graph and answers
// questions over it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nanograph/nanograph"
	"github.com/nanograph/nanograph/query"
)

func main() {
	// Missing .env is fine; environment overrides still apply.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)
	root := &cobra.Command{
		Use:           "nanograph",
		Short:         "GraphRAG engine: ingest documents, query the knowledge graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults apply when omitted)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newIngestCmd(&configPath),
		newQueryCmd(&configPath),
		newBackupCmd(&configPath),
		newRestoreCmd(&configPath),
	)
	return root
}

func openEngine(ctx context.Context, configPath string) (*nanograph.Engine, error) {
	cfg := nanograph.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = nanograph.LoadConfig(configPath); err != nil {
			return nil, err
		}
	}
	return nanograph.New(ctx, cfg)
}

func newIngestCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest documents into the knowledge graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer engine.Close(ctx)

			report, err := engine.IngestFiles(ctx, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d/%d documents (%d skipped, %d failed)\n",
				report.Succeeded, report.Total, report.Skipped, report.Failed)
			for doc, derr := range report.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %v\n", doc, derr)
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d document(s) failed", report.Failed)
			}
			return nil
		},
	}
}

func newQueryCmd(configPath *string) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question over the knowledge graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer engine.Close(ctx)

			answer, err := engine.Query(ctx, args[0], query.Mode(mode))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "local", "query mode: local, global, or naive")
	return cmd
}

func newBackupCmd(configPath *string) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a portable archive of every store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer engine.Close(ctx)

			path, err := engine.Backup(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "backup identifier (random when omitted)")
	return cmd
}

func newRestoreCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore stores from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := openEngine(ctx, *configPath)
			if err != nil {
				return err
			}
			defer engine.Close(ctx)

			if err := engine.Restore(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "restore complete")
			return nil
		},
	}
}
