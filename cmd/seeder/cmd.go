package main

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/unclebandit/mailfleet-backend/internal/config"
	"github.com/unclebandit/mailfleet-backend/internal/db"
	"github.com/unclebandit/mailfleet-backend/internal/logger"
)

//go:embed seed/*.sql
var seedFS embed.FS

// seedFiles run in order; groups must exist before campaigns reference them.
var seedFiles = []string{
	"seed/identity_groups.sql",
	"seed/campaigns.sql",
}

// Command builds the root CLI command.
func Command() *cobra.Command {
	c := &cobra.Command{
		SilenceUsage: true,
		Use:          os.Args[0],
		Long:         "Seeder applies the database schema and loads sample data.",
	}
	c.AddCommand(migrateCommand(), seedCommand())
	return c
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		SilenceUsage: true,
		Use:          "migrate",
		Short:        "Apply the database schema.",
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB, log zerolog.Logger) error {
				if err := db.Migrate(ctx, conn); err != nil {
					return err
				}
				log.Info().Msg("schema applied")
				return nil
			})
		},
	}
}

func seedCommand() *cobra.Command {
	var dir string
	c := &cobra.Command{
		SilenceUsage: true,
		Use:          "seed",
		Short:        "Apply the schema and load the seed SQL files.",
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files := fs.FS(seedFS)
			if dir != "" {
				files = os.DirFS(dir)
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB, log zerolog.Logger) error {
				if err := db.Migrate(ctx, conn); err != nil {
					return err
				}
				return runSeeds(ctx, conn, files, seedFiles, log)
			})
		},
	}
	c.Flags().StringVar(&dir, "dir", "", "read seed/*.sql from this directory instead of the embedded copies")
	return c
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB, zerolog.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)
	conn, err := db.Connect(ctx, cfg.Database, log)
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer conn.Close()
	return fn(ctx, conn, log)
}

// execer is the part of *sql.DB the seeder uses.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func runSeeds(ctx context.Context, conn execer, files fs.FS, names []string, log zerolog.Logger) error {
	for _, name := range names {
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute %s: %w", name, err)
		}
		log.Info().Str("file", name).Msg("seeded")
	}
	log.Info().Msg("Database seeding completed successfully!")
	return nil
}
