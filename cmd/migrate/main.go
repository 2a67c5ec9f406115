// migrate applies, rolls back and reports the embedded schema migrations.
//
//	migrate up | down | redo | status | version
//	migrate up-to <version> | down-to <version>
//	migrate check        # exit 1 when migrations are pending
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/smartescrow/migrations"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the escrow database schema",
	SilenceUsage: true,
}

func openDB(cmd *cobra.Command) (*sql.DB, error) {
	dsn, _ := cmd.Flags().GetString("database-url")
	if dsn == "" {
		return nil, fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(cmd.Context()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := migrations.Setup(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// gooseCommand forwards one goose command, passing positional args on.
func gooseCommand(name, short string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := goose.RunContext(cmd.Context(), name, db, migrations.Dir, args...); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		},
	}
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Fail when the database is behind the embedded migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		current, latest, err := migrations.Versions(cmd.Context(), db)
		if err != nil {
			return err
		}
		if current < latest {
			return fmt.Errorf("schema at version %d, %d pending up to %d", current, latest-current, latest)
		}
		fmt.Printf("schema up to date at version %d\n", current)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	rootCmd.AddCommand(
		gooseCommand("up", "Apply all pending migrations", cobra.NoArgs),
		gooseCommand("down", "Roll back the last migration", cobra.NoArgs),
		gooseCommand("redo", "Roll back and re-apply the last migration", cobra.NoArgs),
		gooseCommand("status", "List migrations and whether they are applied", cobra.NoArgs),
		gooseCommand("version", "Print the applied schema version", cobra.NoArgs),
		gooseCommand("up-to", "Migrate up to a version", cobra.ExactArgs(1)),
		gooseCommand("down-to", "Roll back to a version", cobra.ExactArgs(1)),
		checkCmd,
	)
}
