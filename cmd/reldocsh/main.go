// Command reldocsh is an interactive shell and query tool for a reldoc
// database: build change sets, apply them, and inspect document
// history from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/reldoc"
	"github.com/kartikbazzad/reldoc/internal/backend"
	"github.com/kartikbazzad/reldoc/internal/config"
	"github.com/kartikbazzad/reldoc/internal/logger"
	"github.com/kartikbazzad/reldoc/internal/schema"
)

var (
	flagConfig string
	flagDB     string
	flagSchema string
	flagUser   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reldocsh",
		Short:         "Interactive shell for a reldoc database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "database file, overrides config")
	root.PersistentFlags().StringVar(&flagSchema, "schema", "schema.yaml", "document type descriptor file")
	root.PersistentFlags().StringVar(&flagUser, "user", "", "user id stamped on changes, overrides config")

	root.AddCommand(shellCmd(), historyCmd(), actionsCmd(), versionCmd())
	return root
}

func openEngine() (*reldoc.Engine, *config.Config, error) {
	cfg := config.DefaultConfig()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if flagDB != "" {
		cfg.Backend.Path = flagDB
	}
	if flagUser != "" {
		cfg.Engine.UserID = flagUser
	}

	reg, err := schema.LoadFile(flagSchema)
	if err != nil {
		return nil, nil, fmt.Errorf("load schema: %w", err)
	}
	db, err := backend.OpenSQLite(cfg.Backend.Path, cfg.Backend.BusyTimeout.Std())
	if err != nil {
		return nil, nil, err
	}
	if err := db.EnsureSchema(context.Background(), reg); err != nil {
		db.Close()
		return nil, nil, err
	}
	log := logger.New(os.Stderr, logger.ParseLevel(cfg.Log.Level), "reldocsh")
	engine, err := reldoc.New(reldoc.Options{
		Config:   cfg,
		Registry: reg,
		Backend:  db,
		Logger:   log,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return engine, cfg, nil
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start the interactive shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cfg, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			return runShell(engine, cfg)
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <type> <id>",
		Short: "Print the ledger entries of one document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad document id %q", args[1])
			}
			entries, err := engine.GetHistory(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			printHistory(os.Stdout, entries)
			return nil
		},
	}
}

func actionsCmd() *cobra.Command {
	var (
		sinceFlag string
		userFlag  string
		typeFlag  string
	)
	c := &cobra.Command{
		Use:   "actions",
		Short: "List recent user actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			var from time.Time
			if sinceFlag != "" {
				d, err := time.ParseDuration(sinceFlag)
				if err != nil {
					return fmt.Errorf("bad --since duration %q", sinceFlag)
				}
				from = time.Now().UTC().Add(-d)
			}
			actions, err := engine.GetUserActions(cmd.Context(), from, time.Time{}, userFlag, typeFlag)
			if err != nil {
				return err
			}
			printActions(os.Stdout, actions)
			return nil
		},
	}
	c.Flags().StringVar(&sinceFlag, "since", "", "only actions within this duration, e.g. 24h")
	c.Flags().StringVar(&userFlag, "by", "", "only actions by this user")
	c.Flags().StringVar(&typeFlag, "type", "", "only actions touching this document type")
	return c
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version <type> <id> <version>",
		Short: "Reconstruct a document at an older version",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad document id %q", args[1])
			}
			v, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("bad version %q", args[2])
			}
			doc, err := engine.GetVersion(cmd.Context(), args[0], id, v)
			if err != nil {
				return err
			}
			printVersioned(os.Stdout, doc)
			return nil
		},
	}
}
