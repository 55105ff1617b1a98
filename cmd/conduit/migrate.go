package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/store"
)

func buildMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}
	migrateCmd.AddCommand(buildMigrateUpCmd(), buildMigrateStatusCmd())
	return migrateCmd
}

func openMigrator() (*sql.DB, *store.Migrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.Database.Path, err)
	}
	migrator, err := store.NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, migrator, nil
}

func buildMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, migrator, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := migrator.Up(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				cmd.Println("database is up to date")
				return nil
			}
			for _, id := range applied {
				cmd.Printf("applied %s\n", id)
			}
			return nil
		},
	}
}

func buildMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, migrator, err := openMigrator()
			if err != nil {
				return err
			}
			defer db.Close()

			applied, pending, err := migrator.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range applied {
				cmd.Printf("applied  %s  %s\n", m.ID, m.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			for _, m := range pending {
				cmd.Printf("pending  %s\n", m.ID)
			}
			if len(applied)+len(pending) == 0 {
				cmd.Println("no migrations found")
			}
			return nil
		},
	}
}
