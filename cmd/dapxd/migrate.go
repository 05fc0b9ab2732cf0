package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grandir66/dapx-backandrepl/internal/logger"
	"github.com/grandir66/dapx-backandrepl/internal/store"
)

func newMigrateDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-db",
		Short: "Create the job database and apply the schema, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
				return err
			}

			st, err := store.Open(cfg.DBPath(), logger.Global())
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Printf("job store ready at %s\n", cfg.DBPath())
			return nil
		},
	}
}
