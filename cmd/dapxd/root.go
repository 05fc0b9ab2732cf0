package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/grandir66/dapx-backandrepl/internal/config"
	"github.com/grandir66/dapx-backandrepl/internal/version"
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "dapxd",
		Short:   "Proxmox VE/PBS job execution daemon",
		Long:    "dapxd runs scheduled VM replication, backup/recovery, and migration jobs against Proxmox VE and PBS nodes over SSH.",
		Version: version.String(),
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringP("config", "c", "", "Path to YAML config file")
	root.PersistentFlags().String("state-dir", "", "Directory for the job database, inventory cache, and log file")
	root.PersistentFlags().String("ssh-key-path", "", "Control plane SSH private key")
	root.PersistentFlags().String("default-ssh-user", "", "SSH user used when a node does not override it")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	root.PersistentFlags().Int("scheduler-tick-seconds", 0, "Scheduler tick interval override")

	viper.SetEnvPrefix("DAPX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"state-dir", "ssh-key-path", "default-ssh-user", "debug", "scheduler-tick-seconds"} {
		if err := viper.BindPFlag(name, root.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", name, err))
		}
	}

	root.AddCommand(newRunCmd(), newMigrateDBCmd(), newProbeNodeCmd(), newVersionCmd())
	return root
}

// loadConfig layers defaults, an optional YAML file, and CLI/env overrides
// into a single config.Config, with defaults-then-file-then-flags
// precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.MergeWithFile(path); err != nil {
			return nil, err
		}
	}

	if v := viper.GetString("state-dir"); v != "" {
		cfg.StateDir = v
	}
	if v := viper.GetString("ssh-key-path"); v != "" {
		cfg.SSHKeyPath = v
	}
	if v := viper.GetString("default-ssh-user"); v != "" {
		cfg.DefaultSSHUser = v
	}
	if viper.GetBool("debug") {
		cfg.Debug = true
	}
	if v := viper.GetInt("scheduler-tick-seconds"); v > 0 {
		cfg.SchedulerTickSeconds = v
	}

	config.DebugEnabled = cfg.Debug

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
