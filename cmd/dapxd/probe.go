package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grandir66/dapx-backandrepl/internal/invcache"
	"github.com/grandir66/dapx-backandrepl/internal/inventory"
	"github.com/grandir66/dapx-backandrepl/internal/logger"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
	"github.com/grandir66/dapx-backandrepl/internal/store"
)

func newProbeNodeCmd() *cobra.Command {
	var nodeID int64

	cmd := &cobra.Command{
		Use:   "probe-node",
		Short: "Re-run capability probing for one registered node and persist the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			log := logger.Global()
			st, err := store.Open(cfg.DBPath(), log)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.GetNode(context.Background(), nodeID)
			if err != nil {
				return fmt.Errorf("load node %d: %w", nodeID, err)
			}

			prober := node.NewProber(sshexec.New(), log)
			prober.Probe(context.Background(), n)

			if err := st.UpdateNodeProbe(context.Background(), n); err != nil {
				return fmt.Errorf("persist probe result: %w", err)
			}

			fmt.Printf("node %q: online=%v sanoid=%v btrfs=%v pbs_client=%v pbs_server=%v\n",
				n.Name, n.Online, n.SanoidPresent, n.BTRFSPresent, n.PBSClientPresent, n.PBSServerPresent)

			cache, err := invcache.Open(cfg.InventoryCacheDir(), log)
			if err != nil {
				return fmt.Errorf("open inventory cache: %w", err)
			}
			defer cache.Close()

			inv := inventory.New(sshexec.New(), cache)
			guests, err := inv.ListGuests(context.Background(), n)
			if err != nil {
				return fmt.Errorf("list guests: %w", err)
			}
			fmt.Printf("guests: %d (read-through inventory cache)\n", len(guests))
			return nil
		},
	}
	cmd.Flags().Int64Var(&nodeID, "node-id", 0, "Node ID to probe (required)")
	_ = cmd.MarkFlagRequired("node-id")
	return cmd
}
