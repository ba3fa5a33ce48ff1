package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/config"
	"github.com/pintos-go/corevm/internal/fs"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print read/write counters for a disk image",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgV)
			if err != nil {
				return err
			}
			disk, err := blockdev.OpenFileDisk(cfg.DiskImagePath, cfg.DiskSectors)
			if err != nil {
				return err
			}
			defer disk.Close()

			fmt.Printf("disk:  %s\n", disk.Stats())
			fmt.Printf("cache: size=%d write_behind_ticks=%d\n", fs.CacheSize, cfg.WriteBehindTicks)
			return nil
		},
	}
	return cmd
}
