package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/config"
	"github.com/pintos-go/corevm/internal/fs"
	"github.com/pintos-go/corevm/internal/metrics"
	"github.com/pintos-go/corevm/internal/sched"
)

func newFormatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "format",
		Short: "lay down a fresh free-map and root inode on a new disk image",
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

			filesys := fs.OpenFilesys(disk, fs.Options{
				WriteBehindTicks: cfg.WriteBehindTicks,
				Sleeper:          sched.NewRealClock(),
				Metrics:          metrics.NewUnregisteredSet(),
			})
			if err := filesys.Format(); err != nil {
				return err
			}
			fmt.Printf("formatted %s: root inode at sector %d\n", cfg.DiskImagePath, filesys.RootSector())
			return filesys.Done()
		},
	}
	return cmd
}
