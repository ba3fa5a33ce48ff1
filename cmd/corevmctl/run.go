package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pintos-go/corevm/internal/blockdev"
	"github.com/pintos-go/corevm/internal/config"
	"github.com/pintos-go/corevm/internal/fs"
	"github.com/pintos-go/corevm/internal/metrics"
	"github.com/pintos-go/corevm/internal/sched"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the write-behind and read-ahead workers against a disk image until interrupted",
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

			reg := prometheus.NewRegistry()
			m := metrics.NewSet(reg)

			filesys := fs.OpenFilesys(disk, fs.Options{
				WriteBehindTicks: cfg.WriteBehindTicks,
				Sleeper:          sched.NewRealClock(),
				Metrics:          m,
			})
			filesys.Mount()

			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logrus.WithError(err).Error("metrics server exited")
					}
				}()
				defer srv.Close()
				logrus.WithField("addr", cfg.MetricsAddr).Info("serving /metrics")
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logrus.Info("shutting down")
			return filesys.Done()
		},
	}
	return cmd
}
