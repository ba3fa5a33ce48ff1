// Command corevmctl drives the buffer cache and inode layer from the
// command line, format a fresh disk image, run the background cache
// workers against one, or print its cache statistics, the way
// gcsfuse's cmd/root.go wires a cobra root command over a viper-backed
// config (GoogleCloudPlatform-gcsfuse/cmd/root.go).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pintos-go/corevm/internal/config"
)

var cfgV = config.NewViper()

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:   "corevmctl",
		Short: "operate a corevm disk image",
	}
	root.AddCommand(newFormatCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
