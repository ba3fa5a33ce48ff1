// Package config loads the runtime knobs corevmctl exposes through
// viper, after the shape of gcsfuse's cfg.Config (GoogleCloudPlatform-
// gcsfuse/cmd/root.go). Values come from COREVM_* environment variables
// over built-in defaults; no command-line flags or config file are bound.
package config

import (
	"github.com/spf13/viper"
)

// Config holds every tunable named in spec.md §6's "Environment / config
// constants" list that this implementation makes runtime-configurable
// rather than compile-time constant (the write-behind period; the cache
// size stays the compiled-in fs.CacheSize), plus the disk image paths
// and sizes corevmctl needs that have no spec-mandated default.
type Config struct {
	DiskImagePath    string `mapstructure:"disk_image"`
	SwapImagePath    string `mapstructure:"swap_image"`
	DiskSectors      int    `mapstructure:"disk_sectors"`
	SwapSectors      int    `mapstructure:"swap_sectors"`
	WriteBehindTicks int64  `mapstructure:"write_behind_ticks"`
	MetricsAddr      string `mapstructure:"metrics_addr"`
}

// Defaults returns the configuration this module ships with absent any
// override, matching spec.md §6's CACHE_SIZE=64/write-behind≈200 values
// wherever they apply to runtime config rather than compiled-in
// constants.
func Defaults() Config {
	return Config{
		DiskImagePath:    "corevm.img",
		SwapImagePath:    "corevm.swap",
		DiskSectors:      1 << 16, // 32 MiB
		SwapSectors:      1 << 14, // 8 MiB
		WriteBehindTicks: 200,
		MetricsAddr:      "",
	}
}

// Load builds a Config by layering the values v holds (its environment
// bindings and defaults) over Defaults().
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewViper constructs a Viper instance bound to the COREVM environment
// variable prefix (COREVM_DISK_IMAGE, COREVM_METRICS_ADDR, ...), with
// every key's default set before unmarshalling.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("COREVM")
	v.AutomaticEnv()
	d := Defaults()
	v.SetDefault("disk_image", d.DiskImagePath)
	v.SetDefault("swap_image", d.SwapImagePath)
	v.SetDefault("disk_sectors", d.DiskSectors)
	v.SetDefault("swap_sectors", d.SwapSectors)
	v.SetDefault("write_behind_ticks", d.WriteBehindTicks)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	return v
}
