// Package config loads the gateway's configuration from an optional TOML
// file with environment-variable override, following asch-bs3's
// config.Configure pattern: flag "-c" names the file, cleanenv applies
// env-tag defaults and overrides on top.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tcmur-go/tcmur/internal/devtable"
	"github.com/tcmur-go/tcmur/internal/registry"
)

const defaultConfigPath = "/etc/tcmur/config.toml"

// Config is the gateway's top-level configuration.
type Config struct {
	ConfigPath string

	Mountpoint     string `toml:"mountpoint" env:"TCMUR_MOUNTPOINT" env-default:"/mnt/tcmur" env-description:"Directory the kernel bridge mounts the gateway's virtual tree at."`
	HandlerPrefix  string `toml:"handler_prefix" env:"TCMUR_HANDLER_PREFIX" env-default:"" env-description:"Path prefix for handler_<subtype>.so plugins. Empty uses registry.DefaultHandlerPrefix."`
	MaxHandlers    int    `toml:"max_handlers" env:"TCMUR_MAX_HANDLERS" env-default:"0" env-description:"Backend registry capacity. 0 uses registry.DefaultCapacity."`
	MaxMinors      int    `toml:"max_minors" env:"TCMUR_MAX_MINORS" env-default:"0" env-description:"Device table capacity. 0 uses devtable.DefaultCapacity."`
	DefaultBlockSize  int `toml:"default_block_size" env:"TCMUR_DEFAULT_BLOCK_SIZE" env-default:"0" env-description:"Expected fallback device block size. Not applied: devtable.DefaultBlockSize is always used, and tcmurd logs a warning when a nonzero value differs from it."`
	DefaultNumLBAs    int `toml:"default_num_lbas" env:"TCMUR_DEFAULT_NUM_LBAS" env-default:"0" env-description:"Expected fallback LBA count. Not applied: devtable.DefaultNumLBAs is always used, and tcmurd logs a warning when a nonzero value differs from it."`
	DefaultMaxXferLen int `toml:"default_max_xfer_len" env:"TCMUR_DEFAULT_MAX_XFER_LEN" env-default:"0" env-description:"Expected fallback max transfer length. Not applied: devtable.DefaultMaxXferLen is always used, and tcmurd logs a warning when a nonzero value differs from it."`

	ControlNodeName string `toml:"control_node_name" env:"TCMUR_CONTROL_NODE" env-default:"tcmur" env-description:"Name of the writable control node created under the mount's /dev directory."`
	StartupScript   string `toml:"startup_script" env:"TCMUR_STARTUP_SCRIPT" env-default:"" env-description:"Control-channel command file replayed at startup (load handlers, add devices). Empty skips."`

	Log struct {
		Level  int  `toml:"level" env:"TCMUR_LOG_LEVEL" env-default:"-1" env-description:"zerolog level (-1=trace .. 5=panic)."`
		Pretty bool `toml:"pretty" env:"TCMUR_LOG_PRETTY" env-default:"true" env-description:"Console-writer pretty printing instead of JSON."`
	} `toml:"log"`
}

// Load reads command-line flags and handles configuration loading. The
// configuration file is optional and has lower priority than environment
// variables. Mirrors asch-bs3's config.Configure.
func Load() (*Config, error) {
	var cfg Config
	flagSetup(&cfg)
	if err := parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func flagSetup(cfg *Config) {
	f := flag.NewFlagSet("tcmurd", flag.ExitOnError)
	f.StringVar(&cfg.ConfigPath, "c", defaultConfigPath, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}

func parse(cfg *Config) error {
	if err := cleanenv.ReadConfig(cfg.ConfigPath, cfg); err != nil {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return err
		}
	}
	return nil
}

// RegistryCapacity returns MaxHandlers, or registry.DefaultCapacity if unset.
func (c *Config) RegistryCapacity() int {
	if c.MaxHandlers <= 0 {
		return registry.DefaultCapacity
	}
	return c.MaxHandlers
}

// DevtableCapacity returns MaxMinors, or devtable.DefaultCapacity if unset.
func (c *Config) DevtableCapacity() int {
	if c.MaxMinors <= 0 {
		return devtable.DefaultCapacity
	}
	return c.MaxMinors
}
