// Command tcmurd is the gateway daemon: it wires the backend registry,
// device table, I/O bridge, control channel, and virtual filesystem tree
// together, then mounts that tree at the configured mountpoint through
// the kernel FUSE bridge.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog/log"

	"github.com/tcmur-go/tcmur/internal/config"
	"github.com/tcmur-go/tcmur/internal/ctl"
	"github.com/tcmur-go/tcmur/internal/devtable"
	"github.com/tcmur-go/tcmur/internal/fusebridge"
	"github.com/tcmur-go/tcmur/internal/iobridge"
	"github.com/tcmur-go/tcmur/internal/logging"
	"github.com/tcmur-go/tcmur/internal/registry"
	"github.com/tcmur-go/tcmur/internal/vft"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	session := logging.Setup(cfg.Log.Pretty, cfg.Log.Level)
	log.Info().Str("session", session).Str("mountpoint", cfg.Mountpoint).Msg("starting tcmurd")
	warnOnGeometryDrift(cfg)

	reg := registry.New(registry.PluginLoader{Prefix: cfg.HandlerPrefix}, cfg.RegistryCapacity())
	dt := devtable.New(reg, cfg.DevtableCapacity())
	bridge := iobridge.New(dt)

	tree := &vft.Tree{}
	if err := tree.Init(cfg.Mountpoint); err != nil {
		log.Fatal().Err(err).Msg("initializing virtual tree")
	}
	devDir, err := tree.Mkdir("dev", nil)
	if err != nil {
		log.Fatal().Err(err).Msg("creating /dev")
	}
	sysDir, err := tree.Mkdir("sys", nil)
	if err != nil {
		log.Fatal().Err(err).Msg("creating /sys")
	}
	modDir, err := tree.Mkdir("module", sysDir)
	if err != nil {
		log.Fatal().Err(err).Msg("creating /sys/module")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	controller := ctl.New(tree, reg, dt, bridge, devDir, modDir)
	controller.OnExit = func() { stop <- syscall.SIGTERM }
	if _, err := tree.NodeAdd(cfg.ControlNodeName, devDir, syscall.S_IFREG|0664, &vft.Ops{
		Read: func(priv interface{}, buf []byte, off int64) (int, error) {
			return controller.Read(buf, off)
		},
		Write: func(priv interface{}, buf []byte, off int64) (int, error) {
			return controller.Write(buf)
		},
	}, nil); err != nil {
		log.Fatal().Err(err).Msg("creating control node")
	}

	if cfg.StartupScript != "" {
		runStartupScript(controller, cfg.StartupScript)
	}

	server, err := fusebridge.Mount(cfg.Mountpoint, tree, &fs.Options{})
	if err != nil {
		log.Fatal().Err(err).Str("mountpoint", cfg.Mountpoint).Msg("mounting")
	}

	if mounted, err := mountinfo.Mounted(cfg.Mountpoint); err != nil {
		log.Warn().Err(err).Msg("checking mount status")
	} else if !mounted {
		log.Warn().Str("mountpoint", cfg.Mountpoint).Msg("fs.Mount returned but mountinfo does not show the mountpoint mounted")
	}

	go func() {
		<-stop
		log.Info().Msg("received interrupt, unmounting")
		server.Unmount()
	}()

	server.Wait()
	log.Info().Msg("tcmurd exiting")
}

func runStartupScript(c *ctl.Controller, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("reading startup script")
		return
	}
	c.Write(data)
}

func warnOnGeometryDrift(cfg *config.Config) {
	if cfg.DefaultBlockSize != 0 && cfg.DefaultBlockSize != devtable.DefaultBlockSize {
		log.Warn().Int("configured", cfg.DefaultBlockSize).Int("compiled", devtable.DefaultBlockSize).
			Msg("default_block_size override is not wired into devtable; compiled default still applies")
	}
	if cfg.DefaultNumLBAs != 0 && cfg.DefaultNumLBAs != devtable.DefaultNumLBAs {
		log.Warn().Int("configured", cfg.DefaultNumLBAs).Int("compiled", devtable.DefaultNumLBAs).
			Msg("default_num_lbas override is not wired into devtable; compiled default still applies")
	}
	if cfg.DefaultMaxXferLen != 0 && cfg.DefaultMaxXferLen != devtable.DefaultMaxXferLen {
		log.Warn().Int("configured", cfg.DefaultMaxXferLen).Int("compiled", devtable.DefaultMaxXferLen).
			Msg("default_max_xfer_len override is not wired into devtable; compiled default still applies")
	}
}
