package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tcmur-go/tcmur/internal/config"
	"github.com/tcmur-go/tcmur/internal/ctl"
	"github.com/tcmur-go/tcmur/internal/devtable"
	"github.com/tcmur-go/tcmur/internal/iobridge"
	"github.com/tcmur-go/tcmur/internal/registry"
	"github.com/tcmur-go/tcmur/internal/vft"
)

func newTestController(t *testing.T) (*ctl.Controller, *bytes.Buffer) {
	t.Helper()

	reg := registry.New(registry.NewStaticLoader(), 8)
	dt := devtable.New(reg, 16)
	bridge := iobridge.New(dt)

	tree := &vft.Tree{}
	if err := tree.Init("/mnt"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	devDir, err := tree.Mkdir("dev", nil)
	if err != nil {
		t.Fatalf("mkdir dev: %v", err)
	}
	modDir, err := tree.Mkdir("module", nil)
	if err != nil {
		t.Fatalf("mkdir module: %v", err)
	}

	c := ctl.New(tree, reg, dt, bridge, devDir, modDir)
	var diag bytes.Buffer
	c.Stderr = &diag
	return c, &diag
}

func TestRunStartupScriptReplaysCommands(t *testing.T) {
	c, diag := newTestController(t)
	path := filepath.Join(t.TempDir(), "startup.ctl")
	if err := os.WriteFile(path, []byte("echo booting\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	runStartupScript(c, path)

	if !strings.Contains(diag.String(), "booting") {
		t.Fatalf("expected startup script line to be replayed, got %q", diag.String())
	}
}

func TestRunStartupScriptMissingFileDoesNotPanic(t *testing.T) {
	c, _ := newTestController(t)
	runStartupScript(c, filepath.Join(t.TempDir(), "missing.ctl"))
}

func captureLog(t *testing.T, fn func()) string {
	t.Helper()
	orig := log.Logger
	defer func() { log.Logger = orig }()

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)
	fn()
	return buf.String()
}

func TestWarnOnGeometryDriftSilentWhenUnconfigured(t *testing.T) {
	cfg := &config.Config{}
	out := captureLog(t, func() { warnOnGeometryDrift(cfg) })
	if out != "" {
		t.Fatalf("expected no warnings, got %q", out)
	}
}

func TestWarnOnGeometryDriftSilentWhenMatchingCompiledDefaults(t *testing.T) {
	cfg := &config.Config{
		DefaultBlockSize:  devtable.DefaultBlockSize,
		DefaultNumLBAs:    devtable.DefaultNumLBAs,
		DefaultMaxXferLen: devtable.DefaultMaxXferLen,
	}
	out := captureLog(t, func() { warnOnGeometryDrift(cfg) })
	if out != "" {
		t.Fatalf("expected no warnings, got %q", out)
	}
}

func TestWarnOnGeometryDriftFlagsEachMismatchedField(t *testing.T) {
	cfg := &config.Config{
		DefaultBlockSize:  devtable.DefaultBlockSize * 2,
		DefaultNumLBAs:    devtable.DefaultNumLBAs + 1,
		DefaultMaxXferLen: devtable.DefaultMaxXferLen + 1,
	}
	out := captureLog(t, func() { warnOnGeometryDrift(cfg) })
	for _, field := range []string{"default_block_size", "default_num_lbas", "default_max_xfer_len"} {
		if !strings.Contains(out, field) {
			t.Fatalf("expected warning to mention %q, got %q", field, out)
		}
	}
}
