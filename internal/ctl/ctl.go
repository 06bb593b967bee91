// Package ctl implements the control channel: a line-oriented command
// interpreter bound to a writable node in the virtual filesystem tree,
// translating written commands into registry/devtable/tree operations.
package ctl

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/tcmur-go/tcmur/internal/backend"
	"github.com/tcmur-go/tcmur/internal/devtable"
	"github.com/tcmur-go/tcmur/internal/iobridge"
	"github.com/tcmur-go/tcmur/internal/registry"
	"github.com/tcmur-go/tcmur/internal/vft"
)

// MaxSource is the largest file `source` will read, matching
// fuse_tcmur_ctl.c's MAX_SOURCE.
const MaxSource = 4096

// MaxMinors bounds the "add"/"remove" minor argument, matching
// MAX_TCMUR_MINORS.
const MaxMinors = devtable.DefaultCapacity

// exitDelay is how long cmdExit waits before invoking OnExit, matching
// exit_handler's alarm(1): giving fuse a chance to close the ctldev that
// received the exit command before the process goes down. A var, not a
// const, so tests can shrink it.
var exitDelay = time.Second

// Controller interprets control-channel commands against a tree, registry,
// and device table, and serves reads of the tree's dump.
type Controller struct {
	Tree    *vft.Tree
	Reg     *registry.Registry
	DT      *devtable.Table
	Bridge  *iobridge.Bridge
	DevDir  *vft.Node
	ModDir  *vft.Node
	Stderr  io.Writer // diagnostics destination, defaults to os.Stderr

	// OnExit, if set, is invoked exitDelay after an "exit" command is
	// processed, once the write reply carrying that command has had a
	// chance to reach the caller.
	OnExit func()

	warn *color.Color
}

// New constructs a Controller. Stderr defaults to os.Stderr if nil.
func New(tree *vft.Tree, reg *registry.Registry, dt *devtable.Table, bridge *iobridge.Bridge, devDir, modDir *vft.Node) *Controller {
	return &Controller{
		Tree:   tree,
		Reg:    reg,
		DT:     dt,
		Bridge: bridge,
		DevDir: devDir,
		ModDir: modDir,
		Stderr: os.Stderr,
		warn:   color.New(color.FgYellow),
	}
}

func (c *Controller) printf(format string, args ...interface{}) {
	out := c.Stderr
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, format, args...)
}

// copyLine trims leading blanks and strips from the first '#' or
// non-printable character onward, then trims trailing blanks, matching
// copyline's semantics.
func copyLine(line string) string {
	s := strings.TrimLeft(line, " \t")
	end := len(s)
	for i, r := range s {
		if r == '#' || r < 0x20 || r == 0x7f {
			end = i
			break
		}
	}
	return strings.TrimRight(s[:end], " \t")
}

// strMatch reports whether cmd is a non-empty, case-insensitive initial
// substring of pattern (the command keyword), matching str_match.
func strMatch(cmd, pattern string) bool {
	if cmd == "" {
		return false
	}
	if len(cmd) > len(pattern) {
		return false
	}
	return strings.EqualFold(cmd, pattern[:len(cmd)])
}

// fields splits a line into its command word and the remainder (trimmed
// of leading blanks), matching cmd_str/nextfield.
func fields(line string) (cmd, rest string) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeft(line[i+1:], " \t")
}

func help() string {
	return "Commands:\n" +
		"   add    tcmur_minor_number /subtype/handler_cfgstring\n" +
		"   remove tcmur_minor_number\n" +
		"   load   handler_subtype\n" +
		"   unload handler_subtype\n" +
		"   source filename        # read commands from filename\n" +
		"   dump                   # print a representation of the tree\n"
}

// Write interprets buf as one or more newline-separated commands and
// always reports having consumed the full buffer, matching ctl_write's
// "(ssize_t)iosize" return regardless of how many lines failed.
func (c *Controller) Write(buf []byte) (int, error) {
	text := string(buf)
	for _, rawLine := range strings.Split(text, "\n") {
		c.runLine(rawLine)
	}
	return len(buf), nil
}

func (c *Controller) runLine(rawLine string) {
	line := copyLine(rawLine)
	if line != "" {
		c.printf("> %s\n", line)
	}
	cmd, rest := fields(line)

	switch {
	case strMatch(cmd, "help"):
		c.printf("%s", help())
	case strMatch(cmd, "add"):
		c.cmdAdd(rest)
	case strMatch(cmd, "remove"):
		c.cmdRemove(rest)
	case strMatch(cmd, "load"):
		c.cmdLoad(rest)
	case strMatch(cmd, "unload"):
		c.cmdUnload(rest)
	case strMatch(cmd, "source"):
		c.cmdSource(rest)
	case strMatch(cmd, "exit"):
		c.cmdExit()
	case strMatch(cmd, "echo"):
		// line already echoed above
	case strMatch(cmd, "dump"):
		c.printf("%s", c.Tree.TreeFmt())
	case cmd == "":
		// empty line
	default:
		c.printf("  ? %s\nTry 'help'\n", line)
	}
}

func (c *Controller) cmdAdd(rest string) {
	numStr, rest2 := fields(rest)
	ul, err := strconv.ParseUint(numStr, 0, 64)
	if err != nil {
		c.printf("%s: %s\n", err, numStr)
		return
	}
	if ul >= MaxMinors {
		c.printf("Number too big: %d > %d=max\n", ul, MaxMinors-1)
		return
	}
	minor := int(ul)
	cfg, _ := fields(rest2)
	if cfg == "" || cfg[0] != '/' {
		c.printf("Usage: add tcmu_minor_number /subtype/handler_cfgstring\n")
		return
	}

	if err := c.DT.DeviceAdd(minor, "", cfg); err != nil {
		c.printf("device_add(%d, %q) returns %v\n", minor, cfg, err)
		return
	}

	name, err := c.DT.GetDevName(minor)
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	size, _ := c.DT.GetSize(minor)
	blockSize, _ := c.DT.GetBlockSize(minor)

	node, err := c.Tree.NodeAdd(name, c.DevDir, syscall.S_IFBLK|0664, c.blockOps(minor), minor)
	if err != nil {
		c.printf("fuse node_add(%s): %v\n", name, err)
		return
	}
	c.Tree.NodeUpdateSize(node, size)
	if err := c.Tree.NodeUpdateBlockSize(node, blockSize); err != nil {
		c.printf("node_update_block_size(%s): %v\n", name, err)
	}
}

// blockOps wires a device node's file operations to the I/O bridge.
func (c *Controller) blockOps(minor int) *vft.Ops {
	return &vft.Ops{
		Read: func(priv interface{}, buf []byte, off int64) (int, error) {
			return c.Bridge.Read(priv.(int), buf, uint64(len(buf)), uint64(off))
		},
		Write: func(priv interface{}, buf []byte, off int64) (int, error) {
			return c.Bridge.Write(priv.(int), buf, uint64(len(buf)), uint64(off))
		},
		Fsync: func(priv interface{}, datasync bool) error {
			return c.Bridge.Flush(priv.(int))
		},
	}
}

func (c *Controller) cmdRemove(rest string) {
	numStr, _ := fields(rest)
	ul, err := strconv.ParseUint(numStr, 0, 64)
	if err != nil {
		c.printf("%s: %s\n", err, numStr)
		return
	}
	if ul >= MaxMinors {
		c.printf("Number too big: %d > %d=max\n", ul, MaxMinors-1)
		return
	}
	minor := int(ul)

	name, err := c.DT.GetDevName(minor)
	if err != nil {
		c.printf("remove %d: %v\n", minor, err)
		return
	}
	if err := c.Tree.NodeRemove(name, c.DevDir); err != nil {
		c.printf("remove %s (%d): %v\n", name, minor, err)
		return
	}
	if err := c.DT.DeviceRemove(minor); err != nil {
		c.printf("device_remove(%d): %v\n", minor, err)
		return
	}
	c.Bridge.Close(minor)
}

func (c *Controller) cmdLoad(rest string) {
	subtype, _ := fields(rest)
	if subtype == "" {
		c.printf("Usage: load handler_subtype\n")
		return
	}
	if err := c.Reg.Load(subtype); err != nil {
		c.printf("%s: %v\n", subtype, err)
		return
	}
	if _, err := c.Tree.Mkdir(subtype, c.ModDir); err != nil {
		c.printf("mkdir %s: %v\n", subtype, err)
	}
}

func (c *Controller) cmdUnload(rest string) {
	subtype, _ := fields(rest)
	if subtype == "" {
		c.printf("Usage: unload handler_subtype\n")
		return
	}
	stillBound := func(*backend.Descriptor) bool { return c.DT.InUse(subtype) }
	if err := c.Reg.Unload(subtype, stillBound); err != nil {
		c.printf("%s: %v\n", subtype, err)
		return
	}
	if err := c.Tree.Rmdir(subtype, c.ModDir); err != nil {
		c.printf("rmdir %s: %v\n", subtype, err)
	}
}

func (c *Controller) cmdSource(rest string) {
	path, _ := fields(rest)
	info, err := os.Stat(path)
	if err != nil {
		c.printf("%v: %s\n", err, path)
		if path == "" || path[0] != '/' {
			c.printf("(Note relative pathnames are relative to the server's CWD)\n")
		}
		return
	}
	if info.Size() > MaxSource {
		c.printf("%s too large %d (but you can nest them with 'source')\n", path, info.Size())
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.printf("%v: %s\n", err, path)
		return
	}
	c.Write(data)
}

func (c *Controller) cmdExit() {
	c.printf("exit requested\n")
	if c.OnExit == nil {
		return
	}
	time.AfterFunc(exitDelay, c.OnExit)
}

// Read serves a dump of the tree, starting at off, matching ctl_read's
// "remaining bytes of fuse_tree_fmt() from *lofsp" behavior.
func (c *Controller) Read(buf []byte, off int64) (int, error) {
	dump := c.Tree.TreeFmt()
	if off >= int64(len(dump)) {
		return 0, nil
	}
	n := copy(buf, dump[off:])
	return n, nil
}
