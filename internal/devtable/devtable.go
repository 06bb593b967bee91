// Package devtable implements the device table: a fixed-capacity
// minor-number -> bound-backend-device table, handling config string
// parsing, default geometry, and open/close refcounting on top of the
// backend registry.
package devtable

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tcmur-go/tcmur/internal/backend"
	"github.com/tcmur-go/tcmur/internal/gwerr"
	"github.com/tcmur-go/tcmur/internal/registry"
)

// Default geometry applied when a backend's Open leaves a field unset,
// mirroring libtcmur's device_add fallbacks.
const (
	DefaultBlockSize  = 4096
	DefaultNumLBAs    = 262144
	DefaultMaxXferLen = 1024 * 1024
)

// DefaultCapacity mirrors tcmu-runner's MAX_TCMUR_MINORS.
const DefaultCapacity = 256

// binding is one bound device.
type binding struct {
	minor    int
	devName  string
	subtype  string
	desc     *backend.Descriptor
	dev      *backend.Device
	cfgOrig  string
	refs     int
	mu       sync.Mutex
}

// Table is the fixed-capacity device table.
type Table struct {
	reg *registry.Registry

	mu       sync.Mutex
	bindings map[int]*binding

	checkGroup singleflight.Group
	capacity   int
}

// New constructs a Table bound to reg. capacity <= 0 means DefaultCapacity.
func New(reg *registry.Registry, capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		reg:      reg,
		bindings: make(map[int]*binding),
		capacity: capacity,
	}
}

// splitCfg splits a config string "/subtype/handler-cfg" into the leading
// alnum subtype segment and the remaining handler-specific string
// (including its own leading "/", matching handler_of_cfgstr's
// strchrnul-based advance).
func splitCfg(cfg string) (subtype string, rest string, err error) {
	if cfg == "" || cfg[0] != '/' {
		return "", "", gwerr.New(gwerr.Invalid, "config string must start with '/': %q", cfg)
	}
	trimmed := strings.TrimLeft(cfg, "/")
	i := 0
	for i < len(trimmed) && isAlnum(trimmed[i]) {
		i++
	}
	subtype = trimmed[:i]
	rest = trimmed[i:]
	return subtype, rest, nil
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// CheckConfig resolves cfg's leading subtype segment against the registry
// and, if the backend defines CheckConfig, invokes it with the
// handler-specific remainder. Concurrent CheckConfig calls for the same
// cfg string are collapsed into one backend invocation.
func (t *Table) CheckConfig(cfg string) error {
	subtype, rest, err := splitCfg(cfg)
	if err != nil {
		return err
	}
	desc := t.reg.Find(subtype)
	if desc == nil {
		return gwerr.New(gwerr.NotFound, "no handler registered for subtype %q", subtype)
	}
	if desc.CheckConfig == nil {
		return nil
	}

	_, err, _ = t.checkGroup.Do(cfg, func() (interface{}, error) {
		reason, cerr := desc.CheckConfig(rest)
		// The reason string is surfaced to the caller via the returned
		// error and then discarded; nothing retains it past this call.
		if cerr != nil {
			if reason != "" {
				return nil, gwerr.New(gwerr.Invalid, "%s: check_config(%s) failed: %s", desc.Subtype, rest, reason)
			}
			return nil, gwerr.New(gwerr.Invalid, "%s: check_config(%s) failed: %v", desc.Subtype, rest, cerr)
		}
		return nil, nil
	})
	return err
}

// DeviceAdd binds minor to the backend named by cfg's leading subtype
// segment, assigning devName (or a generated "<subtype><minor:03d>" name
// if devName is empty). Fails with Busy if minor is already bound.
func (t *Table) DeviceAdd(minor int, devName string, cfg string) error {
	if minor < 0 || minor >= t.capacity {
		return gwerr.New(gwerr.NoDevice, "minor %d out of range", minor)
	}

	t.mu.Lock()
	if _, exists := t.bindings[minor]; exists {
		t.mu.Unlock()
		return gwerr.New(gwerr.Busy, "minor %d already bound", minor)
	}
	t.mu.Unlock()

	if err := t.CheckConfig(cfg); err != nil {
		return err
	}

	subtype, rest, err := splitCfg(cfg)
	if err != nil {
		return err
	}
	desc := t.reg.Find(subtype)
	if desc == nil {
		return gwerr.New(gwerr.NotFound, "no handler registered for subtype %q", subtype)
	}

	if devName == "" {
		devName = defaultDevName(subtype, minor)
	}

	dev := &backend.Device{CfgString: rest}

	if desc.Open != nil {
		if err := desc.Open(dev, false); err != nil {
			return gwerr.New(gwerr.BadFile, "%s: open(%s) failed: %v", desc.Subtype, devName, err)
		}
	}
	// open() may have clobbered CfgString (e.g. via internal tokenizing);
	// restore it from the preserved original, matching the cfgstring /
	// cfgstring_orig double-copy.
	dev.CfgString = rest

	if dev.BlockSize == 0 {
		dev.BlockSize = DefaultBlockSize
	}
	if dev.NumLBAs == 0 {
		dev.NumLBAs = DefaultNumLBAs
	}
	if dev.MaxXferLen == 0 {
		dev.MaxXferLen = DefaultMaxXferLen
	}

	b := &binding{
		minor:   minor,
		devName: devName,
		subtype: subtype,
		desc:    desc,
		dev:     dev,
		cfgOrig: rest,
	}

	t.mu.Lock()
	if _, exists := t.bindings[minor]; exists {
		t.mu.Unlock()
		if desc.Close != nil {
			desc.Close(dev)
		}
		return gwerr.New(gwerr.Busy, "minor %d already bound", minor)
	}
	t.bindings[minor] = b
	t.mu.Unlock()

	return nil
}

func defaultDevName(subtype string, minor int) string {
	return fmt.Sprintf("%s%03d", subtype, minor)
}

// DeviceRemove unbinds minor, calling the backend's Close. Fails with
// NoDevice if unbound, Busy if the device still has open references.
func (t *Table) DeviceRemove(minor int) error {
	t.mu.Lock()
	b, ok := t.bindings[minor]
	if !ok {
		t.mu.Unlock()
		return gwerr.New(gwerr.NoDevice, "minor %d is not bound", minor)
	}
	b.mu.Lock()
	refs := b.refs
	b.mu.Unlock()
	if refs > 0 {
		t.mu.Unlock()
		return gwerr.New(gwerr.Busy, "minor %d is open (refs=%d)", minor, refs)
	}
	delete(t.bindings, minor)
	t.mu.Unlock()

	if b.desc.Close != nil {
		b.desc.Close(b.dev)
	}
	return nil
}

func (t *Table) find(minor int) *binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bindings[minor]
}

// MinorOfDevName returns the minor bound to devName, or -1.
func (t *Table) MinorOfDevName(devName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for minor, b := range t.bindings {
		if b.devName == devName {
			return minor
		}
	}
	return -1
}

// Open increments minor's open refcount, returning the minor on success
// (devtable's analogue of tcmur_open's "lookup and hold").
func (t *Table) Open(devName string) (int, error) {
	minor := t.MinorOfDevName(devName)
	if minor < 0 {
		return -1, gwerr.New(gwerr.NoEnt, "no device named %q", devName)
	}
	b := t.find(minor)
	if b == nil {
		return -1, gwerr.New(gwerr.NoEnt, "no device named %q", devName)
	}
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
	return minor, nil
}

// Close decrements minor's open refcount.
func (t *Table) Close(minor int) error {
	b := t.find(minor)
	if b == nil {
		return gwerr.New(gwerr.NoDevice, "minor %d is not bound", minor)
	}
	b.mu.Lock()
	if b.refs > 0 {
		b.refs--
	}
	b.mu.Unlock()
	return nil
}

// GetSize returns minor's device size in bytes (num_lbas * block_size).
func (t *Table) GetSize(minor int) (uint64, error) {
	b := t.find(minor)
	if b == nil {
		return 0, gwerr.New(gwerr.NoDevice, "minor %d is not bound", minor)
	}
	return b.dev.NumLBAs * uint64(b.dev.BlockSize), nil
}

// GetBlockSize returns minor's block size.
func (t *Table) GetBlockSize(minor int) (uint32, error) {
	b := t.find(minor)
	if b == nil {
		return 0, gwerr.New(gwerr.NoDevice, "minor %d is not bound", minor)
	}
	return b.dev.BlockSize, nil
}

// GetMaxXfer returns minor's maximum transfer length in bytes.
func (t *Table) GetMaxXfer(minor int) (uint32, error) {
	b := t.find(minor)
	if b == nil {
		return 0, gwerr.New(gwerr.NoDevice, "minor %d is not bound", minor)
	}
	return b.dev.MaxXferLen, nil
}

// GetDevName returns minor's device name.
func (t *Table) GetDevName(minor int) (string, error) {
	b := t.find(minor)
	if b == nil {
		return "", gwerr.New(gwerr.NoDevice, "minor %d is not bound", minor)
	}
	return b.devName, nil
}

// Descriptor returns minor's bound backend descriptor and device handle,
// for the I/O bridge to dispatch Read/Write/Flush against.
func (t *Table) Descriptor(minor int) (*backend.Descriptor, *backend.Device, error) {
	b := t.find(minor)
	if b == nil {
		return nil, nil, gwerr.New(gwerr.NoDevice, "minor %d is not bound", minor)
	}
	return b.desc, b.dev, nil
}

// InUse reports whether any bound device references subtype, used by the
// registry's Unload to refuse unloading a handler with live devices.
func (t *Table) InUse(subtype string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.bindings {
		if b.subtype == subtype {
			return true
		}
	}
	return false
}
