// Package registry implements the backend registry: a fixed-capacity
// subtype -> loaded-backend table, with load/unload arbitrated through a
// pluggable Loader so the production binary can use the host's dynamic
// loader while tests link backends in-process.
package registry

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tcmur-go/tcmur/internal/backend"
	"github.com/tcmur-go/tcmur/internal/gwerr"
)

// DefaultCapacity mirrors tcmu-runner's MAX_TCMUR_HANDLERS.
const DefaultCapacity = 64

// Loader abstracts the host OS's dynamic loader down to the three
// operations the registry needs: open a backend module by subtype, invoke
// its init entry point, and release the module handle. A PluginLoader
// backs production use (stdlib `plugin` package); a StaticLoader backs
// tests and in-process-linked backends, per the design note that
// statically linked backends should be expressible through the same seam.
type Loader interface {
	// Load resolves subtype to a module and invokes its init entry
	// point, which is expected to call back into Register before Load
	// returns. Handle is an opaque value passed back to Unload.
	Load(subtype string, register func(*backend.Descriptor) error) (handle interface{}, err error)
	// Unload releases the module handle. Implementations may no-op
	// (defer to process exit), matching the C original's behavior.
	Unload(handle interface{}) error
}

type slot struct {
	desc   *backend.Descriptor
	handle interface{}
}

// Registry is a fixed-capacity table of loaded backend descriptors.
type Registry struct {
	mu       sync.Mutex
	loader   Loader
	slots    []slot // len == capacity; empty slot has desc == nil
	capacity int
}

// New constructs a Registry with the given capacity (DefaultCapacity if
// capacity <= 0) and Loader.
func New(loader Loader, capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		loader:   loader,
		slots:    make([]slot, capacity),
		capacity: capacity,
	}
}

func (r *Registry) findLocked(subtype string) (int, *backend.Descriptor) {
	for i := range r.slots {
		if r.slots[i].desc != nil && r.slots[i].desc.Subtype == subtype {
			return i, r.slots[i].desc
		}
	}
	return -1, nil
}

func (r *Registry) emptySlotLocked() int {
	for i := range r.slots {
		if r.slots[i].desc == nil {
			return i
		}
	}
	return -1
}

// Find returns the descriptor registered under subtype, or nil.
func (r *Registry) Find(subtype string) *backend.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, d := r.findLocked(subtype)
	return d
}

// Register is called by a backend's init entry point (directly, through
// the Loader callback) to install its descriptor in an empty slot. It
// fails if a descriptor with the same subtype is already registered.
func (r *Registry) Register(desc *backend.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, _ := r.findLocked(desc.Subtype); i >= 0 {
		return gwerr.New(gwerr.Exists, "handler %s already registered", desc.Subtype)
	}
	i := r.emptySlotLocked()
	if i < 0 {
		return gwerr.New(gwerr.NoSpace, "registry full (capacity=%d)", r.capacity)
	}
	r.slots[i].desc = desc
	log.Info().Str("subtype", desc.Subtype).Int("slot", i).Msg("handler registered")
	return nil
}

// Load loads subtype via the configured Loader. Fails with Exists if
// already registered, NoSpace if the table is full.
func (r *Registry) Load(subtype string) error {
	r.mu.Lock()
	if i, _ := r.findLocked(subtype); i >= 0 {
		r.mu.Unlock()
		return gwerr.New(gwerr.Exists, "handler %s already registered", subtype)
	}
	if r.emptySlotLocked() < 0 {
		r.mu.Unlock()
		return gwerr.New(gwerr.NoSpace, "out of handler slots trying to register %s", subtype)
	}
	r.mu.Unlock()

	handle, err := r.loader.Load(subtype, r.Register)
	if err != nil {
		return gwerr.New(gwerr.BadFile, "loading handler %s: %v", subtype, err)
	}

	r.mu.Lock()
	i, _ := r.findLocked(subtype)
	if i >= 0 {
		r.slots[i].handle = handle
	}
	r.mu.Unlock()

	if i < 0 {
		// init ran but never called Register back: partially loaded, undo.
		r.loader.Unload(handle)
		return gwerr.New(gwerr.BadFile, "handler %s init did not register a descriptor", subtype)
	}
	return nil
}

// Unload removes subtype's descriptor. Fails with NotFound if unknown, or
// Busy if the caller has not first removed every bound device (checked by
// the caller via InUse, since the registry itself does not know about
// devices).
func (r *Registry) Unload(subtype string, stillBound func(*backend.Descriptor) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, d := r.findLocked(subtype)
	if d == nil {
		return gwerr.New(gwerr.NotFound, "handler %s is not registered", subtype)
	}
	if stillBound != nil && stillBound(d) {
		return gwerr.New(gwerr.Busy, "handler %s has existing devices", subtype)
	}

	handle := r.slots[i].handle
	r.slots[i] = slot{}

	// Only release the loader handle if no other slot still shares it
	// (two subtypes can come from the same module in principle).
	stillUsed := false
	for _, s := range r.slots {
		if s.handle != nil && s.handle == handle {
			stillUsed = true
			break
		}
	}
	if !stillUsed && handle != nil {
		if err := r.loader.Unload(handle); err != nil {
			log.Warn().Str("subtype", subtype).Err(err).Msg("loader unload failed")
		}
	}

	log.Info().Str("subtype", subtype).Msg("handler unregistered")
	return nil
}

// Len returns the number of currently registered backends (diagnostic).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.desc != nil {
			n++
		}
	}
	return n
}
