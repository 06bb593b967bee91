package registry

import (
	"fmt"
	"plugin"
	"sync"

	"github.com/tcmur-go/tcmur/internal/backend"
)

// DefaultHandlerPrefix mirrors libtcmur's DEFAULT_HANDLER_PATH "/handler_".
const DefaultHandlerPrefix = "/usr/local/lib/tcmur/handler_"

// InitFuncName is the symbol every plugin must export, the Go analogue of
// tcmu-runner's handler_init() entry point resolved via dlsym.
const InitFuncName = "HandlerInit"

// PluginLoader loads backends from `-buildmode=plugin` shared objects named
// <prefix><subtype>.so, using the stdlib plugin package as the dlopen/dlsym
// analogue.
type PluginLoader struct {
	Prefix string // defaults to DefaultHandlerPrefix if empty
}

// Load opens <prefix><subtype>.so and calls its exported HandlerInit, which
// must call register with its Descriptor before returning.
func (p PluginLoader) Load(subtype string, register func(*backend.Descriptor) error) (interface{}, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultHandlerPrefix
	}
	path := fmt.Sprintf("%s%s.so", prefix, subtype)

	mod, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plugin.Open(%s): %w", path, err)
	}
	sym, err := mod.Lookup(InitFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin %s missing %s: %w", path, InitFuncName, err)
	}
	init, ok := sym.(func(func(*backend.Descriptor) error) error)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %s has wrong signature", path, InitFuncName)
	}
	if err := init(register); err != nil {
		return nil, fmt.Errorf("plugin %s: init failed: %w", path, err)
	}
	return mod, nil
}

// Unload is a no-op: the plugin package provides no mechanism to unmap a
// loaded module, matching dlclose's usual behavior of leaving resident
// handlers mapped for the life of the process.
func (PluginLoader) Unload(interface{}) error { return nil }

// StaticLoader resolves subtypes against a fixed, in-process table of init
// functions, registered ahead of time with Add. It backs tests and binaries
// that link backend packages directly instead of loading them as plugins.
type StaticLoader struct {
	mu    sync.Mutex
	inits map[string]func(func(*backend.Descriptor) error) error
}

// NewStaticLoader constructs an empty StaticLoader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{inits: make(map[string]func(func(*backend.Descriptor) error) error)}
}

// Add registers subtype's init function for later Load calls.
func (s *StaticLoader) Add(subtype string, init func(func(*backend.Descriptor) error) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits[subtype] = init
}

// Load invokes the init function previously registered under subtype.
func (s *StaticLoader) Load(subtype string, register func(*backend.Descriptor) error) (interface{}, error) {
	s.mu.Lock()
	init, ok := s.inits[subtype]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no static backend registered for subtype %q", subtype)
	}
	if err := init(register); err != nil {
		return nil, err
	}
	return subtype, nil
}

// Unload is a no-op; statically linked backends are never unmapped.
func (*StaticLoader) Unload(interface{}) error { return nil }
