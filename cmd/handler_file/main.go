// Command handler_file builds as a Go plugin exporting HandlerInit for
// the loopback file-backed block backend.
package main

import (
	"github.com/tcmur-go/tcmur/internal/backend"
	"github.com/tcmur-go/tcmur/internal/backend/filedisk"
)

// HandlerInit is looked up by registry.PluginLoader via plugin.Lookup.
func HandlerInit(register func(*backend.Descriptor) error) error {
	return register(filedisk.Descriptor())
}

func main() {}
