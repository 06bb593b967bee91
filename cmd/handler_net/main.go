// Command handler_net builds as a Go plugin exporting HandlerInit for
// the networked block device client backend.
package main

import (
	"github.com/tcmur-go/tcmur/internal/backend"
	"github.com/tcmur-go/tcmur/internal/backend/netblock"
)

// HandlerInit is looked up by registry.PluginLoader via plugin.Lookup.
func HandlerInit(register func(*backend.Descriptor) error) error {
	return register(netblock.Descriptor())
}

func main() {}
