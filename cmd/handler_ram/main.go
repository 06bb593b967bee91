// Command handler_ram builds as a Go plugin (`go build -buildmode=plugin`)
// exporting HandlerInit, the registry's dynamic-load entry point for the
// ramdisk backend.
package main

import (
	"github.com/tcmur-go/tcmur/internal/backend"
	"github.com/tcmur-go/tcmur/internal/backend/ramdisk"
)

// HandlerInit is looked up by registry.PluginLoader via plugin.Lookup.
func HandlerInit(register func(*backend.Descriptor) error) error {
	return register(ramdisk.Descriptor())
}

func main() {}
