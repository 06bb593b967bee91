// Command handler_obj builds as a Go plugin exporting HandlerInit for
// the S3 object-per-block-range backend.
package main

import (
	"github.com/tcmur-go/tcmur/internal/backend"
	"github.com/tcmur-go/tcmur/internal/backend/objstore"
)

// HandlerInit is looked up by registry.PluginLoader via plugin.Lookup.
func HandlerInit(register func(*backend.Descriptor) error) error {
	return register(objstore.Descriptor())
}

func main() {}
