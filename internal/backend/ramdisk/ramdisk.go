// Package ramdisk implements the "ram" backend: an mmap-backed block
// store over either anonymous memory (discarded at close) or a backing
// file (persisted across sessions), ported from tcmu-runner's ram.c.
package ramdisk

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/tcmur-go/tcmur/internal/backend"
)

// BlockSize is fixed at the host page size, matching ram.c's BLOCK_SIZE.
const BlockSize = 4096

// DefaultFileSize is used when a backing file's current size is zero,
// matching ram.c's DEFAULT_FILE_SIZE (1 GiB).
const DefaultFileSize = 1 * 1024 * 1024 * 1024

// Subtype is this backend's registry key.
const Subtype = "ram"

type state struct {
	mem  []byte
	file *os.File // nil for anonymous memory
}

// Descriptor returns the backend.Descriptor for the ram backend, suitable
// for passing to registry.Register (directly, or via a StaticLoader/
// PluginLoader init function).
func Descriptor() *backend.Descriptor {
	return &backend.Descriptor{
		Subtype:     Subtype,
		DisplayName: "mmap-backed ramdisk",
		Open:        open,
		Close:       close_,
		Read:        read,
		Write:       write,
		Flush:       flush,
	}
}

// anonymous reports whether cfg names anonymous memory: empty, "/@", or
// "@" (the leading subtype slash has already been stripped by devtable).
func anonymous(cfg string) bool {
	return cfg == "" || cfg == "@" || cfg == "/@"
}

func open(dev *backend.Device, reopen bool) error {
	cfg := dev.CfgString
	isAnon := anonymous(cfg)

	dev.BlockSize = BlockSize

	var f *os.File
	var fileSize int64
	if !isAnon {
		var err error
		f, err = os.OpenFile(cfg, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		fileSize = (info.Size() / BlockSize) * BlockSize
	}

	if fileSize == 0 {
		fileSize = DefaultFileSize
	}
	dev.NumLBAs = uint64(fileSize) / BlockSize

	var mem []byte
	var err error
	if isAnon {
		mem, err = unix.Mmap(-1, 0, int(fileSize), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	} else {
		if terr := f.Truncate(fileSize); terr != nil {
			f.Close()
			return terr
		}
		mem, err = unix.Mmap(int(f.Fd()), 0, int(fileSize), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED)
	}
	if err != nil {
		if f != nil {
			f.Close()
		}
		return err
	}

	dev.Private = &state{mem: mem, file: f}
	return nil
}

func close_(dev *backend.Device) {
	s, ok := dev.Private.(*state)
	if !ok || s == nil {
		return
	}
	unix.Msync(s.mem, unix.MS_SYNC)
	unix.Munmap(s.mem)
	if s.file != nil {
		s.file.Close()
	}
	dev.Private = nil
}

func read(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
	s := dev.Private.(*state)
	if seekpos >= uint64(len(s.mem)) || seekpos+nbyte > uint64(len(s.mem)) {
		return backend.StatusRange
	}
	copy(cmd.IOVec, s.mem[seekpos:seekpos+nbyte])
	return backend.StatusOK
}

func write(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
	s := dev.Private.(*state)
	if seekpos >= uint64(len(s.mem)) || seekpos+nbyte > uint64(len(s.mem)) {
		return backend.StatusRange
	}
	copy(s.mem[seekpos:seekpos+nbyte], cmd.IOVec)
	return backend.StatusOK
}

func flush(dev *backend.Device, cmd *backend.Command) backend.Status {
	s := dev.Private.(*state)
	if err := unix.Msync(s.mem, unix.MS_SYNC); err != nil {
		return backend.StatusWRErr
	}
	return backend.StatusOK
}
