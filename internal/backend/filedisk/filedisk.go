// Package filedisk implements the "file" backend: a loopback-style block
// store backed by ReadAt/WriteAt on a regular host file, in the idiom of
// the kernel bridge's own loopback filesystem node (open the path once at
// Open, hold the *os.File, operate with positioned reads/writes instead
// of seek+read/write so concurrent I/O needs no internal offset state).
package filedisk

import (
	"os"

	"github.com/tcmur-go/tcmur/internal/backend"
)

// Subtype is this backend's registry key.
const Subtype = "file"

// DefaultBlockSize is the block size every file-backed device uses.
const DefaultBlockSize = 4096

// DefaultSize is used for a newly created backing file (1 GiB), matching
// ramdisk's own default-size convention.
const DefaultSize = 1 * 1024 * 1024 * 1024

type state struct {
	f *os.File
}

// Descriptor returns the backend.Descriptor for the file backend.
func Descriptor() *backend.Descriptor {
	return &backend.Descriptor{
		Subtype:     Subtype,
		DisplayName: "loopback file-backed block store",
		Open:        open,
		Close:       close_,
		Read:        read,
		Write:       write,
		Flush:       flush,
	}
}

func open(dev *backend.Device, reopen bool) error {
	path := dev.CfgString
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return err
	}

	dev.BlockSize = DefaultBlockSize

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	size := (info.Size() / DefaultBlockSize) * DefaultBlockSize
	if size == 0 {
		size = DefaultSize
		if err := f.Truncate(size); err != nil {
			f.Close()
			return err
		}
	}
	dev.NumLBAs = uint64(size) / DefaultBlockSize
	dev.Private = &state{f: f}
	return nil
}

func close_(dev *backend.Device) {
	s, ok := dev.Private.(*state)
	if !ok || s == nil {
		return
	}
	s.f.Sync()
	s.f.Close()
	dev.Private = nil
}

func read(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
	s := dev.Private.(*state)
	if _, err := s.f.ReadAt(cmd.IOVec[:nbyte], int64(seekpos)); err != nil {
		return backend.StatusRDErr
	}
	return backend.StatusOK
}

func write(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
	s := dev.Private.(*state)
	if _, err := s.f.WriteAt(cmd.IOVec[:nbyte], int64(seekpos)); err != nil {
		return backend.StatusWRErr
	}
	return backend.StatusOK
}

func flush(dev *backend.Device, cmd *backend.Command) backend.Status {
	s := dev.Private.(*state)
	if err := s.f.Sync(); err != nil {
		return backend.StatusWRErr
	}
	return backend.StatusOK
}
