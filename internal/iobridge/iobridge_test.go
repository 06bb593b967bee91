package iobridge

import (
	"bytes"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/tcmur-go/tcmur/internal/backend"
	"github.com/tcmur-go/tcmur/internal/devtable"
	"github.com/tcmur-go/tcmur/internal/gwerr"
	"github.com/tcmur-go/tcmur/internal/registry"
)

// memBackend is an in-memory backend used to exercise the bridge without a
// real ramdisk/filedisk implementation. When nrThreads > 0 it completes
// its own commands, matching the contract real NrThreads>0 backends
// (netblock, objstore) follow; the bridge completes it otherwise.
func memBackend(nrThreads int) (*backend.Descriptor, *[]byte) {
	store := make([]byte, 64*1024)
	var mu sync.Mutex
	done := func(cmd *backend.Command, sts backend.Status) backend.Status {
		if nrThreads > 0 {
			cmd.Done(sts)
		}
		return sts
	}
	return &backend.Descriptor{
		Subtype:   "mem",
		NrThreads: nrThreads,
		Open: func(dev *backend.Device, reopen bool) error {
			dev.BlockSize = 512
			dev.NumLBAs = 128
			return nil
		},
		Read: func(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
			mu.Lock()
			copy(cmd.IOVec, store[seekpos:seekpos+nbyte])
			mu.Unlock()
			return done(cmd, backend.StatusOK)
		},
		Write: func(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
			mu.Lock()
			copy(store[seekpos:seekpos+nbyte], cmd.IOVec)
			mu.Unlock()
			return done(cmd, backend.StatusOK)
		},
		Flush: func(dev *backend.Device, cmd *backend.Command) backend.Status {
			return done(cmd, backend.StatusOK)
		},
	}, &store
}

func newTestBridge(t *testing.T, nrThreads int) (*Bridge, int) {
	t.Helper()
	desc, _ := memBackend(nrThreads)
	sl := registry.NewStaticLoader()
	sl.Add("mem", func(register func(*backend.Descriptor) error) error {
		return register(desc)
	})
	reg := registry.New(sl, 4)
	if err := reg.Load("mem"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	dt := devtable.New(reg, 8)
	if err := dt.DeviceAdd(0, "mem000", "/mem/x"); err != nil {
		t.Fatalf("DeviceAdd: %v", err)
	}
	return New(dt), 0
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	b, minor := newTestBridge(t, 0)
	payload := bytes.Repeat([]byte{0xAB}, 512)

	if _, err := b.Write(minor, payload, 512, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 512)
	n, err := b.Read(minor, buf, 512, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 512 || !bytes.Equal(buf, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestReadPastDeviceEndFailsInvalid(t *testing.T) {
	b, minor := newTestBridge(t, 0)
	buf := make([]byte, 512)
	_, err := b.Read(minor, buf, 512, 128*512)
	if gwerr.KindOf(err) != gwerr.Invalid {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestWriteOverflowingOffsetFailsInvalid(t *testing.T) {
	b, minor := newTestBridge(t, 0)
	buf := make([]byte, 8)
	_, err := b.Write(minor, buf, 8, ^uint64(0)-3)
	if gwerr.KindOf(err) != gwerr.Invalid {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestFlushSucceedsWithNoOpBackend(t *testing.T) {
	sl := registry.NewStaticLoader()
	sl.Add("noflush", func(register func(*backend.Descriptor) error) error {
		return register(&backend.Descriptor{
			Subtype: "noflush",
			Open: func(dev *backend.Device, reopen bool) error {
				dev.BlockSize, dev.NumLBAs = 512, 8
				return nil
			},
		})
	})
	reg := registry.New(sl, 4)
	reg.Load("noflush")
	dt := devtable.New(reg, 8)
	dt.DeviceAdd(0, "nf", "/noflush/x")
	b := New(dt)
	if err := b.Flush(0); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestConcurrentWritersAllSubmitAndComplete(t *testing.T) {
	b, minor := newTestBridge(t, 1) // NrThreads > 0: dispatched via worker goroutine
	const n = 32

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			buf := bytes.Repeat([]byte{byte(i)}, 512)
			_, err := b.Write(minor, buf, 512, uint64(i%8)*512)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent writes: %v", err)
	}

	nsubmit, ncomplete := b.Counts(minor)
	if nsubmit != n || ncomplete != n {
		t.Fatalf("expected %d submit/complete, got %d/%d", n, nsubmit, ncomplete)
	}
}
