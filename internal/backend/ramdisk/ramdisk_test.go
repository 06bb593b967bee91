package ramdisk

import (
	"bytes"
	"testing"

	"github.com/tcmur-go/tcmur/internal/backend"
)

func openAnon(t *testing.T) *backend.Device {
	t.Helper()
	dev := &backend.Device{CfgString: "@"}
	d := Descriptor()
	if err := d.Open(dev, false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close(dev) })
	return dev
}

func TestAnonymousOpenSetsDefaultGeometry(t *testing.T) {
	dev := openAnon(t)
	if dev.BlockSize != BlockSize {
		t.Fatalf("expected block size %d, got %d", BlockSize, dev.BlockSize)
	}
	if dev.NumLBAs != DefaultFileSize/BlockSize {
		t.Fatalf("expected default size LBAs, got %d", dev.NumLBAs)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dev := openAnon(t)
	d := Descriptor()
	payload := bytes.Repeat([]byte{0x5A}, BlockSize)

	wsts := d.Write(dev, &backend.Command{IOVec: payload}, BlockSize, 0)
	if wsts != backend.StatusOK {
		t.Fatalf("Write status=%v", wsts)
	}

	buf := make([]byte, BlockSize)
	rsts := d.Read(dev, &backend.Command{IOVec: buf}, BlockSize, 0)
	if rsts != backend.StatusOK {
		t.Fatalf("Read status=%v", rsts)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("round trip mismatch")
	}
}

func TestReadPastEndReturnsRange(t *testing.T) {
	dev := openAnon(t)
	d := Descriptor()
	buf := make([]byte, BlockSize)
	sts := d.Read(dev, &backend.Command{IOVec: buf}, BlockSize, dev.NumLBAs*uint64(dev.BlockSize))
	if sts != backend.StatusRange {
		t.Fatalf("expected StatusRange, got %v", sts)
	}
}

func TestFlushSucceeds(t *testing.T) {
	dev := openAnon(t)
	d := Descriptor()
	if sts := d.Flush(dev, &backend.Command{}); sts != backend.StatusOK {
		t.Fatalf("expected StatusOK, got %v", sts)
	}
}

func TestBackingFilePersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/ram.img"
	d := Descriptor()

	dev1 := &backend.Device{CfgString: path}
	if err := d.Open(dev1, false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := bytes.Repeat([]byte{0x11}, BlockSize)
	d.Write(dev1, &backend.Command{IOVec: payload}, BlockSize, 0)
	d.Close(dev1)

	dev2 := &backend.Device{CfgString: path}
	if err := d.Open(dev2, false); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close(dev2)
	buf := make([]byte, BlockSize)
	d.Read(dev2, &backend.Command{IOVec: buf}, BlockSize, 0)
	if !bytes.Equal(buf, payload) {
		t.Fatal("backing file did not persist data across reopen")
	}
}
