package filedisk

import (
	"bytes"
	"testing"

	"github.com/tcmur-go/tcmur/internal/backend"
)

func openFile(t *testing.T) (*backend.Device, *backend.Descriptor) {
	t.Helper()
	path := t.TempDir() + "/disk.img"
	dev := &backend.Device{CfgString: path}
	d := Descriptor()
	if err := d.Open(dev, false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close(dev) })
	return dev, d
}

func TestOpenCreatesDefaultSizedFile(t *testing.T) {
	dev, _ := openFile(t)
	if dev.BlockSize != DefaultBlockSize {
		t.Fatalf("expected block size %d, got %d", DefaultBlockSize, dev.BlockSize)
	}
	if dev.NumLBAs != DefaultSize/DefaultBlockSize {
		t.Fatalf("expected default LBAs, got %d", dev.NumLBAs)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dev, d := openFile(t)
	payload := bytes.Repeat([]byte{0x7E}, DefaultBlockSize)

	if sts := d.Write(dev, &backend.Command{IOVec: payload}, DefaultBlockSize, DefaultBlockSize); sts != backend.StatusOK {
		t.Fatalf("Write status=%v", sts)
	}
	buf := make([]byte, DefaultBlockSize)
	if sts := d.Read(dev, &backend.Command{IOVec: buf}, DefaultBlockSize, DefaultBlockSize); sts != backend.StatusOK {
		t.Fatalf("Read status=%v", sts)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatal("round trip mismatch")
	}
}

func TestFlushSucceeds(t *testing.T) {
	dev, d := openFile(t)
	if sts := d.Flush(dev, &backend.Command{}); sts != backend.StatusOK {
		t.Fatalf("expected StatusOK, got %v", sts)
	}
}

func TestReopenPreservesSize(t *testing.T) {
	path := t.TempDir() + "/disk.img"
	d := Descriptor()

	dev1 := &backend.Device{CfgString: path}
	if err := d.Open(dev1, false); err != nil {
		t.Fatalf("Open: %v", err)
	}
	d.Close(dev1)

	dev2 := &backend.Device{CfgString: path}
	if err := d.Open(dev2, true); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close(dev2)
	if dev2.NumLBAs != dev1.NumLBAs {
		t.Fatalf("expected stable size across reopen, got %d vs %d", dev2.NumLBAs, dev1.NumLBAs)
	}
}
