package devtable

import (
	"testing"

	"github.com/tcmur-go/tcmur/internal/backend"
	"github.com/tcmur-go/tcmur/internal/gwerr"
	"github.com/tcmur-go/tcmur/internal/registry"
)

func newTestTable(t *testing.T) (*Table, *registry.Registry) {
	t.Helper()
	sl := registry.NewStaticLoader()
	sl.Add("ram", func(register func(*backend.Descriptor) error) error {
		return register(&backend.Descriptor{
			Subtype: "ram",
			Open: func(dev *backend.Device, reopen bool) error {
				dev.BlockSize = 512
				dev.NumLBAs = 2048
				return nil
			},
			Close: func(dev *backend.Device) {},
		})
	})
	reg := registry.New(sl, 4)
	if err := reg.Load("ram"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return New(reg, 8), reg
}

func TestDeviceAddDefaultsNameAndGeometry(t *testing.T) {
	dt, _ := newTestTable(t)
	if err := dt.DeviceAdd(0, "", "/ram/foo=bar"); err != nil {
		t.Fatalf("DeviceAdd: %v", err)
	}
	name, err := dt.GetDevName(0)
	if err != nil || name != "ram000" {
		t.Fatalf("expected devname ram000, got %q err=%v", name, err)
	}
	bs, _ := dt.GetBlockSize(0)
	if bs != 512 {
		t.Fatalf("expected block size from backend Open, got %d", bs)
	}
}

func TestDeviceAddUsesDefaultsWhenBackendLeavesUnset(t *testing.T) {
	sl := registry.NewStaticLoader()
	sl.Add("bare", func(register func(*backend.Descriptor) error) error {
		return register(&backend.Descriptor{Subtype: "bare"})
	})
	reg := registry.New(sl, 4)
	reg.Load("bare")
	dt := New(reg, 8)

	if err := dt.DeviceAdd(1, "", "/bare/x"); err != nil {
		t.Fatalf("DeviceAdd: %v", err)
	}
	bs, _ := dt.GetBlockSize(1)
	if bs != DefaultBlockSize {
		t.Fatalf("expected default block size, got %d", bs)
	}
	size, _ := dt.GetSize(1)
	if size != DefaultNumLBAs*DefaultBlockSize {
		t.Fatalf("expected default size, got %d", size)
	}
}

func TestDeviceAddBusyOnOccupiedMinor(t *testing.T) {
	dt, _ := newTestTable(t)
	if err := dt.DeviceAdd(0, "", "/ram/a"); err != nil {
		t.Fatalf("DeviceAdd: %v", err)
	}
	if err := dt.DeviceAdd(0, "", "/ram/b"); gwerr.KindOf(err) != gwerr.Busy {
		t.Fatalf("expected Busy, got %v", err)
	}
}

func TestDeviceAddUnknownSubtypeFails(t *testing.T) {
	dt, _ := newTestTable(t)
	if err := dt.DeviceAdd(0, "", "/qcow/x"); gwerr.KindOf(err) != gwerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeviceAddRejectsMalformedCfg(t *testing.T) {
	dt, _ := newTestTable(t)
	if err := dt.DeviceAdd(0, "", "ram/x"); gwerr.KindOf(err) != gwerr.Invalid {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestDeviceRemoveBusyWhileOpen(t *testing.T) {
	dt, _ := newTestTable(t)
	dt.DeviceAdd(0, "held", "/ram/a")

	minor, err := dt.Open("held")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := dt.DeviceRemove(minor); gwerr.KindOf(err) != gwerr.Busy {
		t.Fatalf("expected Busy, got %v", err)
	}
	if err := dt.Close(minor); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := dt.DeviceRemove(minor); err != nil {
		t.Fatalf("DeviceRemove after close: %v", err)
	}
}

func TestDeviceRemoveNoDevice(t *testing.T) {
	dt, _ := newTestTable(t)
	if err := dt.DeviceRemove(5); gwerr.KindOf(err) != gwerr.NoDevice {
		t.Fatalf("expected NoDevice, got %v", err)
	}
}

func TestOpenNoEnt(t *testing.T) {
	dt, _ := newTestTable(t)
	if _, err := dt.Open("nonexistent"); gwerr.KindOf(err) != gwerr.NoEnt {
		t.Fatalf("expected NoEnt, got %v", err)
	}
}

func TestInUseReflectsBoundDevices(t *testing.T) {
	dt, _ := newTestTable(t)
	if dt.InUse("ram") {
		t.Fatal("should not be in use before any device is added")
	}
	dt.DeviceAdd(0, "", "/ram/a")
	if !dt.InUse("ram") {
		t.Fatal("expected ram to be in use")
	}
}

func TestCheckConfigCollapsesConcurrentCalls(t *testing.T) {
	calls := 0
	sl := registry.NewStaticLoader()
	sl.Add("count", func(register func(*backend.Descriptor) error) error {
		return register(&backend.Descriptor{
			Subtype: "count",
			CheckConfig: func(cfg string) (string, error) {
				calls++
				return "", nil
			},
		})
	})
	reg := registry.New(sl, 4)
	reg.Load("count")
	dt := New(reg, 8)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() { done <- dt.CheckConfig("/count/same") }()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("CheckConfig: %v", err)
		}
	}
	if calls == 0 {
		t.Fatal("expected check_config to be invoked at least once")
	}
}
