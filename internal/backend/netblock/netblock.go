package netblock

import (
	"net"
	"sync"

	"github.com/tcmur-go/tcmur/internal/backend"
)

// Subtype is this backend's registry key.
const Subtype = "net"

// BlockSize matches dbd.c's fixed BLOCK_SIZE (4 KiB).
const BlockSize = 4096

type state struct {
	conn net.Conn
	mu   sync.Mutex // serializes request/response pairs on the single connection
	size uint64
}

// Descriptor returns the backend.Descriptor for the net backend.
// NrThreads is 1, matching dbd.c's "implies op completes before return
// from callout" comment: the round trip happens inline within the
// callout, but the backend is still marked as completing its own Done
// call rather than relying on the bridge's inline-completion shortcut.
func Descriptor() *backend.Descriptor {
	return &backend.Descriptor{
		Subtype:     Subtype,
		DisplayName: "networked block device client",
		Open:        open,
		Close:       close_,
		Read:        read,
		Write:       write,
		Flush:       flush,
		NrThreads:   1,
	}
}

// open dials dev.CfgString (a "host:port" address) and probes the remote
// device for its size, matching dbd.c's go_dbd_probe call during open.
func open(dev *backend.Device, reopen bool) error {
	conn, err := net.Dial("tcp", dev.CfgString)
	if err != nil {
		return err
	}

	s := &state{conn: conn}
	size, err := probe(s)
	if err != nil {
		conn.Close()
		return err
	}
	s.size = size

	dev.BlockSize = BlockSize
	dev.NumLBAs = size / BlockSize
	dev.Private = s
	return nil
}

func probe(s *state) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeRequest(s.conn, opProbe, 0, 0, nil); err != nil {
		return 0, err
	}
	return readProbeResponse(s.conn)
}

func close_(dev *backend.Device) {
	s, ok := dev.Private.(*state)
	if !ok || s == nil {
		return
	}
	s.conn.Close()
	dev.Private = nil
}

// done reports sts to cmd and returns it, matching the NrThreads>0
// contract: the backend, not the bridge, completes the command.
func done(cmd *backend.Command, sts backend.Status) backend.Status {
	cmd.Done(sts)
	return sts
}

func read(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
	s := dev.Private.(*state)
	if seekpos >= s.size {
		return done(cmd, backend.StatusRange)
	}
	if seekpos+nbyte > s.size {
		nbyte = s.size - seekpos
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeRequest(s.conn, opRead, seekpos, nbyte, nil); err != nil {
		return done(cmd, backend.StatusRDErr)
	}
	n, err := readReadResponse(s.conn, cmd.IOVec)
	if err != nil || n != nbyte {
		return done(cmd, backend.StatusRDErr)
	}
	return done(cmd, backend.StatusOK)
}

func write(dev *backend.Device, cmd *backend.Command, nbyte, seekpos uint64) backend.Status {
	s := dev.Private.(*state)
	if seekpos >= s.size {
		return done(cmd, backend.StatusRange)
	}
	if seekpos+nbyte > s.size {
		nbyte = s.size - seekpos
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeRequest(s.conn, opWrite, seekpos, nbyte, cmd.IOVec[:nbyte]); err != nil {
		return done(cmd, backend.StatusWRErr)
	}
	if err := readAckResponse(s.conn); err != nil {
		return done(cmd, backend.StatusWRErr)
	}
	return done(cmd, backend.StatusOK)
}

// flush is a no-op: dbd.c's own flush is commented out pending a
// dbd_sync implementation, and this from-scratch protocol has no
// server-side buffering to flush either.
func flush(dev *backend.Device, cmd *backend.Command) backend.Status {
	return done(cmd, backend.StatusOK)
}
