package vft

import (
	"time"

	"github.com/tcmur-go/tcmur/internal/gwerr"
)

// Attr is the attribute snapshot returned by Getattr. ReportedKind follows
// the kernel-bridge-visible rule: a block-kind node is reported as regular
// so the bridge does not interpret Rdev as a host kernel major/minor and
// bypass the node's own ops.
type Attr struct {
	ReportedKind Kind
	Mode         uint32
	Size         uint64
	BlockSize    uint32
}

// Getattr reports n's kind and permissions, with block nodes reported as
// regular files (their permission bits are preserved).
func Getattr(n *Node) Attr {
	reported := n.Kind()
	if reported == KindBlock {
		reported = KindRegular
	}
	return Attr{
		ReportedKind: reported,
		Mode:         n.Mode(),
		Size:         n.Size(),
		BlockSize:    n.BlockSize(),
	}
}

// Open looks up path, takes a reference on the resulting node, and
// dispatches to its Open op (if any). On failure the reference is
// dropped. Directories never have an Open op and always succeed.
func (t *Tree) Open(path string) (*Node, error) {
	t.mu.Lock()
	n := t.lookupLocked(path)
	if n == nil {
		t.mu.Unlock()
		return nil, gwerr.New(gwerr.NotFound, "no such node %q", path)
	}
	t.mu.Unlock()
	return t.OpenNode(n)
}

// OpenNode is Open's logic for a node the caller already holds, used by
// the kernel bridge which resolves nodes once at Lookup time and opens
// them again without a second path walk.
func (t *Tree) OpenNode(n *Node) (*Node, error) {
	t.mu.Lock()
	if _, ok := t.nodes[n.id]; !ok {
		t.mu.Unlock()
		return nil, gwerr.New(gwerr.NotFound, "stale node %q", n.name)
	}
	n.refs++
	t.mu.Unlock()

	if n.kind == KindDirectory {
		return n, nil
	}
	if n.ops == nil {
		t.dropRef(n)
		return nil, gwerr.New(gwerr.BadFile, "node %q has no ops vector", n.name)
	}
	if n.ops.Open != nil {
		if err := n.ops.Open(n.private); err != nil {
			t.dropRef(n)
			return nil, err
		}
	}
	return n, nil
}

func (t *Tree) dropRef(n *Node) {
	t.mu.Lock()
	if n.refs > 0 {
		n.refs--
	}
	t.mu.Unlock()
}

// Release drops the reference taken by Open and dispatches to the node's
// Release op, if any.
func (t *Tree) Release(n *Node) error {
	defer t.dropRef(n)
	if n.kind != KindDirectory && n.ops != nil && n.ops.Release != nil {
		return n.ops.Release(n.private)
	}
	return nil
}

// Read dispatches to n's Read op. Fails with IsDirectory for directories
// and BadFile for nodes without a Read op.
func (t *Tree) Read(n *Node, buf []byte, off int64) (int, error) {
	if n.kind == KindDirectory {
		return 0, gwerr.New(gwerr.IsDirectory, "cannot read directory %q", n.name)
	}
	if n.ops == nil || n.ops.Read == nil {
		return 0, gwerr.New(gwerr.BadFile, "node %q is not readable", n.name)
	}
	nRead, err := n.ops.Read(n.private, buf, off)
	if err == nil {
		t.mu.Lock()
		n.atime = time.Now()
		t.mu.Unlock()
	}
	return nRead, err
}

// Write dispatches to n's Write op.
func (t *Tree) Write(n *Node, buf []byte, off int64) (int, error) {
	if n.kind == KindDirectory {
		return 0, gwerr.New(gwerr.IsDirectory, "cannot write directory %q", n.name)
	}
	if n.ops == nil || n.ops.Write == nil {
		return 0, gwerr.New(gwerr.BadFile, "node %q is not writable", n.name)
	}
	nWritten, err := n.ops.Write(n.private, buf, off)
	if err == nil {
		t.mu.Lock()
		n.mtime = time.Now()
		t.mu.Unlock()
	}
	return nWritten, err
}

// Fsync dispatches to n's Fsync op. A missing Fsync op is success.
func (t *Tree) Fsync(n *Node, datasync bool) error {
	if n.ops == nil || n.ops.Fsync == nil {
		return nil
	}
	return n.ops.Fsync(n.private, datasync)
}

// Readdir begins at offset off among n's children (in stable insertion
// order) and returns up to max entries (max <= 0 means unlimited). On
// success it also touches n's atime.
func (t *Tree) Readdir(n *Node, off int, max int) ([]*Node, error) {
	if n.kind != KindDirectory {
		return nil, gwerr.New(gwerr.NotDirectory, "%q is not a directory", n.name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if off < 0 || off > len(n.children) {
		return nil, nil
	}
	ids := n.children[off:]
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if c := t.nodes[id]; c != nil {
			out = append(out, c)
		}
	}
	n.atime = time.Now()
	return out, nil
}
