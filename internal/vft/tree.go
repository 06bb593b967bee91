// Package vft implements the virtual filesystem tree: a process-owned
// hierarchy of named nodes that backs external filesystem operations.
// Nodes are never created by client filesystem syscalls, only by the host
// program; the tree mutex serializes every link/unlink and the attribute
// reads used to enforce its invariants.
package vft

import (
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tcmur-go/tcmur/internal/gwerr"
)

// Tree is a single rooted node hierarchy. The zero value is not usable;
// construct with Init.
type Tree struct {
	mu         sync.Mutex
	nodes      map[NodeID]*Node
	rootID     NodeID
	nextID     NodeID
	mountpoint string
	inited     bool
}

// Init creates a root node named after the final path segment of
// mountpoint. mountpoint must start with "/" and must not end with "/".
// Calling Init twice on the same Tree fails.
func (t *Tree) Init(mountpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inited {
		return gwerr.New(gwerr.Invalid, "tree already initialized")
	}
	if !strings.HasPrefix(mountpoint, "/") || (len(mountpoint) > 1 && strings.HasSuffix(mountpoint, "/")) {
		return gwerr.New(gwerr.Invalid, "mountpoint %q must start with / and not end with /", mountpoint)
	}

	name := mountpoint[strings.LastIndex(mountpoint, "/")+1:]
	if name == "" {
		name = "/"
	}

	t.nodes = make(map[NodeID]*Node)
	t.nextID = 1
	now := time.Now()

	root := &Node{
		id:        t.allocID(),
		name:      name,
		kind:      KindDirectory,
		mode:      0555,
		atime:     now,
		mtime:     now,
		ctime:     now,
		refs:      1,
		hasParent: false,
	}
	t.rootID = root.id
	t.nodes[root.id] = root
	t.mountpoint = mountpoint
	t.inited = true
	return nil
}

// Exit tears the tree down. It succeeds only if the root has no children.
func (t *Tree) Exit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inited {
		return gwerr.New(gwerr.Invalid, "tree not initialized")
	}
	root := t.nodes[t.rootID]
	if len(root.children) != 0 {
		return gwerr.New(gwerr.Busy, "root has %d children", len(root.children))
	}
	t.nodes = nil
	t.inited = false
	return nil
}

func (t *Tree) allocID() NodeID {
	id := t.nextID
	t.nextID++
	return id
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[t.rootID]
}

func (t *Tree) resolveParent(parent *Node) (*Node, error) {
	if parent == nil {
		root, ok := t.nodes[t.rootID]
		if !ok {
			return nil, gwerr.New(gwerr.Invalid, "tree not initialized")
		}
		return root, nil
	}
	n, ok := t.nodes[parent.id]
	if !ok {
		return nil, gwerr.New(gwerr.NotFound, "stale parent node")
	}
	return n, nil
}

func (t *Tree) childByName(parent *Node, name string) *Node {
	for _, id := range parent.children {
		c := t.nodes[id]
		if c != nil && c.name == name {
			return c
		}
	}
	return nil
}

// NodeAdd creates a new node named name under parent (root if parent is
// nil). Kind is derived from the type bits of mode (S_IFDIR, S_IFBLK,
// else regular). If a node with that name already exists under parent and
// both the existing and requested kinds are directory, the existing node
// is returned instead of creating a duplicate; any other name collision
// fails with Exists.
func (t *Tree) NodeAdd(name string, parent *Node, mode uint32, ops *Ops, private interface{}) (*Node, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return nil, gwerr.New(gwerr.Invalid, "bad node name %q", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.resolveParent(parent)
	if err != nil {
		return nil, err
	}
	if p.kind != KindDirectory {
		return nil, gwerr.New(gwerr.NotDirectory, "parent %q is not a directory", p.name)
	}

	kind := kindFromMode(mode)

	if existing := t.childByName(p, name); existing != nil {
		if existing.kind == KindDirectory && kind == KindDirectory {
			return existing, nil
		}
		return nil, gwerr.New(gwerr.Exists, "node %q already exists under %q", name, p.name)
	}

	if kind != KindDirectory && ops == nil {
		return nil, gwerr.New(gwerr.Invalid, "non-directory node %q requires an ops vector", name)
	}

	now := time.Now()
	n := &Node{
		id:        t.allocID(),
		parent:    p.id,
		hasParent: true,
		name:      name,
		kind:      kind,
		mode:      mode &^ uint32(0170000), // strip type bits, keep permissions
		ops:       ops,
		private:   private,
		atime:     now,
		mtime:     now,
		ctime:     now,
		refs:      1,
	}
	t.nodes[n.id] = n
	p.children = append(p.children, n.id)
	return n, nil
}

// Mkdir is shorthand for NodeAdd with directory kind and mode 0555.
func (t *Tree) Mkdir(name string, parent *Node) (*Node, error) {
	return t.NodeAdd(name, parent, syscall.S_IFDIR|0555, nil, nil)
}

// NodeRemove removes the direct child named name from parent (root if
// nil).
func (t *Tree) NodeRemove(name string, parent *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.resolveParent(parent)
	if err != nil {
		return err
	}

	idx := -1
	var child *Node
	for i, id := range p.children {
		if c := t.nodes[id]; c != nil && c.name == name {
			idx, child = i, c
			break
		}
	}
	if child == nil {
		return gwerr.New(gwerr.NotFound, "no such node %q", name)
	}
	if child.kind == KindDirectory && len(child.children) != 0 {
		return gwerr.New(gwerr.NotEmpty, "directory %q is not empty", name)
	}
	if child.refs > 1 {
		return gwerr.New(gwerr.Busy, "node %q is open (refs=%d)", name, child.refs)
	}

	p.children = append(p.children[:idx], p.children[idx+1:]...)
	delete(t.nodes, child.id)
	return nil
}

// Rmdir is NodeRemove restricted to directory-kind children.
func (t *Tree) Rmdir(name string, parent *Node) error {
	t.mu.Lock()
	p, err := t.resolveParent(parent)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	child := t.childByName(p, name)
	t.mu.Unlock()

	if child == nil {
		return gwerr.New(gwerr.NotFound, "no such node %q", name)
	}
	if child.kind != KindDirectory {
		return gwerr.New(gwerr.NotDirectory, "%q is not a directory", name)
	}
	return t.NodeRemove(name, parent)
}

// NodeLookup resolves path, the absolute path from the tree root. Multiple
// consecutive "/" are collapsed and a trailing "/" is tolerated. Returns
// nil if any path segment does not exist.
func (t *Tree) NodeLookup(path string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(path)
}

func (t *Tree) lookupLocked(path string) *Node {
	root, ok := t.nodes[t.rootID]
	if !ok {
		return nil
	}
	segs := splitPath(path)
	cur := root
	for _, seg := range segs {
		found := t.childByName(cur, seg)
		if found == nil {
			return nil
		}
		cur = found
	}
	return cur
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NodeUpdateMode sets a node's permission bits.
func (t *Tree) NodeUpdateMode(n *Node, mode uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.mode = mode &^ uint32(0170000)
	n.ctime = time.Now()
}

// NodeUpdateSize sets a node's reported size.
func (t *Tree) NodeUpdateSize(n *Node, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.size = size
	n.ctime = time.Now()
}

// NodeUpdateBlockSize sets a node's block size; it must be a power of two.
func (t *Tree) NodeUpdateBlockSize(n *Node, size uint32) error {
	if size == 0 || size&(size-1) != 0 {
		return gwerr.New(gwerr.Invalid, "block_size %d is not a power of two", size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n.blockSize = size
	return nil
}

// NodeUpdateMtime sets a node's modification time to now.
func (t *Tree) NodeUpdateMtime(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.mtime = time.Now()
}

// NodeUpdateRdev sets a node's device number.
func (t *Tree) NodeUpdateRdev(n *Node, rdev uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.rdev = rdev
}

// TreeFmt returns a human-readable dump of the tree, depth-first.
func (t *Tree) TreeFmt() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sb strings.Builder
	root, ok := t.nodes[t.rootID]
	if !ok {
		return "(empty tree)\n"
	}
	t.fmtNode(&sb, root, 0)
	return sb.String()
}

func (t *Tree) fmtNode(sb *strings.Builder, n *Node, depth int) {
	fmt.Fprintf(sb, "%s%s  kind=%s mode=%04o size=%d block_size=%d refs=%d\n",
		strings.Repeat("  ", depth), n.name, n.kind, n.mode, n.size, n.blockSize, n.refs)
	for _, id := range n.children {
		if c := t.nodes[id]; c != nil {
			t.fmtNode(sb, c, depth+1)
		}
	}
}

// Children returns a stable-ordered snapshot of n's direct children.
func (t *Tree) Children(n *Node) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, 0, len(n.children))
	for _, id := range n.children {
		if c := t.nodes[id]; c != nil {
			out = append(out, c)
		}
	}
	return out
}
