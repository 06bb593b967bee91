// Package fusebridge adapts a vft.Tree onto the kernel FUSE bridge,
// translating go-fuse v2's Inode callbacks into Tree operations. The
// tree already owns naming, lookup, and refcounting; this package's only
// job is the syscall.Errno<->gwerr.Kind translation and wiring go-fuse's
// FileHandle interfaces to vft's per-node Ops.
package fusebridge

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tcmur-go/tcmur/internal/gwerr"
	"github.com/tcmur-go/tcmur/internal/vft"
)

// node is the fs.InodeEmbedder for both the tree root and every child; the
// tree itself, not go-fuse, owns the hierarchy, so every node needs only a
// back-reference to its vft.Node and the Tree it belongs to.
type node struct {
	fs.Inode

	tree *vft.Tree
	vn   *vft.Node
}

// New returns the root InodeEmbedder for tree, for use with fs.Mount.
func New(tree *vft.Tree) fs.InodeEmbedder {
	return &node{tree: tree, vn: tree.Root()}
}

// Mount mounts tree at mountpoint and starts serving requests, mirroring
// go-fuse's own fs.Mount convenience wrapper.
func Mount(mountpoint string, tree *vft.Tree, opts *fs.Options) (*fuse.Server, error) {
	return fs.Mount(mountpoint, New(tree), opts)
}

var (
	_ fs.NodeLookuper  = (*node)(nil)
	_ fs.NodeReaddirer = (*node)(nil)
	_ fs.NodeGetattrer = (*node)(nil)
	_ fs.NodeOpener    = (*node)(nil)
)

func modeBits(attr vft.Attr) uint32 {
	switch attr.ReportedKind {
	case vft.KindDirectory:
		return syscall.S_IFDIR | attr.Mode
	default:
		return syscall.S_IFREG | attr.Mode
	}
}

func fillAttrOut(out *fuse.Attr, attr vft.Attr) {
	out.Mode = modeBits(attr)
	out.Size = attr.Size
	if attr.BlockSize > 0 {
		out.Blksize = attr.BlockSize
	}
}

func errnoFor(err error) syscall.Errno {
	switch gwerr.KindOf(err) {
	case gwerr.Invalid:
		return syscall.EINVAL
	case gwerr.NoDevice:
		return syscall.ENODEV
	case gwerr.NoEnt, gwerr.NotFound:
		return syscall.ENOENT
	case gwerr.Busy:
		return syscall.EBUSY
	case gwerr.Exists:
		return syscall.EEXIST
	case gwerr.NoSpace:
		return syscall.ENOSPC
	case gwerr.IsDirectory:
		return syscall.EISDIR
	case gwerr.NotDirectory:
		return syscall.ENOTDIR
	case gwerr.BadFile:
		return syscall.EBADF
	case gwerr.NotEmpty:
		return syscall.ENOTEMPTY
	case gwerr.IOError:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	for _, c := range n.tree.Children(n.vn) {
		if c.Name() != name {
			continue
		}
		attr := vft.Getattr(c)
		fillAttrOut(&out.Attr, attr)
		child := &node{tree: n.tree, vn: c}
		ch := n.NewInode(ctx, child, fs.StableAttr{Mode: modeBits(attr), Ino: uint64(c.ID())})
		return ch, 0
	}
	return nil, syscall.ENOENT
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children := n.tree.Children(n.vn)
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		entries = append(entries, fuse.DirEntry{
			Name: c.Name(),
			Ino:  uint64(c.ID()),
			Mode: modeBits(vft.Getattr(c)),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttrOut(&out.Attr, vft.Getattr(n.vn))
	return 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	opened, err := n.tree.OpenNode(n.vn)
	if err != nil {
		return nil, 0, errnoFor(err)
	}
	var fuseFlags uint32
	if opened.Kind() != vft.KindBlock {
		fuseFlags = fuse.FOPEN_DIRECT_IO | fuse.FOPEN_NONSEEKABLE
	}
	return &fileHandle{tree: n.tree, vn: opened}, fuseFlags, 0
}

// fileHandle wraps an already-opened vft.Node, dispatching go-fuse's
// per-fd operations to the tree's Read/Write/Fsync/Release.
type fileHandle struct {
	tree *vft.Tree
	vn   *vft.Node
}

var (
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileWriter   = (*fileHandle)(nil)
	_ fs.FileFsyncer  = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.tree.Read(h.vn, dest, off)
	if err != nil {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.tree.Write(h.vn, data, off)
	if err != nil {
		return 0, errnoFor(err)
	}
	return uint32(n), 0
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if err := h.tree.Fsync(h.vn, flags != 0); err != nil {
		return errnoFor(err)
	}
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.tree.Release(h.vn); err != nil {
		return errnoFor(err)
	}
	return 0
}
