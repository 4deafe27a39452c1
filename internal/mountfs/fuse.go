package mountfs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/pkg/logger"
)

const (
	dirMode  = fuse.S_IFDIR | 0o555
	fileMode = fuse.S_IFREG | 0o444
)

type MountOptions struct {
	// CacheTimeout bounds how long the kernel may cache entries and attributes.
	CacheTimeout time.Duration
	AllowOther   bool
	Debug        bool
	Logger       *logger.Logger
}

// Mount is a mounted view. Unmount releases the mountpoint.
type Mount struct {
	server *fuse.Server
	dir    string
	log    *logger.Logger
}

// Serve mounts view at dir and starts serving it in the background.
func Serve(dir string, view *View, opts MountOptions) (*Mount, error) {
	if view == nil {
		return nil, fmt.Errorf("view is required")
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = time.Second
	}
	log := logger.OrNop(opts.Logger).Named("mountfs")
	timeout := opts.CacheTimeout
	server, err := fs.Mount(dir, &dirNode{view: view}, &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName:     "deskrelay",
			Name:       "deskrelay",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", dir, err)
	}
	log.Info("mounted", zap.String("dir", dir))
	return &Mount{server: server, dir: dir, log: log}, nil
}

func (m *Mount) Unmount() error {
	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("unmount %s: %w", m.dir, err)
	}
	m.server.Wait()
	m.log.Info("unmounted", zap.String("dir", m.dir))
	return nil
}

type dirNode struct {
	fs.Inode
	view *View
	path string
}

var (
	_ fs.NodeReaddirer = (*dirNode)(nil)
	_ fs.NodeLookuper  = (*dirNode)(nil)
	_ fs.NodeGetattrer = (*dirNode)(nil)
)

func (d *dirNode) Readdir(context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := d.view.List(d.path)
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Dir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), fs.OK
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := path.Join(d.path, name)
	entry, err := d.view.Stat(child)
	if err != nil {
		return nil, errno(err)
	}
	if entry.Dir {
		out.Attr.Mode = dirMode
		return d.NewInode(ctx, &dirNode{view: d.view, path: child}, fs.StableAttr{Mode: fuse.S_IFDIR}), fs.OK
	}
	node := &fileNode{view: d.view, path: child}
	if st := node.fill(&out.Attr); st != fs.OK {
		return nil, st
	}
	return d.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG}), fs.OK
}

func (d *dirNode) Getattr(_ context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr.Mode = dirMode
	return fs.OK
}

type fileNode struct {
	fs.Inode
	view *View
	path string
}

var (
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeReader    = (*fileNode)(nil)
	_ fs.NodeGetattrer = (*fileNode)(nil)
)

// fileHandle pins the content rendered at open so reads at different offsets
// see one consistent document.
type fileHandle struct {
	data []byte
}

func (f *fileNode) Open(_ context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_APPEND|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, err := f.view.Read(f.path)
	if err != nil {
		return nil, 0, errno(err)
	}
	return &fileHandle{data: data}, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *fileNode) Read(_ context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		data, err := f.view.Read(f.path)
		if err != nil {
			return nil, errno(err)
		}
		h = &fileHandle{data: data}
	}
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return fuse.ReadResultData(h.data[off:end]), fs.OK
}

func (f *fileNode) Getattr(_ context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		out.Attr.Mode = fileMode
		out.Attr.Size = uint64(len(h.data))
		return fs.OK
	}
	return f.fill(&out.Attr)
}

func (f *fileNode) fill(attr *fuse.Attr) syscall.Errno {
	data, err := f.view.Read(f.path)
	if err != nil {
		return errno(err)
	}
	attr.Mode = fileMode
	attr.Size = uint64(len(data))
	return fs.OK
}

func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, ErrIsDir):
		return syscall.EISDIR
	default:
		return syscall.EIO
	}
}
