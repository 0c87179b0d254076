// Package aferofs adapts the handle-based fat32.Service onto afero.Fs, for
// tools that want to walk a path rather than hold one step-at-a-time
// directory/file handles. Path resolution is deliberately not part of the
// core (spec.md's Non-goals: "no path resolution (clients walk one step at
// a time)"); this package performs it itself, entirely in terms of the
// core's public handlers, the way aligator/gofat's go-fs.go wraps its own
// Fs for a different consumer (fs.FS) without changing the underlying
// read path.
package aferofs

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	fat32 "github.com/aligator/fat32srv"
)

// Fs is a read-only afero.Fs backed by one open fat32 filesystem handle.
type Fs struct {
	svc  *fat32.Service
	fsID int
}

// New opens devicePath through svc and returns an afero.Fs facade over it.
func New(svc *fat32.Service, devicePath string) (*Fs, error) {
	id, err := svc.OpenFilesystem(devicePath, 0)
	if err != nil {
		return nil, err
	}
	return &Fs{svc: svc, fsID: id}, nil
}

// Close closes the underlying filesystem handle. Any directory or file
// opened through this Fs must be closed first — see spec.md §3 on
// dependents outliving their filesystem handle.
func (f *Fs) Close() error {
	return f.svc.CloseFilesystem(f.fsID)
}

// Name identifies this afero.Fs implementation.
func (f *Fs) Name() string { return "fat32fs" }

// resolve walks name component by component using OpenRootDirectory,
// ReadDirEntry and OpenChildDirectory/OpenChildFile, since the core itself
// only ever takes one step at a time.
func (f *Fs) resolve(name string) (afero.File, error) {
	clean := path.Clean("/" + filepathToSlash(name))

	rootID, err := f.svc.OpenRootDirectory(f.fsID, 0)
	if err != nil {
		return nil, pathErr("open", name, err)
	}

	if clean == "/" {
		return &dirHandle{fs: f, id: rootID, name: "/", isRoot: true}, nil
	}

	parts := strings.Split(strings.Trim(clean, "/"), "/")
	curDir := rootID

	for i, part := range parts {
		entry, found, err := findInDir(f.svc, curDir, part)
		if err != nil {
			f.svc.CloseDirectory(curDir)
			return nil, pathErr("open", name, err)
		}
		if !found {
			f.svc.CloseDirectory(curDir)
			return nil, pathErr("open", name, os.ErrNotExist)
		}

		last := i == len(parts)-1

		if last {
			if entry.IsDirectory {
				childID, err := f.svc.OpenChildDirectory(curDir, 0)
				f.svc.CloseDirectory(curDir)
				if err != nil {
					return nil, pathErr("open", name, err)
				}
				return &dirHandle{fs: f, id: childID, name: entry.Filename, info: entry}, nil
			}

			childID, err := f.svc.OpenChildFile(curDir, 0)
			f.svc.CloseDirectory(curDir)
			if err != nil {
				return nil, pathErr("open", name, err)
			}

			geom, err := f.svc.FilesystemGeometry(f.fsID)
			if err != nil {
				f.svc.CloseFile(childID)
				return nil, pathErr("open", name, err)
			}

			return &fileHandle{
				fs:    f,
				id:    childID,
				name:  entry.Filename,
				size:  int64(entry.SizeBytes),
				block: make([]byte, geom.BytesPerCluster),
				info:  entry,
			}, nil
		}

		if !entry.IsDirectory {
			f.svc.CloseDirectory(curDir)
			return nil, pathErr("open", name, syscall.ENOTDIR)
		}

		childID, err := f.svc.OpenChildDirectory(curDir, 0)
		f.svc.CloseDirectory(curDir)
		if err != nil {
			return nil, pathErr("open", name, err)
		}
		curDir = childID
	}

	// Unreachable: parts is never empty, so the loop always returns on its
	// last iteration.
	return nil, pathErr("open", name, os.ErrNotExist)
}

// findInDir scans dir from its current position for an entry named part.
// Directory handles in this package are always freshly opened (positioned
// at the start), so a single forward scan is enough — callers never reuse
// a dir handle across multiple resolve() calls.
func findInDir(svc *fat32.Service, dir int, part string) (fat32.Entry, bool, error) {
	for {
		entry, ok, err := svc.ReadDirEntry(dir, 0)
		if err != nil {
			return fat32.Entry{}, false, err
		}
		if !ok {
			return fat32.Entry{}, false, nil
		}
		if entry.Filename == part {
			return entry, true, nil
		}
	}
}

func filepathToSlash(name string) string {
	return strings.ReplaceAll(name, "\\", "/")
}

func pathErr(op, name string, err error) error {
	return &os.PathError{Op: op, Path: name, Err: err}
}

// Open opens name read-only, walking the path one component at a time
// against the underlying handle-based core.
func (f *Fs) Open(name string) (afero.File, error) {
	return f.resolve(name)
}

// OpenFile supports only read-only flags; anything requesting write access
// fails with syscall.EROFS, since this module implements no write path
// (spec.md §1 Non-goals).
func (f *Fs) OpenFile(name string, flag int, _ os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_TRUNC) != 0 {
		return nil, pathErr("open", name, syscall.EROFS)
	}
	return f.resolve(name)
}

// Stat resolves name and returns its FileInfo.
func (f *Fs) Stat(name string) (os.FileInfo, error) {
	file, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return file.Stat()
}

func (f *Fs) Create(name string) (afero.File, error) { return nil, pathErr("create", name, syscall.EROFS) }
func (f *Fs) Mkdir(name string, _ os.FileMode) error  { return pathErr("mkdir", name, syscall.EROFS) }
func (f *Fs) MkdirAll(name string, _ os.FileMode) error {
	return pathErr("mkdir", name, syscall.EROFS)
}
func (f *Fs) Remove(name string) error              { return pathErr("remove", name, syscall.EROFS) }
func (f *Fs) RemoveAll(name string) error           { return pathErr("remove", name, syscall.EROFS) }
func (f *Fs) Rename(oldname, _ string) error        { return pathErr("rename", oldname, syscall.EROFS) }
func (f *Fs) Chmod(name string, _ os.FileMode) error { return pathErr("chmod", name, syscall.EROFS) }
func (f *Fs) Chown(name string, _, _ int) error      { return pathErr("chown", name, syscall.EROFS) }
func (f *Fs) Chtimes(name string, _, _ time.Time) error {
	return pathErr("chtimes", name, syscall.EROFS)
}

// entryInfo adapts a fat32.Entry to os.FileInfo, grounded on
// aligator-GoFAT's stat.go entryHeaderFileInfo adapter.
type entryInfo struct {
	entry fat32.Entry
}

func (e entryInfo) Name() string { return e.entry.Filename }
func (e entryInfo) Size() int64  { return int64(e.entry.SizeBytes) }
func (e entryInfo) Mode() os.FileMode {
	if e.entry.IsDirectory {
		return os.ModeDir | 0o555
	}
	if e.entry.IsReadOnly {
		return 0o444
	}
	return 0o644
}
func (e entryInfo) ModTime() time.Time {
	y, mo, d, h, mi, se := e.entry.Modification.ToTime()
	return time.Date(y, time.Month(mo), d, h, mi, se, 0, time.UTC)
}
func (e entryInfo) IsDir() bool      { return e.entry.IsDirectory }
func (e entryInfo) Sys() interface{} { return e.entry }

// rootInfo stands in for the root directory, which has no anchoring
// directory entry of its own.
type rootInfo struct{ name string }

func (r rootInfo) Name() string       { return r.name }
func (r rootInfo) Size() int64        { return 0 }
func (r rootInfo) Mode() os.FileMode  { return os.ModeDir | 0o555 }
func (r rootInfo) ModTime() time.Time { return time.Time{} }
func (r rootInfo) IsDir() bool        { return true }
func (r rootInfo) Sys() interface{}   { return nil }

// dirHandle is an open directory, afero.File-shaped.
type dirHandle struct {
	fs     *Fs
	id     int
	name   string
	isRoot bool
	info   fat32.Entry // zero value for isRoot; the resolved entry otherwise
	closed bool
}

func (d *dirHandle) Name() string { return d.name }
func (d *dirHandle) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.fs.svc.CloseDirectory(d.id)
}

func (d *dirHandle) Read(_ []byte) (int, error)              { return 0, pathErr("read", d.name, syscall.EISDIR) }
func (d *dirHandle) ReadAt(_ []byte, _ int64) (int, error)    { return 0, pathErr("read", d.name, syscall.EISDIR) }
func (d *dirHandle) Seek(_ int64, _ int) (int64, error)       { return 0, pathErr("seek", d.name, syscall.EISDIR) }
func (d *dirHandle) Write(_ []byte) (int, error)              { return 0, pathErr("write", d.name, syscall.EROFS) }
func (d *dirHandle) WriteAt(_ []byte, _ int64) (int, error)    { return 0, pathErr("write", d.name, syscall.EROFS) }
func (d *dirHandle) WriteString(_ string) (int, error)        { return 0, pathErr("write", d.name, syscall.EROFS) }
func (d *dirHandle) Truncate(_ int64) error                    { return pathErr("truncate", d.name, syscall.EROFS) }
func (d *dirHandle) Sync() error                               { return nil }

func (d *dirHandle) Stat() (os.FileInfo, error) {
	if d.isRoot {
		return rootInfo{name: d.name}, nil
	}
	return entryInfo{entry: d.info}, nil
}

// Readdir yields up to count entries (or all remaining, if count <= 0) as
// os.FileInfo, by repeatedly calling ReadDirEntry — this directory handle
// is never rewound, matching the core's own one-pass iterator semantics.
func (d *dirHandle) Readdir(count int) ([]os.FileInfo, error) {
	var out []os.FileInfo
	for count <= 0 || len(out) < count {
		entry, ok, err := d.fs.svc.ReadDirEntry(d.id, 0)
		if err != nil {
			return out, err
		}
		if !ok {
			if count > 0 {
				return out, io.EOF
			}
			return out, nil
		}
		out = append(out, entryInfo{entry: entry})
	}
	return out, nil
}

func (d *dirHandle) Readdirnames(n int) ([]string, error) {
	infos, err := d.Readdir(n)
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, err
}

// fileHandle is an open file, afero.File-shaped. It reads forward only,
// one cluster at a time, mirroring the core's FileHandle exactly — there
// is no seek, because the core has none to seek with (spec.md §3/§4.7).
type fileHandle struct {
	fs     *Fs
	id     int
	name   string
	size   int64
	pos    int64
	block  []byte
	bufLen int
	bufOff int
	eof    bool
	info   fat32.Entry
	closed bool
}

func (f *fileHandle) Name() string { return f.name }

func (f *fileHandle) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.fs.svc.CloseFile(f.id)
}

func (f *fileHandle) Read(p []byte) (int, error) {
	if f.bufOff >= f.bufLen {
		if f.eof {
			return 0, io.EOF
		}
		n, err := f.fs.svc.ReadFileBlock(f.id, f.block, 0)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			f.eof = true
			return 0, io.EOF
		}
		f.bufLen = n
		f.bufOff = 0
	}

	n := copy(p, f.block[f.bufOff:f.bufLen])
	f.bufOff += n
	f.pos += int64(n)
	return n, nil
}

// ReadAt supports only contiguous forward reads (off must equal the
// current position); the core offers no random access to a file's cluster
// chain, so this facade cannot offer more than it does.
func (f *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	if off != f.pos {
		return 0, pathErr("readat", f.name, syscall.ENOTSUP)
	}
	return f.Read(p)
}

func (f *fileHandle) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekStart && offset == f.pos {
		return f.pos, nil
	}
	return 0, pathErr("seek", f.name, syscall.ENOTSUP)
}

func (f *fileHandle) Write(_ []byte) (int, error)           { return 0, pathErr("write", f.name, syscall.EROFS) }
func (f *fileHandle) WriteAt(_ []byte, _ int64) (int, error) { return 0, pathErr("write", f.name, syscall.EROFS) }
func (f *fileHandle) WriteString(_ string) (int, error)     { return 0, pathErr("write", f.name, syscall.EROFS) }
func (f *fileHandle) Truncate(_ int64) error                 { return pathErr("truncate", f.name, syscall.EROFS) }
func (f *fileHandle) Sync() error                            { return nil }

func (f *fileHandle) Stat() (os.FileInfo, error) {
	return entryInfo{entry: f.info}, nil
}

func (f *fileHandle) Readdir(_ int) ([]os.FileInfo, error) {
	return nil, pathErr("readdir", f.name, syscall.ENOTDIR)
}

func (f *fileHandle) Readdirnames(_ int) ([]string, error) {
	return nil, pathErr("readdir", f.name, syscall.ENOTDIR)
}

// WalkFunc is called once per visited path, with its decoded FileInfo.
type WalkFunc func(path string, info os.FileInfo) error

// Walk traverses the tree rooted at root, depth-first. Unlike
// filepath.Walk/afero.Walk, a failure opening or reading one subtree does
// not abort the rest of the walk — it is collected into the returned
// *multierror.Error via hashicorp/go-multierror (grounded on
// dargueta/disko's use of the same library) alongside any error returned
// by fn, so a handful of garbled entries deep in a large tree don't hide
// everything else that was readable.
func Walk(fsys *Fs, root string, fn WalkFunc) error {
	var errs *multierror.Error
	walk(fsys, root, fn, &errs)
	return errs.ErrorOrNil()
}

func walk(fsys *Fs, dirPath string, fn WalkFunc, errs **multierror.Error) {
	f, err := fsys.Open(dirPath)
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("open %s: %w", dirPath, err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("stat %s: %w", dirPath, err))
		return
	}
	if err := fn(dirPath, info); err != nil {
		*errs = multierror.Append(*errs, err)
	}

	children, err := f.Readdir(-1)
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("readdir %s: %w", dirPath, err))
		return
	}

	for _, child := range children {
		childPath := path.Join(dirPath, child.Name())
		if child.IsDir() {
			walk(fsys, childPath, fn, errs)
			continue
		}
		if err := fn(childPath, child); err != nil {
			*errs = multierror.Append(*errs, err)
		}
	}
}
