package fat32

import (
	"io"
	"log/slog"

	"github.com/aligator/fat32srv/checkpoint"
	"github.com/aligator/fat32srv/handles"
)

// FilesystemHandle owns an opened block device, the boot sector it was
// opened from, and the geometry derived from it. See spec.md §3.
type FilesystemHandle struct {
	requester int
	device    BlockDevice
	boot      BootSector
	geom      Geometry
}

// Geometry exposes the derived layout parameters of an open filesystem.
func (h *FilesystemHandle) Geometry() Geometry { return h.geom }

// DirectoryHandle borrows a filesystem handle and owns one cluster buffer
// via its DirCursor. fsID is not an ownership edge — closing the
// filesystem out from under a live directory is the client's bug, per
// spec.md §3.
type DirectoryHandle struct {
	fsID   int
	cursor *DirCursor
}

// FileHandle borrows a filesystem handle and tracks a read cursor over a
// file's cluster chain. It owns no buffer — the client supplies the read
// target on every ReadFileBlock call.
type FileHandle struct {
	fsID          int
	chain         ClusterChain
	activeCluster int64 // -1 once exhausted
	remainingSize uint32
}

// Service bundles the three handle registries with the collaborators that
// are out of this module's scope per spec.md §1: how a block device gets
// opened, and where informational log lines go.
type Service struct {
	filesystems *handles.Store[FilesystemHandle]
	directories *handles.Store[DirectoryHandle]
	files       *handles.Store[FileHandle]

	opener DeviceOpener
	log    *slog.Logger
}

// NewService constructs a Service ready to serve requests. A nil opener
// defaults to opening real OS files; a nil logger discards log output.
func NewService(opener DeviceOpener, logger *slog.Logger) *Service {
	if opener == nil {
		opener = openOSDevice
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Service{
		filesystems: handles.NewStore[FilesystemHandle](MaxHandles),
		directories: handles.NewStore[DirectoryHandle](MaxHandles),
		files:       handles.NewStore[FileHandle](MaxHandles),
		opener:      opener,
		log:         logger,
	}
}

// OpenFilesystem opens the block device at path, validates its boot sector,
// and returns a new filesystem handle id. See spec.md §4.7.
func (s *Service) OpenFilesystem(path string, requester int) (int, error) {
	device, err := s.opener(path)
	if err != nil {
		return 0, checkpoint.Wrap(err, ErrIO)
	}

	const bootRegionSize = 90
	raw := make([]byte, bootRegionSize)
	if err := readExact(device, 0, raw); err != nil {
		device.Close()
		return 0, checkpoint.Wrap(err, ErrIO)
	}

	boot, err := DecodeBootSector(raw)
	if err != nil {
		device.Close()
		return 0, err
	}

	geom, err := BuildGeometry(&boot)
	if err != nil {
		device.Close()
		return 0, err
	}

	id, slot, ok := s.filesystems.Create()
	if !ok {
		device.Close()
		return 0, checkpoint.From(ErrCapacityExhausted)
	}

	slot.requester = requester
	slot.device = device
	slot.boot = boot
	slot.geom = geom

	s.log.Info("filesystem opened", "id", id, "path", path, "total_clusters", geom.TotalClusters)
	return id, nil
}

// OpenRootDirectory opens a directory handle positioned at fs's root
// cluster. See spec.md §4.7.
func (s *Service) OpenRootDirectory(fs int, requester int) (int, error) {
	fsHandle, found := s.filesystems.Find(fs)
	if !found {
		return 0, checkpoint.From(ErrInvalid)
	}

	return s.openDirectoryAt(fs, fsHandle, fsHandle.geom.RootCluster, requester)
}

// openDirectoryAt primes a cursor at startCluster before allocating its
// directory handle, so a cursor failure never reaches handles.Store.Create
// and there is nothing to roll back — Create is the last, unconditional
// step once every fallible part of the open has already succeeded.
func (s *Service) openDirectoryAt(fs int, fsHandle *FilesystemHandle, startCluster uint32, requester int) (int, error) {
	chain := NewClusterChain(fsHandle.geom, fsHandle.device)
	cursor, err := NewDirCursor(chain, fsHandle.geom, startCluster)
	if err != nil {
		return 0, err
	}

	id, slot, ok := s.directories.Create()
	if !ok {
		return 0, checkpoint.From(ErrCapacityExhausted)
	}

	slot.fsID = fs
	slot.cursor = cursor

	return id, nil
}

// ReadDirEntry advances dir by one logical entry. See spec.md §4.3/§4.7.
func (s *Service) ReadDirEntry(dir int, requester int) (Entry, bool, error) {
	dirHandle, found := s.directories.Find(dir)
	if !found {
		return Entry{}, false, checkpoint.From(ErrInvalid)
	}

	entry, ok, err := dirHandle.cursor.ReadNext()
	if err != nil {
		return Entry{}, false, err
	}
	return entry, ok, nil
}

// OpenChildDirectory opens the directory last yielded by ReadDirEntry on
// dir. It returns ErrInvalid if no entry was read, or the last entry read
// was not itself a directory. See spec.md §4.7.
func (s *Service) OpenChildDirectory(dir int, requester int) (int, error) {
	dirHandle, found := s.directories.Find(dir)
	if !found {
		return 0, checkpoint.From(ErrInvalid)
	}

	startCluster, isDir, _, ok := dirHandle.cursor.LastEntry()
	if !ok || !isDir {
		return 0, checkpoint.From(ErrInvalid)
	}

	fsHandle, found := s.filesystems.Find(dirHandle.fsID)
	if !found {
		return 0, checkpoint.From(ErrInvalid)
	}

	return s.openDirectoryAt(dirHandle.fsID, fsHandle, startCluster, requester)
}

// OpenChildFile opens the file last yielded by ReadDirEntry on dir. It
// returns ErrInvalid if no entry was read, or the last entry read was a
// directory. See spec.md §4.7.
func (s *Service) OpenChildFile(dir int, requester int) (int, error) {
	dirHandle, found := s.directories.Find(dir)
	if !found {
		return 0, checkpoint.From(ErrInvalid)
	}

	startCluster, isDir, sizeBytes, ok := dirHandle.cursor.LastEntry()
	if !ok || isDir {
		return 0, checkpoint.From(ErrInvalid)
	}

	fsHandle, found := s.filesystems.Find(dirHandle.fsID)
	if !found {
		return 0, checkpoint.From(ErrInvalid)
	}

	id, slot, ok := s.files.Create()
	if !ok {
		return 0, checkpoint.From(ErrCapacityExhausted)
	}

	slot.fsID = dirHandle.fsID
	slot.chain = NewClusterChain(fsHandle.geom, fsHandle.device)
	slot.remainingSize = sizeBytes
	if sizeBytes == 0 {
		slot.activeCluster = -1
	} else {
		slot.activeCluster = int64(startCluster)
	}

	return id, nil
}

// ReadFileBlock reads one cluster's worth of file's remaining data into
// buf, which must be at least one cluster long. It returns the number of
// valid bytes written to buf — zero once the file is exhausted. See
// spec.md §4.7.
func (s *Service) ReadFileBlock(file int, buf []byte, requester int) (int, error) {
	fileHandle, found := s.files.Find(file)
	if !found {
		return 0, checkpoint.From(ErrInvalid)
	}

	fsHandle, found := s.filesystems.Find(fileHandle.fsID)
	if !found {
		return 0, checkpoint.From(ErrInvalid)
	}

	bytesPerCluster := int(fsHandle.geom.BytesPerCluster)
	if len(buf) < bytesPerCluster {
		return 0, checkpoint.From(ErrInvalid)
	}

	if fileHandle.activeCluster == -1 || fileHandle.remainingSize == 0 {
		return 0, nil
	}

	if err := fileHandle.chain.ReadCluster(uint32(fileHandle.activeCluster), buf[:bytesPerCluster]); err != nil {
		return 0, err
	}

	var n int
	if fileHandle.remainingSize < uint32(bytesPerCluster) {
		n = int(fileHandle.remainingSize)
		fileHandle.remainingSize = 0
		fileHandle.activeCluster = -1
		return n, nil
	}

	n = bytesPerCluster
	fileHandle.remainingSize -= uint32(bytesPerCluster)

	next, ok, err := fileHandle.chain.NextCluster(uint32(fileHandle.activeCluster))
	if err != nil {
		return 0, err
	}
	if !ok {
		if fileHandle.remainingSize != 0 {
			// Declared size outruns the chain. Logged, not escalated — the
			// data on disk may legitimately be truncated from here, per
			// spec.md §4.7/§7.
			s.log.Warn("file chain ended with nonzero remaining size", "file", file, "remaining", fileHandle.remainingSize)
		}
		fileHandle.activeCluster = -1
		fileHandle.remainingSize = 0
	} else {
		fileHandle.activeCluster = int64(next)
	}

	return n, nil
}

// FilesystemGeometry returns the geometry derived for an open filesystem,
// so external callers (e.g. aferofs) can size their own read buffers
// without reaching into package-private handle fields.
func (s *Service) FilesystemGeometry(fs int) (Geometry, error) {
	fsHandle, found := s.filesystems.Find(fs)
	if !found {
		return Geometry{}, checkpoint.From(ErrInvalid)
	}
	return fsHandle.geom, nil
}

// CloseDirectory releases dir's cluster buffer and destroys the handle.
func (s *Service) CloseDirectory(dir int) error {
	if !s.directories.Destroy(dir) {
		return checkpoint.From(ErrInvalid)
	}
	return nil
}

// CloseFile destroys file's handle. File handles own no buffer, so this
// only removes the registry entry.
func (s *Service) CloseFile(file int) error {
	if !s.files.Destroy(file) {
		return checkpoint.From(ErrInvalid)
	}
	return nil
}

// CloseFilesystem releases fs's block device and destroys the handle.
// Closing a filesystem with live directory/file dependents is the
// client's bug, per spec.md §3 — this does not attempt to detect it.
func (s *Service) CloseFilesystem(fs int) error {
	fsHandle, found := s.filesystems.Find(fs)
	if !found {
		return checkpoint.From(ErrInvalid)
	}

	if err := fsHandle.device.Close(); err != nil {
		s.log.Warn("error closing device", "fs", fs, "err", err)
	}

	s.filesystems.Destroy(fs)
	return nil
}
