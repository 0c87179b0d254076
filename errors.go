package fat32

import "errors"

// Error taxonomy from spec.md §7. Handlers return one of these (wrapped by
// checkpoint for caller context); StatusCode maps them to the wire
// constants of spec.md §6 for whatever reply-message code sits outside this
// module.
var (
	// ErrNotFAT is raised only during OpenFilesystem: the boot sector fails
	// the signature check or its cluster count falls outside the FAT32
	// window.
	ErrNotFAT = errors.New("fat32: not a FAT32 filesystem")

	// ErrIO covers any short read or misplaced seek against the block
	// device, from any handler that touches it.
	ErrIO = errors.New("fat32: device I/O error")

	// ErrOutOfMemory is raised when a directory cluster buffer cannot be
	// allocated (OpenRootDirectory, OpenChildDirectory).
	ErrOutOfMemory = errors.New("fat32: out of memory")

	// ErrInvalid is raised when OpenChildDirectory/OpenChildFile is called
	// without a matching prior ReadDirEntry result, or when ReadFileBlock
	// is given a buffer smaller than one cluster.
	ErrInvalid = errors.New("fat32: invalid operation")

	// ErrCapacityExhausted is raised when a handler would need to allocate
	// more than MaxHandles live handles of one kind.
	ErrCapacityExhausted = errors.New("fat32: handle capacity exhausted")
)

// Status codes forming the client boundary of spec.md §6. The dispatcher
// (out of this module's scope) translates these into reply messages.
const (
	StatusOK                   = 0
	StatusErrNotFAT            = -1
	StatusErrIO                = -2
	StatusErrOutOfMemory       = -3
	StatusErrInvalid           = -4
	StatusErrCapacityExhausted = -5
)

// StatusCode maps an error produced by this package to the wire status code
// a dispatcher would reply with. Unrecognized errors map to StatusErrIO,
// since every failure mode this module raises that isn't one of the named
// sentinels is, in practice, an I/O failure somewhere in the chain.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFAT):
		return StatusErrNotFAT
	case errors.Is(err, ErrOutOfMemory):
		return StatusErrOutOfMemory
	case errors.Is(err, ErrInvalid):
		return StatusErrInvalid
	case errors.Is(err, ErrCapacityExhausted):
		return StatusErrCapacityExhausted
	case errors.Is(err, ErrIO):
		return StatusErrIO
	default:
		return StatusErrIO
	}
}
