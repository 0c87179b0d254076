package fat32

// Entry is the logical directory entry handed back to clients by
// ReadDirEntry — spec.md §3's "Logical directory entry". Filename is
// already reassembled from either an 8.3 short name or a coalesced VFAT
// long-name set; callers never see raw on-disk records.
type Entry struct {
	Filename string

	IsDirectory bool
	IsReadOnly  bool
	IsHidden    bool
	IsSystem    bool

	Creation     DateTime // date + time
	Modification DateTime // date + time
	Access       DateTime // date only

	SizeBytes uint32

	// The starting cluster is not part of the public Entry shape. It is
	// memoized on the directory cursor instead, where
	// OpenChildDirectory/OpenChildFile read it back together with the
	// entry's kind and size — see DirCursor.LastEntry in direntry.go.
}
