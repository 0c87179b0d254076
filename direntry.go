package fat32

import (
	"encoding/binary"

	"github.com/aligator/fat32srv/checkpoint"
)

const direntrySize = 32

// endOfCluster is the cluster_buffer_offset sentinel meaning "no more
// clusters in this chain" — spec.md §3's "-1 means no more clusters".
const endOfCluster = -1

// DirCursor is a sequential reader over one directory's cluster chain. It
// holds exactly one cluster's worth of buffer and yields decoded Entry
// values one at a time, coalescing VFAT long-name records with the short
// record they anchor. See spec.md §4.3.
type DirCursor struct {
	chain  ClusterChain
	geom   Geometry
	buffer []byte

	activeCluster int64 // current cluster number
	bufferOffset  int   // offset into buffer, multiple of 32, or endOfCluster

	lastEntryStartCluster uint32
	lastEntryIsDir        bool
	lastEntrySizeBytes    uint32
	lastEntryValid        bool
}

// NewDirCursor allocates a cursor's cluster buffer and primes it with the
// contents of startCluster. ErrOutOfMemory stands in for an allocation
// failure of the BytesPerCluster-sized buffer (see spec.md §7); in this Go
// port that is modeled as geometry producing a non-positive cluster size
// rather than a runtime allocation failure, since Go's allocator does not
// expose a recoverable out-of-memory signal the way malloc(3) does.
func NewDirCursor(chain ClusterChain, geom Geometry, startCluster uint32) (*DirCursor, error) {
	if geom.BytesPerCluster == 0 {
		return nil, checkpoint.From(ErrOutOfMemory)
	}

	c := &DirCursor{
		chain:         chain,
		geom:          geom,
		buffer:        make([]byte, geom.BytesPerCluster),
		activeCluster: int64(startCluster),
		bufferOffset:  0,
	}

	if err := chain.ReadCluster(startCluster, c.buffer); err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}

	return c, nil
}

// advanceCluster moves to the next cluster in the chain, refilling the
// buffer, or marks the cursor exhausted (bufferOffset = endOfCluster) if the
// chain has ended.
func (c *DirCursor) advanceCluster() error {
	next, ok, err := c.chain.NextCluster(uint32(c.activeCluster))
	if err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}

	if !ok {
		c.bufferOffset = endOfCluster
		return nil
	}

	c.activeCluster = int64(next)
	c.bufferOffset = 0
	if err := c.chain.ReadCluster(next, c.buffer); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

// lfnChars16 copies the 13 scattered UTF-16 code units of a long-name record
// into order (5 + 6 + 2, matching their struct layout).
func lfnChars16(rec *LFNDirEntry) [13]uint16 {
	var out [13]uint16
	copy(out[0:5], rec.Chars1[:])
	copy(out[5:11], rec.Chars2[:])
	copy(out[11:13], rec.Chars3[:])
	return out
}

// ReadNext decodes and returns the next logical directory entry. ok is
// false (with a nil error) once the directory is exhausted; callers must
// not read further after that. See spec.md §4.3 for the full algorithm.
func (c *DirCursor) ReadNext() (entry Entry, ok bool, err error) {
	c.lastEntryValid = false

	if c.bufferOffset == endOfCluster {
		return Entry{}, false, nil
	}

	// Back-writer reconstruction buffer: a trailing NUL is guaranteed by
	// starting one slot before the last element and never writing past it.
	var nameBuf [MaxNameLen]byte
	cursor := len(nameBuf) - 2

	sawLFN := false
	var short *ShortDirEntry

	for short == nil {
		if c.bufferOffset+direntrySize > len(c.buffer) {
			if err := c.advanceCluster(); err != nil {
				return Entry{}, false, err
			}
			if c.bufferOffset == endOfCluster {
				return Entry{}, false, nil
			}
		}

		raw := c.buffer[c.bufferOffset : c.bufferOffset+direntrySize]
		c.bufferOffset += direntrySize

		switch {
		case raw[0] == 0x00:
			// No further entries anywhere in this cluster; try the next one
			// in the chain (it may legitimately hold more, see spec.md §4.3).
			if err := c.advanceCluster(); err != nil {
				return Entry{}, false, err
			}
			if c.bufferOffset == endOfCluster {
				return Entry{}, false, nil
			}

		case raw[11] == AttrLFN:
			sawLFN = true
			if cursor < 0 {
				// A previous record already ran the reconstruction buffer
				// dry; skip this one (spec.md §4.3's "truncation" case).
				continue
			}

			var lfn LFNDirEntry
			lfn.Ordinal = raw[0]
			for i := 0; i < 5; i++ {
				lfn.Chars1[i] = binary.LittleEndian.Uint16(raw[1+2*i:])
			}
			lfn.Attributes = raw[11]
			lfn.Type = raw[12]
			lfn.Checksum = raw[13]
			for i := 0; i < 6; i++ {
				lfn.Chars2[i] = binary.LittleEndian.Uint16(raw[14+2*i:])
			}
			for i := 0; i < 2; i++ {
				lfn.Chars3[i] = binary.LittleEndian.Uint16(raw[28+2*i:])
			}

			chars := lfnChars16(&lfn)
			length := len(chars)
			for i, u := range chars {
				if u == 0 {
					length = i
					break
				}
			}

			for i := length - 1; i >= 0; i-- {
				if cursor < 0 {
					break
				}
				nameBuf[cursor] = byte(chars[i] & 0xFF)
				cursor--
			}

		default:
			var se ShortDirEntry
			se.Name83 = [11]byte(raw[0:11])
			se.Attributes = raw[11]
			se.CreationTime = binary.LittleEndian.Uint16(raw[14:16])
			se.CreationDate = binary.LittleEndian.Uint16(raw[16:18])
			se.LastAccessDate = binary.LittleEndian.Uint16(raw[18:20])
			se.FirstClusterHigh = binary.LittleEndian.Uint16(raw[20:22])
			se.ModifiedTime = binary.LittleEndian.Uint16(raw[22:24])
			se.ModifiedDate = binary.LittleEndian.Uint16(raw[24:26])
			se.FirstClusterLow = binary.LittleEndian.Uint16(raw[26:28])
			se.SizeBytes = binary.LittleEndian.Uint32(raw[28:32])
			short = &se
		}
	}

	c.lastEntryIsDir = short.Attributes&AttrDir != 0
	c.lastEntryStartCluster = short.FirstCluster()
	c.lastEntrySizeBytes = short.SizeBytes
	c.lastEntryValid = true

	var filename string
	if sawLFN {
		filename = nulTerminated(nameBuf[cursor+1:])
	} else {
		filename = DecodeShortName(short.Name83)
	}

	entry = Entry{
		Filename:     filename,
		IsDirectory:  short.Attributes&AttrDir != 0,
		IsReadOnly:   short.Attributes&AttrReadOnly != 0,
		IsHidden:     short.Attributes&AttrHidden != 0,
		IsSystem:     short.Attributes&AttrSystem != 0,
		Creation:     decodeDateTime(short.CreationDate, short.CreationTime),
		Modification: decodeDateTime(short.ModifiedDate, short.ModifiedTime),
		Access:       decodeDateOnly(short.LastAccessDate),
		SizeBytes:    short.SizeBytes,
	}

	return entry, true, nil
}

// LastEntry reports the cluster/kind/size of the most recently yielded
// entry, memoized so OpenChildDirectory/OpenChildFile can act on it. ok is
// false if ReadNext has not yet successfully produced an entry.
func (c *DirCursor) LastEntry() (startCluster uint32, isDir bool, sizeBytes uint32, ok bool) {
	return c.lastEntryStartCluster, c.lastEntryIsDir, c.lastEntrySizeBytes, c.lastEntryValid
}

func nulTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// DecodeShortName converts an 11-byte 8.3 field into a "NAME.EXT" string, as
// spec.md §4.4 describes: the first space inside the 8-byte name becomes
// the dot, and a space-led extension is dropped entirely.
func DecodeShortName(raw [11]byte) string {
	var out [13]byte // 8 + '.' + 3 + slack, trimmed to n below

	firstSpace := 8
	for i := 0; i < 8; i++ {
		if raw[i] == ' ' {
			firstSpace = i
			break
		}
	}
	copy(out[:firstSpace], raw[:firstSpace])
	n := firstSpace

	if raw[8] != ' ' {
		out[n] = '.'
		n++

		extEnd := 11
		for i := 8; i < 11; i++ {
			if raw[i] == ' ' {
				extEnd = i
				break
			}
		}
		n += copy(out[n:], raw[8:extEnd])
	}

	return string(out[:n])
}
