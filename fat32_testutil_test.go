package fat32

import "encoding/binary"

// fakeDevice is an in-memory BlockDevice backing the synthetic images these
// tests build byte-for-byte, the way aligator-GoFAT's tests read prebuilt
// testdata images but without needing `go generate` or binary fixtures.
type fakeDevice struct {
	data   []byte
	closed bool
}

func (d *fakeDevice) ReadAt(buf []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(buf)) > int64(len(d.data)) {
		return 0, ErrIO
	}
	return copy(buf, d.data[offset:offset+int64(len(buf))]), nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// imageBuilder assembles a synthetic FAT32 boot region, FAT table and data
// clusters, matching spec.md §8's scenarios field for field.
type imageBuilder struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	tables            uint8
	fatSizeSectors    uint32
	totalSectors32    uint32
	rootCluster       uint32

	fatEntries map[uint32]uint32
	clusters   map[uint32][]byte
}

func newImageBuilder() *imageBuilder {
	return &imageBuilder{
		bytesPerSector:    512,
		sectorsPerCluster: 8,
		reservedSectors:   32,
		tables:            2,
		fatSizeSectors:    1009,
		totalSectors32:    1_048_576,
		rootCluster:       2,
		fatEntries:        map[uint32]uint32{},
		clusters:          map[uint32][]byte{},
	}
}

// newSmallImageBuilder is a minimal-footprint geometry (still a valid
// FAT32 by cluster count) for tests that only exercise directory/cluster
// content, so they don't need to allocate megabyte-scale buffers just to
// reach a plausible first_data_sector.
func newSmallImageBuilder() *imageBuilder {
	b := newImageBuilder()
	b.sectorsPerCluster = 1
	b.tables = 1
	b.fatSizeSectors = 4
	b.reservedSectors = 8
	return b
}

func (b *imageBuilder) withCluster(n uint32, content []byte) *imageBuilder {
	b.clusters[n] = content
	return b
}

func (b *imageBuilder) withFATEntry(n, next uint32) *imageBuilder {
	b.fatEntries[n] = next
	return b
}

func (b *imageBuilder) firstDataSector() int64 {
	return int64(b.reservedSectors) + int64(b.tables)*int64(b.fatSizeSectors)
}

func (b *imageBuilder) clusterOffset(n uint32) int64 {
	firstSector := (int64(n) - 2) * int64(b.sectorsPerCluster) + b.firstDataSector()
	return firstSector * int64(b.bytesPerSector)
}

// build lays out the image: BPB (0:36), FAT32 EBR (36:90), the FAT table
// starting at reserved_sectors, and data clusters at their geometry-derived
// offsets.
func (b *imageBuilder) build() []byte {
	bytesPerCluster := int64(b.bytesPerSector) * int64(b.sectorsPerCluster)

	maxCluster := b.rootCluster
	for n := range b.clusters {
		if n > maxCluster {
			maxCluster = n
		}
	}
	for n := range b.fatEntries {
		if n > maxCluster {
			maxCluster = n
		}
	}

	totalSize := b.clusterOffset(maxCluster) + bytesPerCluster
	buf := make([]byte, totalSize)

	// BPB
	buf[0], buf[1], buf[2] = 0xEB, 0x3C, 0x90
	binary.LittleEndian.PutUint16(buf[11:13], b.bytesPerSector)
	buf[13] = b.sectorsPerCluster
	binary.LittleEndian.PutUint16(buf[14:16], b.reservedSectors)
	buf[16] = b.tables
	binary.LittleEndian.PutUint16(buf[17:19], 0) // root_direntries: 0 for FAT32
	binary.LittleEndian.PutUint16(buf[19:21], 0) // total_sectors_16: use the 32-bit field
	buf[21] = 0xF8
	binary.LittleEndian.PutUint16(buf[22:24], 0) // sectors_per_table_16: use the EBR's 32-bit field
	binary.LittleEndian.PutUint32(buf[32:36], b.totalSectors32)

	// FAT32 EBR
	binary.LittleEndian.PutUint32(buf[36:40], b.fatSizeSectors)
	binary.LittleEndian.PutUint32(buf[44:48], b.rootCluster)

	firstFATOffset := int64(b.reservedSectors) * int64(b.bytesPerSector)
	for n, next := range b.fatEntries {
		offset := firstFATOffset + int64(n)*4
		binary.LittleEndian.PutUint32(buf[offset:offset+4], next)
	}

	// Every cluster with content but no explicit chain link terminates the
	// chain there — a lone data cluster with a zero (unset) FAT entry would
	// otherwise masquerade as "chains to cluster 0", which is not a real FAT32
	// state any of these tests mean to exercise.
	const endOfChainMarker = 0x0FFF_FFFF
	for n := range b.clusters {
		if _, linked := b.fatEntries[n]; !linked {
			offset := firstFATOffset + int64(n)*4
			binary.LittleEndian.PutUint32(buf[offset:offset+4], endOfChainMarker)
		}
	}

	for n, content := range b.clusters {
		copy(buf[b.clusterOffset(n):], content)
	}

	return buf
}

// writeShortRecord lays out one 32-byte short directory record at dst.
func writeShortRecord(dst []byte, name83 [11]byte, attributes byte, size uint32, startCluster uint32, modDate, modTime uint16) {
	copy(dst[0:11], name83[:])
	dst[11] = attributes
	binary.LittleEndian.PutUint16(dst[18:20], modDate) // access date
	binary.LittleEndian.PutUint16(dst[20:22], uint16(startCluster>>16))
	binary.LittleEndian.PutUint16(dst[22:24], modTime)
	binary.LittleEndian.PutUint16(dst[24:26], modDate)
	binary.LittleEndian.PutUint16(dst[26:28], uint16(startCluster))
	binary.LittleEndian.PutUint32(dst[28:32], size)
}

// writeLFNRecord lays out one 32-byte VFAT long-name record at dst, encoding
// up to 13 UTF-16 code units of chars (padded with 0x0000 then 0xFFFF past
// the terminator, matching real VFAT records).
func writeLFNRecord(dst []byte, ordinal byte, chars [13]uint16) {
	dst[0] = ordinal
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(dst[1+2*i:], chars[i])
	}
	dst[11] = AttrLFN
	dst[12] = 0
	dst[13] = 0
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(dst[14+2*i:], chars[5+i])
	}
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(dst[28+2*i:], chars[11+i])
	}
}

// lfnChars16ForName packs a short ASCII name into up to 13 UTF-16 code
// units, zero-terminated and 0xFFFF-padded as real VFAT records are.
func lfnChars16ForName(name string) [13]uint16 {
	var out [13]uint16
	r := []rune(name)
	for i := range out {
		switch {
		case i < len(r):
			out[i] = uint16(r[i])
		case i == len(r):
			out[i] = 0
		default:
			out[i] = 0xFFFF
		}
	}
	return out
}

func name83(stem, ext string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[0:8], stem)
	copy(out[8:11], ext)
	return out
}
