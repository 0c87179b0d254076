package fat32

import (
	"encoding/binary"

	"github.com/aligator/fat32srv/checkpoint"
)

// fatEntryMask and endOfChainMin isolate the usable 28 bits of a FAT32 FAT
// entry and the range that signals end-of-chain, per spec.md §4.2/§6.
const (
	fatEntryMask  = 0x0FFF_FFFF
	endOfChainMin = 0x0FFF_FFF8
)

// ClusterChain reads cluster contents and walks the FAT to find successors,
// against a fixed Geometry and BlockDevice. See spec.md §4.2.
type ClusterChain struct {
	geometry Geometry
	device   BlockDevice
}

// NewClusterChain binds a cluster chain reader to a geometry and device.
func NewClusterChain(geometry Geometry, device BlockDevice) ClusterChain {
	return ClusterChain{geometry: geometry, device: device}
}

// clusterByteOffset computes the byte offset of cluster n's first byte.
// Cluster numbers below 2 are never produced by the directory iterator;
// callers must not pass them (spec.md §4.2, "treated as malformed input").
func (c ClusterChain) clusterByteOffset(n uint32) int64 {
	firstSector := (int64(n) - 2) * int64(c.geometry.SectorsPerCluster) + int64(c.geometry.FirstDataSector)
	return firstSector * int64(c.geometry.BytesPerSector)
}

// ReadCluster reads the full contents of cluster n into buf, which must be
// exactly BytesPerCluster long.
func (c ClusterChain) ReadCluster(n uint32, buf []byte) error {
	if err := readExact(c.device, c.clusterByteOffset(n), buf); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

// NextCluster resolves cluster n's successor in the FAT. ok is false when n
// is the last cluster of its chain (the masked FAT entry is
// end-of-chain, i.e. >= 0x0FFFFFF8).
func (c ClusterChain) NextCluster(n uint32) (next uint32, ok bool, err error) {
	offset := int64(c.geometry.FirstFATSector)*int64(c.geometry.BytesPerSector) + int64(n)*4

	var raw [4]byte
	if err := readExact(c.device, offset, raw[:]); err != nil {
		return 0, false, checkpoint.Wrap(err, ErrIO)
	}

	masked := binary.LittleEndian.Uint32(raw[:]) & fatEntryMask
	if masked >= endOfChainMin {
		return 0, false, nil
	}
	return masked, true, nil
}
