package fat32

import (
	"bytes"
	"encoding/binary"

	"github.com/aligator/fat32srv/checkpoint"
)

// Geometry holds the layout parameters derived from a boot sector. Once
// built it is immutable. See spec.md §4.1.
type Geometry struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	Tables            uint8
	FATSizeSectors    uint32
	RootCluster       uint32
	FirstFATSector    uint32
	FirstDataSector   uint32
	BytesPerCluster   uint32
	TotalClusters     uint32
}

func verifyHeader(boot *BootSector) bool {
	return boot.BPB.Header[0] == 0xEB && boot.BPB.Header[2] == 0x90
}

func verifyClusterCount(totalClusters uint32) bool {
	return totalClusters >= minClusters && totalClusters < maxClusters
}

// DecodeBootSector parses the 90-byte boot region (BPB + FAT32 EBR) out of
// raw, assuming little-endian on-disk byte order, the way the teacher's
// fs.go decodes its BPB with encoding/binary.Read.
func DecodeBootSector(raw []byte) (BootSector, error) {
	var boot BootSector
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &boot.BPB); err != nil {
		return BootSector{}, checkpoint.Wrap(err, ErrIO)
	}

	// The FAT32 EBR begins right after the 36-byte BPB and ends at offset 90.
	const ebrOffset = 36
	if len(raw) < ebrOffset+54 {
		return BootSector{}, checkpoint.From(ErrIO)
	}
	if err := binary.Read(bytes.NewReader(raw[ebrOffset:]), binary.LittleEndian, &boot.EBR); err != nil {
		return BootSector{}, checkpoint.Wrap(err, ErrIO)
	}

	return boot, nil
}

// BuildGeometry calculates layout parameters from a decoded boot sector and
// rejects anything that is not FAT32 by cluster count. See spec.md §4.1 for
// the derivation this mirrors field for field.
func BuildGeometry(boot *BootSector) (Geometry, error) {
	if !verifyHeader(boot) {
		return Geometry{}, checkpoint.From(ErrNotFAT)
	}

	bpb := &boot.BPB

	var g Geometry
	g.BytesPerSector = bpb.BytesPerSector
	g.SectorsPerCluster = bpb.SectorsPerCluster
	g.ReservedSectors = bpb.ReservedSectors
	g.Tables = bpb.Tables
	g.BytesPerCluster = uint32(bpb.BytesPerSector) * uint32(bpb.SectorsPerCluster)

	// FAT32 normally carries its FAT size in the EBR's 32-bit field; the
	// 16-bit BPB field still takes priority whenever it is nonzero, kept for
	// oddly formatted images, per spec.md §4.1 and §9 ("ambiguous fallback").
	if bpb.SectorsPerTable16 != 0 {
		g.FATSizeSectors = uint32(bpb.SectorsPerTable16)
	} else {
		g.FATSizeSectors = boot.EBR.SectorsPerTable32
	}

	rootDirSectors := (uint32(bpb.RootEntryCount)*32 + uint32(bpb.BytesPerSector) - 1) / uint32(bpb.BytesPerSector)

	g.FirstFATSector = uint32(bpb.ReservedSectors)
	g.FirstDataSector = uint32(bpb.ReservedSectors) + uint32(bpb.Tables)*g.FATSizeSectors + rootDirSectors

	var totalSectors uint32
	if bpb.TotalSectors16 != 0 {
		totalSectors = uint32(bpb.TotalSectors16)
	} else {
		totalSectors = bpb.TotalSectors32
	}

	dataSectors := totalSectors - g.FirstDataSector
	g.TotalClusters = dataSectors / uint32(bpb.SectorsPerCluster)

	if !verifyClusterCount(g.TotalClusters) {
		return Geometry{}, checkpoint.From(ErrNotFAT)
	}

	g.RootCluster = boot.EBR.RootCluster
	return g, nil
}
