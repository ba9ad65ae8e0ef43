package layout

import "encoding/binary"

// Storage control block offsets. The SCB is the first block of BITMAP.SYS.
const (
	scbStrucLev  = 0
	scbCluster   = 2
	scbVolSize   = 4
	scbBlkSize   = 8
	scbSectors   = 12
	scbTracks    = 16
	scbCylinders = 20
)

// SCB is a decoded storage control block.
type SCB struct {
	StrucLev  uint16 `json:"struc_level"`
	Cluster   uint16 `json:"cluster"`
	VolSize   uint32 `json:"volume_size"`
	BlkSize   uint32 `json:"block_size"`
	Sectors   uint32 `json:"sectors"`
	Tracks    uint32 `json:"tracks"`
	Cylinders uint32 `json:"cylinders"`
}

// DecodeSCB decodes a storage control block.
func DecodeSCB(b []byte) (SCB, error) {
	if err := checkBlock(b); err != nil {
		return SCB{}, err
	}
	le := binary.LittleEndian
	return SCB{
		StrucLev:  le.Uint16(b[scbStrucLev:]),
		Cluster:   le.Uint16(b[scbCluster:]),
		VolSize:   le.Uint32(b[scbVolSize:]),
		BlkSize:   le.Uint32(b[scbBlkSize:]),
		Sectors:   le.Uint32(b[scbSectors:]),
		Tracks:    le.Uint32(b[scbTracks:]),
		Cylinders: le.Uint32(b[scbCylinders:]),
	}, nil
}

// Encode writes s into b and recomputes the checksum.
func (s SCB) Encode(b []byte) error {
	if err := checkBlock(b); err != nil {
		return err
	}
	le := binary.LittleEndian
	le.PutUint16(b[scbStrucLev:], s.StrucLev)
	le.PutUint16(b[scbCluster:], s.Cluster)
	le.PutUint32(b[scbVolSize:], s.VolSize)
	le.PutUint32(b[scbBlkSize:], s.BlkSize)
	le.PutUint32(b[scbSectors:], s.Sectors)
	le.PutUint32(b[scbTracks:], s.Tracks)
	le.PutUint32(b[scbCylinders:], s.Cylinders)
	SetChecksum(b)
	return nil
}

// Clusters returns the number of clusters on the volume, rounding up.
func (s SCB) Clusters() uint32 {
	if s.Cluster == 0 {
		return 0
	}
	return (s.VolSize + uint32(s.Cluster) - 1) / uint32(s.Cluster)
}
