package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// FormatName is the format field of every ODS-2 home block.
const FormatName = "DECFILE11B  "

// StrucLevel2 is the structure level word of ODS-2 volumes (level 2, version 1).
const StrucLevel2 = 0x0201

// Home block field offsets.
const (
	homeHomeLBN   = 0
	homeAltHome   = 4
	homeAltIdx    = 8
	homeStrucLev  = 12
	homeCluster   = 14
	homeHomeVBN   = 16
	homeAltHomeV  = 18
	homeAltIdxV   = 20
	homeIBMapVBN  = 22
	homeIBMapLBN  = 24
	homeMaxFiles  = 28
	homeIBMapSize = 32
	homeResFiles  = 34
	homeDevType   = 36
	homeRVN       = 38
	homeSetCount  = 40
	homeVolChar   = 42
	homeChecksum1 = 58
	homeSerialNum = 456
	homeStrucName = 460
	homeVolName   = 472
	homeOwnerName = 484
	homeFormat    = 496
)

// Home is a decoded home block.
type Home struct {
	HomeLBN    uint32 `json:"home_lbn"`
	AltHomeLBN uint32 `json:"alt_home_lbn"`
	AltIdxLBN  uint32 `json:"alt_index_lbn"`
	StrucLev   uint16 `json:"struc_level"`
	Cluster    uint16 `json:"cluster"`
	HomeVBN    uint16 `json:"home_vbn"`
	AltHomeVBN uint16 `json:"alt_home_vbn"`
	AltIdxVBN  uint16 `json:"alt_index_vbn"`
	IBMapVBN   uint16 `json:"ibmap_vbn"`
	IBMapLBN   uint32 `json:"ibmap_lbn"`
	MaxFiles   uint32 `json:"max_files"`
	IBMapSize  uint16 `json:"ibmap_size"`
	ResFiles   uint16 `json:"reserved_files"`
	DevType    uint16 `json:"device_type"`
	RVN        uint16 `json:"rvn"`
	SetCount   uint16 `json:"set_count"`
	VolChar    uint16 `json:"volume_char"`
	SerialNum  uint32 `json:"serial_number"`
	StrucName  string `json:"structure_name"`
	VolName    string `json:"volume_name"`
	OwnerName  string `json:"owner_name"`
	Format     string `json:"format"`
	Checksum1  uint16 `json:"checksum1"`
	Checksum2  uint16 `json:"checksum2"`
}

// DecodeHome decodes a home block. Text fields keep their padding trimmed;
// Format is kept verbatim.
func DecodeHome(b []byte) (Home, error) {
	if err := checkBlock(b); err != nil {
		return Home{}, err
	}
	le := binary.LittleEndian
	return Home{
		HomeLBN:    le.Uint32(b[homeHomeLBN:]),
		AltHomeLBN: le.Uint32(b[homeAltHome:]),
		AltIdxLBN:  le.Uint32(b[homeAltIdx:]),
		StrucLev:   le.Uint16(b[homeStrucLev:]),
		Cluster:    le.Uint16(b[homeCluster:]),
		HomeVBN:    le.Uint16(b[homeHomeVBN:]),
		AltHomeVBN: le.Uint16(b[homeAltHomeV:]),
		AltIdxVBN:  le.Uint16(b[homeAltIdxV:]),
		IBMapVBN:   le.Uint16(b[homeIBMapVBN:]),
		IBMapLBN:   le.Uint32(b[homeIBMapLBN:]),
		MaxFiles:   le.Uint32(b[homeMaxFiles:]),
		IBMapSize:  le.Uint16(b[homeIBMapSize:]),
		ResFiles:   le.Uint16(b[homeResFiles:]),
		DevType:    le.Uint16(b[homeDevType:]),
		RVN:        le.Uint16(b[homeRVN:]),
		SetCount:   le.Uint16(b[homeSetCount:]),
		VolChar:    le.Uint16(b[homeVolChar:]),
		SerialNum:  le.Uint32(b[homeSerialNum:]),
		StrucName:  trimText(b[homeStrucName : homeStrucName+12]),
		VolName:    trimText(b[homeVolName : homeVolName+12]),
		OwnerName:  trimText(b[homeOwnerName : homeOwnerName+12]),
		Format:     string(b[homeFormat : homeFormat+12]),
		Checksum1:  le.Uint16(b[homeChecksum1:]),
		Checksum2:  StoredChecksum(b),
	}, nil
}

// Encode writes h into b and recomputes both checksums. Fields not modelled
// by Home are left untouched.
func (h Home) Encode(b []byte) error {
	if err := checkBlock(b); err != nil {
		return err
	}
	le := binary.LittleEndian
	le.PutUint32(b[homeHomeLBN:], h.HomeLBN)
	le.PutUint32(b[homeAltHome:], h.AltHomeLBN)
	le.PutUint32(b[homeAltIdx:], h.AltIdxLBN)
	le.PutUint16(b[homeStrucLev:], h.StrucLev)
	le.PutUint16(b[homeCluster:], h.Cluster)
	le.PutUint16(b[homeHomeVBN:], h.HomeVBN)
	le.PutUint16(b[homeAltHomeV:], h.AltHomeVBN)
	le.PutUint16(b[homeAltIdxV:], h.AltIdxVBN)
	le.PutUint16(b[homeIBMapVBN:], h.IBMapVBN)
	le.PutUint32(b[homeIBMapLBN:], h.IBMapLBN)
	le.PutUint32(b[homeMaxFiles:], h.MaxFiles)
	le.PutUint16(b[homeIBMapSize:], h.IBMapSize)
	le.PutUint16(b[homeResFiles:], h.ResFiles)
	le.PutUint16(b[homeDevType:], h.DevType)
	le.PutUint16(b[homeRVN:], h.RVN)
	le.PutUint16(b[homeSetCount:], h.SetCount)
	le.PutUint16(b[homeVolChar:], h.VolChar)
	le.PutUint32(b[homeSerialNum:], h.SerialNum)
	putText(b[homeStrucName:homeStrucName+12], h.StrucName)
	putText(b[homeVolName:homeVolName+12], h.VolName)
	putText(b[homeOwnerName:homeOwnerName+12], h.OwnerName)
	format := h.Format
	if format == "" {
		format = FormatName
	}
	putText(b[homeFormat:homeFormat+12], format)

	le.PutUint16(b[homeChecksum1:], checksumWords(b, homeChecksum1/2))
	SetChecksum(b)
	return nil
}

// IsHomeAt reports whether b looks like the home block stored at lbn: its
// self-pointer matches and the format field reads DECFILE11B.
func IsHomeAt(b []byte, lbn uint32) bool {
	if len(b) < BlockSize {
		return false
	}
	return binary.LittleEndian.Uint32(b[homeHomeLBN:]) == lbn &&
		bytes.Equal(b[homeFormat:homeFormat+12], []byte(FormatName))
}

// VerifyHome checks the secondary home block checksum.
func VerifyHome(b []byte) error {
	if err := VerifyChecksum(b); err != nil {
		return fmt.Errorf("home block: %w", err)
	}
	return nil
}

func trimText(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// putText writes s space-padded to len(dst), truncating if necessary.
func putText(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}
