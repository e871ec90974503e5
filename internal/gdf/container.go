package gdf

import (
	"errors"
	"fmt"
)

// Magic is the "GDFW" header read as a little-endian uint32.
const Magic = 0x57464447

// Format versions.
const (
	VersionLegacy        = 300
	VersionChunkedMin    = 400
	VersionChunkedMax    = 499
	CompatVersionChunked = 400
)

// CategoryFirmware is the file category of firmware containers.
const CategoryFirmware = 100

// legacyHeaderSize covers magic, version, device id and the two blob sizes.
const legacyHeaderSize = 4 + 2 + 2 + 4 + 4

// legacyAbsent marks a missing secondary blob in the legacy header.
const legacyAbsent = 0xFFFFFFFF

// OptionMustUnderstand is set on chunks a loader has to support to use the file.
const OptionMustUnderstand = 1 << 0

// ChunkType identifies the payload of a chunked-format record.
type ChunkType uint32

// Chunk types defined by the container format. Only DeviceRange, PrimaryBinary,
// PrimaryUID and SecondaryBinary are interpreted by the parser.
const (
	ChunkTargetName      ChunkType = 0
	ChunkFirmwareName    ChunkType = 1
	ChunkVersionString   ChunkType = 2
	ChunkRemarks         ChunkType = 3
	ChunkManufacturer    ChunkType = 4
	ChunkCopyright       ChunkType = 5
	ChunkLicense         ChunkType = 6
	ChunkDisclaimer      ChunkType = 7
	ChunkCirculation     ChunkType = 8
	ChunkTimestamp       ChunkType = 20
	ChunkDeviceRange     ChunkType = 50
	ChunkPrimaryBinary   ChunkType = 100
	ChunkPrimaryUID      ChunkType = 101
	ChunkHWFeatureBits   ChunkType = 102
	ChunkSecondaryBinary ChunkType = 200
)

// String returns a human-readable chunk type name.
func (t ChunkType) String() string {
	switch t {
	case ChunkTargetName:
		return "target device name"
	case ChunkFirmwareName:
		return "firmware name"
	case ChunkVersionString:
		return "firmware version"
	case ChunkRemarks:
		return "remarks"
	case ChunkManufacturer:
		return "manufacturer"
	case ChunkCopyright:
		return "copyright"
	case ChunkLicense:
		return "license"
	case ChunkDisclaimer:
		return "disclaimer"
	case ChunkCirculation:
		return "circulation"
	case ChunkTimestamp:
		return "timestamp"
	case ChunkDeviceRange:
		return "target device type range"
	case ChunkPrimaryBinary:
		return "main MCU binary"
	case ChunkPrimaryUID:
		return "main MCU firmware UID"
	case ChunkHWFeatureBits:
		return "main MCU required HW features"
	case ChunkSecondaryBinary:
		return "secondary MCU binary"
	default:
		return fmt.Sprintf("unknown (%d)", uint32(t))
	}
}

// Validation errors. Parse wraps one of these with context; match with errors.Is.
var (
	ErrInvalidFile             = errors.New("invalid firmware file")
	ErrIncompatibleFirmware    = errors.New("incompatible firmware")
	ErrUnsupportedTargetDevice = errors.New("firmware does not support target device")
)

// Region is a byte range inside the container buffer.
type Region struct {
	Offset uint32
	Length uint32
}

// Chunk describes one record of a chunked container.
type Chunk struct {
	Name    string
	Type    ChunkType
	Options uint16
	Region  Region
}

// Container is the decoded layout of a firmware file. Regions point into the
// buffer given to Parse.
type Container struct {
	Version       uint16
	CompatVersion uint16
	Category      uint32

	// DeviceIDMin and DeviceIDMax are equal for the legacy format, which
	// carries a single device id.
	DeviceIDMin uint32
	DeviceIDMax uint32

	Chunks    []Chunk
	Primary   Region
	Secondary Region

	PrimaryUID    uint32
	HasPrimaryUID bool

	Checksum uint32
}

// Legacy reports whether the container uses the version 300 layout.
func (c *Container) Legacy() bool {
	return c.Version == VersionLegacy
}

// PrimaryData returns the main MCU binary from the buffer the container was parsed from.
func (c *Container) PrimaryData(buf []byte) []byte {
	return slice(buf, c.Primary)
}

// SecondaryData returns the secondary MCU binary, or nil if absent.
func (c *Container) SecondaryData(buf []byte) []byte {
	if c.Secondary.Length == 0 {
		return nil
	}
	return slice(buf, c.Secondary)
}

func slice(buf []byte, r Region) []byte {
	end := uint64(r.Offset) + uint64(r.Length)
	if end > uint64(len(buf)) {
		return nil
	}
	return buf[r.Offset:end]
}
