package gdf

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/bigbag/smdeploy/internal/bytebuf"
)

// ChecksumFunc computes the CRC-32 of a chunked container body.
type ChecksumFunc func(data []byte) uint32

type options struct {
	crc ChecksumFunc
}

// Option configures Parse.
type Option func(*options)

// WithCRC replaces the CRC-32 used to validate chunked containers.
// The default is crc32.ChecksumIEEE.
func WithCRC(fn ChecksumFunc) Option {
	return func(o *options) {
		o.crc = fn
	}
}

// Parse validates a firmware container and returns its layout.
//
// deviceType is the type id read from the connected drive; it is checked
// against the device family (legacy format) or the device id range chunk
// (chunked format). All multi-byte fields are little-endian.
func Parse(data []byte, deviceType uint32, opts ...Option) (*Container, error) {
	o := options{crc: crc32.ChecksumIEEE}
	for _, opt := range opts {
		opt(&o)
	}

	r := bytebuf.NewReader(data)

	magic, err := r.U32()
	if err != nil {
		return nil, invalid(err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("bad magic 0x%08X: %w", magic, ErrInvalidFile)
	}

	version, err := r.U16()
	if err != nil {
		return nil, invalid(err)
	}

	switch {
	case version == VersionLegacy:
		return parseLegacy(r, data, deviceType)
	case version >= VersionChunkedMin && version <= VersionChunkedMax:
		return parseChunked(data, r.Pos(), version, deviceType, o.crc)
	default:
		return nil, fmt.Errorf("unsupported file version %d: %w", version, ErrIncompatibleFirmware)
	}
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidFile, err)
}

func parseLegacy(r *bytebuf.Reader, data []byte, deviceType uint32) (*Container, error) {
	deviceID, err := r.U16()
	if err != nil {
		return nil, invalid(err)
	}
	primarySize, err := r.U32()
	if err != nil {
		return nil, invalid(err)
	}
	secondarySize, err := r.U32()
	if err != nil {
		return nil, invalid(err)
	}
	if secondarySize == legacyAbsent {
		secondarySize = 0
	}

	// Only the device and model family (first digits of the type id) is compared.
	if uint32(deviceID)/1000 != deviceType/1000 {
		return nil, fmt.Errorf("device id %d not in family of %d: %w", deviceID, deviceType, ErrIncompatibleFirmware)
	}

	if len(data) < legacyHeaderSize+4 {
		return nil, fmt.Errorf("no room for checksum in %d bytes: %w", len(data), ErrInvalidFile)
	}
	bodyLen := len(data) - 4

	checksumOffset := uint64(legacyHeaderSize) + uint64(primarySize) + uint64(secondarySize)
	if checksumOffset > uint64(bodyLen) {
		return nil, fmt.Errorf("checksum offset %d beyond %d bytes: %w", checksumOffset, len(data), ErrInvalidFile)
	}
	if err := r.Seek(int(checksumOffset)); err != nil {
		return nil, invalid(err)
	}
	stored, err := r.U32()
	if err != nil {
		return nil, invalid(err)
	}

	var sum uint32
	for _, b := range data[:bodyLen] {
		sum += uint32(b)
	}
	if sum != stored {
		return nil, fmt.Errorf("checksum 0x%08X, file says 0x%08X: %w", sum, stored, ErrIncompatibleFirmware)
	}

	return &Container{
		Version:     VersionLegacy,
		DeviceIDMin: uint32(deviceID),
		DeviceIDMax: uint32(deviceID),
		Primary:     Region{Offset: legacyHeaderSize, Length: primarySize},
		Secondary:   Region{Offset: legacyHeaderSize + primarySize, Length: secondarySize},
		Checksum:    stored,
	}, nil
}

func parseChunked(data []byte, pos int, version uint16, deviceType uint32, crc ChecksumFunc) (*Container, error) {
	if len(data) < pos+4 {
		return nil, fmt.Errorf("no room for CRC: %w", ErrInvalidFile)
	}
	bodyLen := len(data) - 4

	trailer := bytebuf.NewReader(data[bodyLen:])
	stored, err := trailer.U32()
	if err != nil {
		return nil, invalid(err)
	}
	if computed := crc(data[:bodyLen]); computed != stored {
		return nil, fmt.Errorf("CRC 0x%08X, file says 0x%08X: %w", computed, stored, ErrInvalidFile)
	}

	// Chunks are decoded from the body only, never from the trailer.
	r := bytebuf.NewReader(data[:bodyLen])
	if err := r.Seek(pos); err != nil {
		return nil, invalid(err)
	}

	c := &Container{Version: version, Checksum: stored}

	if c.CompatVersion, err = r.U16(); err != nil {
		return nil, invalid(err)
	}
	if c.CompatVersion != CompatVersionChunked {
		return nil, fmt.Errorf("backward compatible version %d: %w", c.CompatVersion, ErrIncompatibleFirmware)
	}

	if c.Category, err = r.U32(); err != nil {
		return nil, invalid(err)
	}
	if c.Category != CategoryFirmware {
		return nil, fmt.Errorf("file category %d is not firmware: %w", c.Category, ErrInvalidFile)
	}

	count, err := r.U32()
	if err != nil {
		return nil, invalid(err)
	}

	for i := uint32(0); i < count; i++ {
		chunk, err := readChunkHeader(r)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, invalid(err))
		}
		size := chunk.Region.Length

		switch {
		case chunk.Type == ChunkDeviceRange && size == 8:
			lo, err := r.U32()
			if err != nil {
				return nil, invalid(err)
			}
			hi, err := r.U32()
			if err != nil {
				return nil, invalid(err)
			}
			c.DeviceIDMin, c.DeviceIDMax = lo, hi
			if deviceType < lo || deviceType > hi {
				return nil, fmt.Errorf("device type %d outside %d..%d: %w", deviceType, lo, hi, ErrUnsupportedTargetDevice)
			}
		case chunk.Type == ChunkPrimaryBinary:
			c.Primary = chunk.Region
			if err := skip(r, size); err != nil {
				return nil, invalid(err)
			}
		case chunk.Type == ChunkSecondaryBinary:
			c.Secondary = chunk.Region
			if err := skip(r, size); err != nil {
				return nil, invalid(err)
			}
		case chunk.Type == ChunkPrimaryUID && size == 4:
			if c.PrimaryUID, err = r.U32(); err != nil {
				return nil, invalid(err)
			}
			c.HasPrimaryUID = true
		case chunk.Options&OptionMustUnderstand != 0:
			return nil, fmt.Errorf("chunk %d of type %d must be understood: %w", i, uint32(chunk.Type), ErrIncompatibleFirmware)
		default:
			if err := skip(r, size); err != nil {
				return nil, invalid(err)
			}
		}

		c.Chunks = append(c.Chunks, chunk)
	}

	if r.Pos() != bodyLen {
		return nil, fmt.Errorf("chunks end at %d, CRC at %d: %w", r.Pos(), bodyLen, ErrInvalidFile)
	}

	return c, nil
}

// readChunkHeader reads name, type, options and size and leaves the cursor at
// the start of the payload.
func readChunkHeader(r *bytebuf.Reader) (Chunk, error) {
	var chunk Chunk

	nameLen, err := r.U32()
	if err != nil {
		return chunk, err
	}
	if uint64(nameLen) > uint64(r.Remaining()) {
		return chunk, fmt.Errorf("name of %d bytes: %w", nameLen, bytebuf.ErrTruncated)
	}
	name, err := r.Bytes(int(nameLen))
	if err != nil {
		return chunk, err
	}
	chunk.Name = string(name)

	typ, err := r.U32()
	if err != nil {
		return chunk, err
	}
	chunk.Type = ChunkType(typ)

	// The field is 32 bits wide; only the low 16 bits carry defined options.
	opts, err := r.U32()
	if err != nil {
		return chunk, err
	}
	chunk.Options = uint16(opts)

	size, err := r.U32()
	if err != nil {
		return chunk, err
	}
	chunk.Region = Region{Offset: uint32(r.Pos()), Length: size}

	return chunk, nil
}

func skip(r *bytebuf.Reader, n uint32) error {
	if uint64(n) > uint64(r.Remaining()) {
		return fmt.Errorf("skip %d bytes at %d: %w", n, r.Pos(), bytebuf.ErrTruncated)
	}
	return r.Skip(int(n))
}

// IsValidation reports whether err is one of the container validation errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidFile) ||
		errors.Is(err, ErrIncompatibleFirmware) ||
		errors.Is(err, ErrUnsupportedTargetDevice)
}
