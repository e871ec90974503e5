// Package gdftest builds firmware containers for tests.
package gdftest

import (
	"encoding/binary"
	"hash/crc32"
)

// Chunk is one record of a chunked container.
type Chunk struct {
	Name    string
	Type    uint32
	Options uint32
	Data    []byte
}

// Chunked assembles a version 400 firmware container with a valid CRC trailer.
func Chunked(chunks ...Chunk) []byte {
	return ChunkedWith(400, 400, 100, chunks...)
}

// ChunkedWith assembles a chunked container with explicit header fields.
func ChunkedWith(version, compat uint16, category uint32, chunks ...Chunk) []byte {
	var buf []byte
	buf = append(buf, 'G', 'D', 'F', 'W')
	buf = binary.LittleEndian.AppendUint16(buf, version)
	buf = binary.LittleEndian.AppendUint16(buf, compat)
	buf = binary.LittleEndian.AppendUint32(buf, category)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(chunks)))
	for _, c := range chunks {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Name)))
		buf = append(buf, c.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, c.Type)
		buf = binary.LittleEndian.AppendUint32(buf, c.Options)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Data)))
		buf = append(buf, c.Data...)
	}
	return Seal(buf)
}

// Seal appends the CRC-32 trailer to a chunked container body.
func Seal(body []byte) []byte {
	return binary.LittleEndian.AppendUint32(body, crc32.ChecksumIEEE(body))
}

// Reseal recomputes the CRC trailer of a complete chunked container in place.
func Reseal(file []byte) []byte {
	body := file[:len(file)-4]
	binary.LittleEndian.PutUint32(file[len(file)-4:], crc32.ChecksumIEEE(body))
	return file
}

// DeviceRange returns a device id range chunk.
func DeviceRange(lo, hi uint32) Chunk {
	data := binary.LittleEndian.AppendUint32(nil, lo)
	data = binary.LittleEndian.AppendUint32(data, hi)
	return Chunk{Name: "device", Type: 50, Data: data}
}

// Primary returns a main MCU binary chunk.
func Primary(data []byte) Chunk {
	return Chunk{Name: "main", Type: 100, Options: 1, Data: data}
}

// Secondary returns a secondary MCU binary chunk.
func Secondary(data []byte) Chunk {
	return Chunk{Name: "secondary", Type: 200, Options: 1, Data: data}
}

// UID returns a main MCU firmware unique id chunk.
func UID(id uint32) Chunk {
	return Chunk{Name: "uid", Type: 101, Data: binary.LittleEndian.AppendUint32(nil, id)}
}

// Legacy assembles a version 300 container. A nil secondary is encoded as absent.
func Legacy(deviceID uint16, primary, secondary []byte) []byte {
	var buf []byte
	buf = append(buf, 'G', 'D', 'F', 'W')
	buf = binary.LittleEndian.AppendUint16(buf, 300)
	buf = binary.LittleEndian.AppendUint16(buf, deviceID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(primary)))
	if secondary == nil {
		buf = binary.LittleEndian.AppendUint32(buf, 0xFFFFFFFF)
	} else {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(secondary)))
	}
	buf = append(buf, primary...)
	buf = append(buf, secondary...)

	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return binary.LittleEndian.AppendUint32(buf, sum)
}

// Pattern returns n bytes of a repeating, non-constant test pattern.
func Pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}
