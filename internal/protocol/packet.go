package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Encoding errors
var (
	ErrPayloadTooLarge = errors.New("payload does not fit the length byte")
	ErrChunkSize       = errors.New("chunk size out of range")
)

// Packet is the wire form of a framed command or image chunk.
// Packets are never modified after encoding; a retry resends the same bytes.
type Packet []byte

// Length returns the value of the length byte.
func (p Packet) Length() byte {
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// Checksum returns the trailing big-endian checksum field.
func (p Packet) Checksum() uint32 {
	if len(p) < ChecksumSize {
		return 0
	}
	return binary.BigEndian.Uint32(p[len(p)-ChecksumSize:])
}

// Encode builds a command packet:
//
//	0: length (command + payload)
//	1: command
//	2..: payload
//	last 4: checksum over length, command and payload (big-endian)
func Encode(cmd Command, payload []byte) (Packet, error) {
	length := 1 + len(payload)
	if length > MaxFrameLength {
		return nil, fmt.Errorf("%s: %w: %d bytes", cmd, ErrPayloadTooLarge, len(payload))
	}

	packet := make([]byte, 0, 1+length+ChecksumSize)
	packet = append(packet, byte(length), byte(cmd))
	packet = append(packet, payload...)
	packet = binary.BigEndian.AppendUint32(packet, Checksum(packet))

	return packet, nil
}

// EncodeChunk builds an image chunk packet. Chunks carry no command byte and
// the checksum covers the chunk bytes only:
//
//	0: length (chunk bytes)
//	1..: chunk
//	last 4: checksum over chunk (big-endian)
func EncodeChunk(chunk []byte) (Packet, error) {
	if len(chunk) == 0 || len(chunk) > ChunkSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrChunkSize, len(chunk), ChunkSize)
	}

	packet := make([]byte, 0, 1+len(chunk)+ChecksumSize)
	packet = append(packet, byte(len(chunk)))
	packet = append(packet, chunk...)
	packet = binary.BigEndian.AppendUint32(packet, Checksum(chunk))

	return packet, nil
}

// Chunks splits image into consecutive slices of at most size bytes.
// The device writes chunks at a sequential cursor, so order matters.
func Chunks(image []byte, size int) [][]byte {
	if size <= 0 || len(image) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(image)+size-1)/size)
	for start := 0; start < len(image); start += size {
		end := start + size
		if end > len(image) {
			end = len(image)
		}
		chunks = append(chunks, image[start:end])
	}
	return chunks
}

// CalculateChunks returns how many chunk packets an image of n bytes needs.
func CalculateChunks(n int) int {
	return (n + ChunkSize - 1) / ChunkSize
}
