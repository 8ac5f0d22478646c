// Package chunk frames envelopes for the BLE link, whose writes carry at most a
// small payload, and reassembles notification frames on the receiving side.
//
// Each frame is a 6 byte header followed by a payload slice:
//
//	[hash0 hash1 hash2 hash3 partIndex partCount] payload...
//
// The hash is FNV-1a 32 of the message id, little-endian.
package chunk

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/anqori/anchorwatch/errors"
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 6
	// MaxPayload is the default payload slice per BLE write.
	MaxPayload = 120
	// MaxParts bounds partCount to one header byte.
	MaxParts = 255

	// wholeMessageByte starts a JSON object; such notifications skip framing.
	wholeMessageByte = '{'
)

// Hash returns the FNV-1a 32 hash of a message id.
func Hash(msgID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(msgID))
	return h.Sum32()
}

// Ambiguous reports whether frames for msgID would start with '{' and be
// taken for an unframed message by the receiver.
func Ambiguous(msgID string) bool {
	return byte(Hash(msgID)) == wholeMessageByte
}

// NewID draws ids from next until one frames unambiguously.
func NewID(next func() string) string {
	for {
		if id := next(); !Ambiguous(id) {
			return id
		}
	}
}

// Header is a decoded frame header.
type Header struct {
	Hash      uint32
	PartIndex uint8
	PartCount uint8
}

// Split cuts data into frames of at most maxPayload bytes each. Empty data
// still yields one frame.
func Split(msgID string, data []byte, maxPayload int) ([][]byte, error) {
	if maxPayload <= 0 {
		maxPayload = MaxPayload
	}
	partCount := (len(data) + maxPayload - 1) / maxPayload
	if partCount < 1 {
		partCount = 1
	}
	if partCount > MaxParts {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d parts", errors.ErrFrameTooLarge, partCount),
			"chunk", "Split", "frame message")
	}

	hash := Hash(msgID)
	frames := make([][]byte, 0, partCount)
	for i := 0; i < partCount; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		frame := make([]byte, HeaderSize+end-start)
		binary.LittleEndian.PutUint32(frame[0:4], hash)
		frame[4] = byte(i)
		frame[5] = byte(partCount)
		copy(frame[HeaderSize:], data[start:end])
		frames = append(frames, frame)
	}
	return frames, nil
}

// ParseHeader validates and decodes a frame header.
func ParseHeader(frame []byte) (Header, bool) {
	if len(frame) < HeaderSize {
		return Header{}, false
	}
	h := Header{
		Hash:      binary.LittleEndian.Uint32(frame[0:4]),
		PartIndex: frame[4],
		PartCount: frame[5],
	}
	if h.PartCount == 0 || h.PartIndex >= h.PartCount {
		return Header{}, false
	}
	return h, true
}
