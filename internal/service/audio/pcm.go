package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame validation errors.
var (
	ErrEmptyFrame     = errors.New("audio frame is empty")
	ErrOddFrameLength = errors.New("audio frame length must be even for 16-bit PCM")
)

// DecodePCM16LE converts 16-bit little-endian mono PCM bytes to samples.
func DecodePCM16LE(b []byte) ([]int16, error) {
	if len(b) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w (got %d bytes)", ErrOddFrameLength, len(b))
	}
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return samples, nil
}

// EncodePCM16LE converts samples to 16-bit little-endian PCM bytes.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
