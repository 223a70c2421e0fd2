package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte RIFF header for mono 16-bit PCM.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeWAV wraps samples in a WAV container. Engines that take files
// rather than raw PCM (Whisper) receive this.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyFrame
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	return buf.Bytes(), nil
}

// WAVInfo describes the format of a parsed WAV header.
type WAVInfo struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    int
	BitsPerSample uint16
}

// ParseWAVHeader validates a canonical 44-byte header and returns the
// format description. Only mono 16-bit PCM is accepted.
func ParseWAVHeader(header []byte) (WAVInfo, error) {
	if len(header) < wavHeaderSize {
		return WAVInfo{}, fmt.Errorf("WAV header too short: need %d bytes, got %d", wavHeaderSize, len(header))
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return WAVInfo{}, fmt.Errorf("not a valid WAV file")
	}
	info := WAVInfo{
		AudioFormat:   binary.LittleEndian.Uint16(header[20:22]),
		NumChannels:   binary.LittleEndian.Uint16(header[22:24]),
		SampleRate:    int(binary.LittleEndian.Uint32(header[24:28])),
		BitsPerSample: binary.LittleEndian.Uint16(header[34:36]),
	}
	if info.AudioFormat != 1 {
		return info, fmt.Errorf("only PCM format supported, got %d", info.AudioFormat)
	}
	if info.NumChannels != 1 || info.BitsPerSample != 16 {
		return info, fmt.Errorf("only mono 16-bit audio supported, got %d channels at %d bits", info.NumChannels, info.BitsPerSample)
	}
	return info, nil
}

// HeaderSize is the number of bytes preceding PCM data in a canonical WAV file.
func HeaderSize() int { return wavHeaderSize }
