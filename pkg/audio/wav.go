package audio

import (
	"encoding/binary"
	"errors"
)

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	// DataOffset is the byte offset of the first PCM sample.
	DataOffset int

	// DataLen is the length of the data chunk in bytes, clamped to the buffer.
	DataLen int

	Format Format
}

// ParseWAV walks the RIFF chunks of wav and returns the location of the PCM
// data along with its format. The fmt chunk size is honoured rather than
// assuming a fixed 44-byte header.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("audio: WAV too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audio: WAV missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: WAV missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				if bits := binary.LittleEndian.Uint16(fmtData[14:16]); bits != 16 {
					return WAVInfo{}, errors.New("audio: only 16-bit PCM WAV is supported")
				}
				info.Format.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.Format.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return WAVInfo{}, errors.New("audio: WAV data chunk precedes fmt chunk")
			}
			info.DataOffset = offset + 8
			info.DataLen = min(chunkSize, len(wav)-info.DataOffset)
			// Streaming writers leave the size as 0 or 0xFFFFFFFF.
			if chunkSize == 0 || chunkSize == 0xFFFFFFFF {
				info.DataLen = len(wav) - info.DataOffset
			}
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: WAV missing data chunk")
}

// DecodeWAV returns the PCM payload and format of a 16-bit WAV buffer.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	info, err := ParseWAV(wav)
	if err != nil {
		return nil, Format{}, err
	}
	return wav[info.DataOffset : info.DataOffset+info.DataLen], info.Format, nil
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:], "RIFF")
	le.PutUint32(buf[4:], uint32(36+len(pcm)))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	le.PutUint32(buf[16:], 16)
	le.PutUint16(buf[20:], 1) // PCM
	le.PutUint16(buf[22:], uint16(f.Channels))
	le.PutUint32(buf[24:], uint32(f.SampleRate))
	le.PutUint32(buf[28:], uint32(f.BytesPerSecond()))
	le.PutUint16(buf[32:], uint16(f.Channels*2))
	le.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	le.PutUint32(buf[40:], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
