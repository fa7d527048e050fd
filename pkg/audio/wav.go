package audio

import (
	"encoding/binary"
	"errors"
)

// WAVInfo describes the audio format found in a RIFF/WAVE container.
type WAVInfo struct {
	DataOffset int // byte offset of the first PCM sample
	DataLen    int // byte length of the data chunk
	SampleRate int // samples per second (e.g., 16000, 22050, 44100)
	Channels   int // 1 = mono, 2 = stereo
}

// ParseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. This is more robust than
// hardcoding a fixed 44-byte offset because the fmt chunk size may vary.
//
// Returns an error if wav is not a valid RIFF/WAVE container or if the fmt
// or data chunk cannot be located.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("audio: WAV data too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audio: WAV data missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: WAV data missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			info.DataLen = chunkSize
			if info.DataOffset+info.DataLen > len(wav) {
				info.DataLen = len(wav) - info.DataOffset
			}
			if !foundFmt {
				// fmt chunk should appear before data; fall back to a common rate.
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: WAV data missing data chunk")
}

// DecodeWAV returns the PCM payload and format of a RIFF/WAVE container.
func DecodeWAV(wav []byte) ([]byte, WAVInfo, error) {
	info, err := ParseWAV(wav)
	if err != nil {
		return nil, WAVInfo{}, err
	}
	return wav[info.DataOffset : info.DataOffset+info.DataLen], info, nil
}

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte RIFF/WAVE
// header. Used for cached greeting files and debug artifacts.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const headerLen = 44
	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	out := make([]byte, headerLen+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16) // bits per sample
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerLen:], pcm)
	return out
}
