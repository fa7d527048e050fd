// Package audio provides the codec and PCM utilities shared by the gateway
// pipeline and the providers: Opus framing for the device channel, WAV
// encode/decode for provider payloads, and sample-rate and channel
// conversion.
//
// Device audio is Opus at 16 kHz mono with 60 ms frames unless the hello
// exchange negotiates otherwise. Everything between the codec boundaries is
// 16-bit little-endian PCM.
package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Device audio defaults to 16 kHz mono Opus at 60 ms frame size.
const (
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultFrameDuration = 60
)

// OpusDecoder wraps a gopus Opus decoder for a single device stream. Each
// connection gets its own decoder to maintain decoder state correctly across
// consecutive frames. Not safe for concurrent use.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewOpusDecoder creates an Opus decoder for the given stream format.
// frameDurationMs is the packet duration the device sends (typically 60 ms).
func NewOpusDecoder(sampleRate, channels, frameDurationMs int) (*OpusDecoder, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	if frameDurationMs <= 0 {
		frameDurationMs = DefaultFrameDuration
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * frameDurationMs / 1000,
	}, nil
}

// Decode decodes an Opus packet into interleaved PCM int16 samples and returns
// the result as a byte slice (little-endian int16).
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}

// SampleRate returns the decoder's output sample rate in Hz.
func (d *OpusDecoder) SampleRate() int { return d.sampleRate }

// Channels returns the decoder's output channel count.
func (d *OpusDecoder) Channels() int { return d.channels }

// OpusEncoder wraps a gopus Opus encoder for the outbound device stream.
// Not safe for concurrent use.
type OpusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewOpusEncoder creates an Opus encoder for the given stream format.
func NewOpusEncoder(sampleRate, channels, frameDurationMs int) (*OpusEncoder, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	if frameDurationMs <= 0 {
		frameDurationMs = DefaultFrameDuration
	}
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * frameDurationMs / 1000,
	}, nil
}

// FrameBytes returns the PCM byte length of exactly one encoder frame.
func (e *OpusEncoder) FrameBytes() int {
	return e.frameSize * e.channels * 2
}

// Encode encodes one frame of interleaved PCM int16 data (as little-endian
// bytes) into an Opus packet. The input must be exactly FrameBytes long.
func (e *OpusEncoder) Encode(pcmBytes []byte) ([]byte, error) {
	if len(pcmBytes) != e.FrameBytes() {
		return nil, fmt.Errorf("audio: opus encode: frame must be %d bytes, got %d", e.FrameBytes(), len(pcmBytes))
	}
	pcm := BytesToInt16s(pcmBytes)
	packet, err := e.enc.Encode(pcm, e.frameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// EncodeAll splits pcmBytes into encoder frames and encodes each one. A final
// partial frame is zero-padded to full length so the tail of an utterance is
// not dropped.
func (e *OpusEncoder) EncodeAll(pcmBytes []byte) ([][]byte, error) {
	frameBytes := e.FrameBytes()
	var packets [][]byte
	for off := 0; off < len(pcmBytes); off += frameBytes {
		end := off + frameBytes
		var frame []byte
		if end <= len(pcmBytes) {
			frame = pcmBytes[off:end]
		} else {
			frame = make([]byte, frameBytes)
			copy(frame, pcmBytes[off:])
		}
		packet, err := e.Encode(frame)
		if err != nil {
			return nil, err
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
