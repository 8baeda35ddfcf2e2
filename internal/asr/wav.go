package asr

import (
	"encoding/binary"
	"fmt"
	"os"
)

// decodeWAVMono reads a 16-bit little-endian PCM WAV file and returns its
// samples as mono float32 in [-1, 1). Multi-channel audio is averaged down.
func decodeWAVMono(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("asr: read audio: %w", err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("asr: %s is not a RIFF/WAVE file", path)
	}

	var (
		channels      int
		bitsPerSample int
		pcm           []byte
	)

	// Walk the chunk list; only "fmt " and "data" matter.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("asr: truncated fmt chunk in %s", path)
			}
			if format := binary.LittleEndian.Uint16(data[body : body+2]); format != 1 {
				return nil, fmt.Errorf("asr: unsupported WAV format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}

	if pcm == nil {
		return nil, fmt.Errorf("asr: no data chunk in %s", path)
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("asr: unsupported sample width %d bits (want 16)", bitsPerSample)
	}
	if channels <= 0 {
		channels = 1
	}

	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			s := int16(binary.LittleEndian.Uint16(pcm[i*frameBytes+c*2:]))
			sum += float64(s)
		}
		samples[i] = float32(sum / float64(channels) / 32768.0)
	}
	return samples, nil
}
