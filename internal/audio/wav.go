package audio

import (
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavFormatPCM is the WAVE format tag for integer PCM
const wavFormatPCM = 1

// ErrInvalidWAV is returned when input is not a readable PCM WAV stream
var ErrInvalidWAV = errors.New("invalid WAV data")

// WAVInfo describes a WAV stream without decoding its samples
type WAVInfo struct {
	SampleRate    int     `json:"sample_rate"`
	Channels      int     `json:"channels"`
	BitsPerSample int     `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
}

// SupportedBitDepth reports whether EncodeWAV can write the given depth
func SupportedBitDepth(bitDepth int) bool {
	return bitDepth == 16 || bitDepth == 24 || bitDepth == 32
}

// EncodeWAV writes equal-length float channels in [-1, 1] as integer PCM WAV.
// Samples outside the range are clipped.
func EncodeWAV(w io.WriteSeeker, channels [][]float32, sampleRate, bitDepth int) error {
	if len(channels) == 0 {
		return fmt.Errorf("cannot encode audio with no channels")
	}
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if !SupportedBitDepth(bitDepth) {
		return fmt.Errorf("unsupported bit depth %d (16, 24 or 32)", bitDepth)
	}

	frames := len(channels[0])
	for c, ch := range channels {
		if len(ch) != frames {
			return fmt.Errorf("channel %d has %d samples, expected %d", c, len(ch), frames)
		}
	}
	if frames == 0 {
		return fmt.Errorf("cannot encode empty audio samples")
	}

	scale := float64(int64(1)<<(bitDepth-1) - 1)
	data := make([]int, frames*len(channels))
	for i := 0; i < frames; i++ {
		for c, ch := range channels {
			v := math.Max(-1, math.Min(1, float64(ch[i])))
			data[i*len(channels)+c] = int(math.Round(v * scale))
		}
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: len(channels), SampleRate: sampleRate},
		SourceBitDepth: bitDepth,
		Data:           data,
	}

	enc := wav.NewEncoder(w, sampleRate, bitDepth, len(channels), wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}
	return nil
}

// DecodeWAV reads a PCM WAV stream into per-channel float samples in [-1, 1]
func DecodeWAV(r io.ReadSeeker) ([][]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, ErrInvalidWAV
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, 0, fmt.Errorf("%w: missing format", ErrInvalidWAV)
	}

	numChannels := buf.Format.NumChannels
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, 0, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bitDepth)
	}

	scale := float32(int64(1) << (bitDepth - 1))
	// 8-bit PCM is unsigned with silence at 128, every other depth is signed
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}

	frames := len(buf.Data) / numChannels
	channels := make([][]float32, numChannels)
	for c := range channels {
		channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := range channels {
			channels[c][i] = float32(buf.Data[i*numChannels+c]-offset) / scale
		}
	}

	return channels, buf.Format.SampleRate, nil
}

// ReadWAVInfo extracts the format and duration of a WAV stream
func ReadWAVInfo(r io.ReadSeeker) (*WAVInfo, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}

	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("failed to locate WAV data chunk: %w", err)
	}

	info := &WAVInfo{
		SampleRate:    int(dec.SampleRate),
		Channels:      int(dec.NumChans),
		BitsPerSample: int(dec.BitDepth),
	}
	if bytesPerSecond := info.SampleRate * info.Channels * info.BitsPerSample / 8; bytesPerSecond > 0 {
		info.Duration = float64(dec.PCMLen()) / float64(bytesPerSecond)
	}
	return info, nil
}
