package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ummshsh/Recall-Sampler/internal/audio"
)

// DefaultReplayFrames is the block size used when none is configured
const DefaultReplayFrames = 512

var (
	// ErrEmptyReplay is returned for WAV files without audio
	ErrEmptyReplay = errors.New("replay file has no samples")

	// ErrInvalidReplayRate is returned when a file's sample rate cannot pace blocks
	ErrInvalidReplayRate = errors.New("invalid replay sample rate")
)

// ReplayConfig describes a WAV file replay
type ReplayConfig struct {
	Path            string
	Channels        int  // output channels, 0 keeps the file's
	FramesPerBuffer int  // block size, 0 selects DefaultReplayFrames
	Loop            bool // start over at the end of the file
	Realtime        bool // pace blocks at the file's sample rate
}

// ReplaySource feeds a decoded WAV file to the host block by block
type ReplaySource struct {
	logger     *slog.Logger
	host       *Host
	cfg        ReplayConfig
	data       [][]float32 // decoded file channels
	sampleRate int
	period     time.Duration // block interval in realtime mode

	// view holds the per-channel spans of the current block
	view [][]float32
}

// OpenReplay decodes cfg.Path. File channels are mapped onto output
// channels round robin, so a mono file fills every output channel.
func OpenReplay(logger *slog.Logger, host *Host, cfg ReplayConfig) (*ReplaySource, error) {
	if cfg.FramesPerBuffer == 0 {
		cfg.FramesPerBuffer = DefaultReplayFrames
	}
	if cfg.FramesPerBuffer < 0 {
		return nil, fmt.Errorf("frames per buffer cannot be negative, got %d", cfg.FramesPerBuffer)
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	data, sampleRate, err := audio.DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode replay file %s: %w", cfg.Path, err)
	}
	if len(data) == 0 || len(data[0]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyReplay, cfg.Path)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = len(data)
	}

	period, err := blockPeriod(cfg.FramesPerBuffer, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Path, err)
	}

	return &ReplaySource{
		logger:     logger,
		host:       host,
		cfg:        cfg,
		data:       data,
		sampleRate: sampleRate,
		period:     period,
		view:       make([][]float32, cfg.Channels),
	}, nil
}

// SampleRate returns the file's sample rate
func (r *ReplaySource) SampleRate() float64 {
	return float64(r.sampleRate)
}

// Channels returns the output channel count
func (r *ReplaySource) Channels() int {
	return r.cfg.Channels
}

// Frames returns the file length in samples per channel
func (r *ReplaySource) Frames() int {
	return len(r.data[0])
}

// Run replays until the file ends (unless looping) or ctx is cancelled
func (r *ReplaySource) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.cfg.Realtime {
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()
		tick = ticker.C
	}

	r.logger.Info("Replay started",
		slog.String("path", r.cfg.Path),
		slog.Int("sample_rate", r.sampleRate),
		slog.Int("channels", r.cfg.Channels),
		slog.Int("frames", r.Frames()),
		slog.Bool("loop", r.cfg.Loop),
		slog.Bool("realtime", r.cfg.Realtime))

	total := r.Frames()
	pos, passes := 0, 0
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		n := min(r.cfg.FramesPerBuffer, total-pos)
		for c := range r.view {
			r.view[c] = r.data[c%len(r.data)][pos : pos+n]
		}
		r.host.Callback(r.view)

		pos += n
		if pos < total {
			continue
		}

		passes++
		if !r.cfg.Loop {
			r.logger.Info("Replay finished", slog.String("path", r.cfg.Path))
			return nil
		}
		r.logger.Debug("Replay looping", slog.Int("passes", passes))
		pos = 0
	}
}

// blockPeriod returns how long frames samples last at sampleRate
func blockPeriod(frames, sampleRate int) (time.Duration, error) {
	if sampleRate <= 0 {
		return 0, fmt.Errorf("%w: %d Hz", ErrInvalidReplayRate, sampleRate)
	}
	period := time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second))
	if period <= 0 {
		return 0, fmt.Errorf("%w: %d frames at %d Hz is shorter than a nanosecond", ErrInvalidReplayRate, frames, sampleRate)
	}
	return period, nil
}
