package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// ErrNoInputDevice is returned when no matching capture device exists
var ErrNoInputDevice = errors.New("no input device available")

// DeviceConfig describes the input stream to open
type DeviceConfig struct {
	DeviceName      string // empty selects the default input
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
}

// streamBackend abstracts PortAudio so tests can run without hardware
type streamBackend interface {
	Open(cfg DeviceConfig, callback func(in [][]float32)) (string, error)
	Start() error
	Stop() error
	Close() error
}

// portaudioBackend opens a non-interleaved float32 input stream
type portaudioBackend struct {
	stream *portaudio.Stream
}

func (p *portaudioBackend) Open(cfg DeviceConfig, callback func(in [][]float32)) (string, error) {
	if err := portaudio.Initialize(); err != nil {
		return "", fmt.Errorf("portaudio init: %w", err)
	}

	device, err := findInputDevice(cfg.DeviceName)
	if err != nil {
		portaudio.Terminate() //nolint:errcheck
		return "", err
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = cfg.Channels
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = cfg.SampleRate
	params.FramesPerBuffer = cfg.FramesPerBuffer

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		portaudio.Terminate() //nolint:errcheck
		return "", fmt.Errorf("portaudio open stream: %w", err)
	}
	p.stream = stream
	return device.Name, nil
}

func (p *portaudioBackend) Start() error {
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("portaudio start stream: %w", err)
	}
	return nil
}

func (p *portaudioBackend) Stop() error {
	if err := p.stream.Stop(); err != nil {
		return fmt.Errorf("portaudio stop stream: %w", err)
	}
	return nil
}

func (p *portaudioBackend) Close() error {
	err := p.stream.Close()
	portaudio.Terminate() //nolint:errcheck
	return err
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio list devices: %w", err)
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoInputDevice, name)
}

// DeviceSource captures from a sound card straight into the host callback
type DeviceSource struct {
	logger  *slog.Logger
	host    *Host
	cfg     DeviceConfig
	backend streamBackend
}

// NewDeviceSource creates a PortAudio input source
func NewDeviceSource(logger *slog.Logger, host *Host, cfg DeviceConfig) (*DeviceSource, error) {
	return newDeviceSource(logger, host, cfg, &portaudioBackend{})
}

func newDeviceSource(logger *slog.Logger, host *Host, cfg DeviceConfig, backend streamBackend) (*DeviceSource, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", cfg.Channels)
	}
	if cfg.FramesPerBuffer < 0 {
		return nil, fmt.Errorf("frames per buffer cannot be negative, got %d", cfg.FramesPerBuffer)
	}

	return &DeviceSource{
		logger:  logger,
		host:    host,
		cfg:     cfg,
		backend: backend,
	}, nil
}

// SampleRate returns the stream sample rate
func (d *DeviceSource) SampleRate() float64 {
	return d.cfg.SampleRate
}

// Channels returns the stream channel count
func (d *DeviceSource) Channels() int {
	return d.cfg.Channels
}

// Run opens the device and captures until ctx is cancelled
func (d *DeviceSource) Run(ctx context.Context) error {
	name, err := d.backend.Open(d.cfg, d.host.Callback)
	if err != nil {
		return fmt.Errorf("failed to open input device: %w", err)
	}
	if err := d.backend.Start(); err != nil {
		d.backend.Close() //nolint:errcheck
		return fmt.Errorf("failed to start input device: %w", err)
	}

	d.logger.Info("Audio device capture started",
		slog.String("device", name),
		slog.Float64("sample_rate", d.cfg.SampleRate),
		slog.Int("channels", d.cfg.Channels),
		slog.Int("frames_per_buffer", d.cfg.FramesPerBuffer))

	<-ctx.Done()

	if err := d.backend.Stop(); err != nil {
		d.logger.Warn("Error stopping input device", slog.String("error", err.Error()))
	}
	if err := d.backend.Close(); err != nil {
		d.logger.Warn("Error closing input device", slog.String("error", err.Error()))
	}

	stats := d.host.Stats()
	d.logger.Info("Audio device capture stopped",
		slog.Uint64("callbacks", stats.Callbacks),
		slog.Uint64("dropped", stats.Dropped))
	return nil
}
