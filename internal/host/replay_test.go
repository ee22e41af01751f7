package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ummshsh/Recall-Sampler/internal/audio"
)

// writeTestWAV writes a mono 16-bit ramp and returns its path
func writeTestWAV(t *testing.T, frames, sampleRate int) string {
	t.Helper()

	ch := make([]float32, frames)
	for i := range ch {
		ch[i] = float32(i%100) / 200
	}

	path := filepath.Join(t.TempDir(), "replay.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create WAV: %v", err)
	}
	defer f.Close()

	if err := audio.EncodeWAV(f, [][]float32{ch}, sampleRate, 16); err != nil {
		t.Fatalf("Failed to encode WAV: %v", err)
	}
	return path
}

func TestOpenReplay(t *testing.T) {
	path := writeTestWAV(t, 1000, 8000)

	src, err := OpenReplay(testLogger(), New(&countingProcessor{}), ReplayConfig{Path: path, Channels: 2})
	if err != nil {
		t.Fatalf("Failed to open replay: %v", err)
	}
	if src.SampleRate() != 8000 {
		t.Errorf("Expected sample rate 8000, got %f", src.SampleRate())
	}
	if src.Channels() != 2 {
		t.Errorf("Expected 2 output channels, got %d", src.Channels())
	}
	if src.Frames() != 1000 {
		t.Errorf("Expected 1000 frames, got %d", src.Frames())
	}
	if src.cfg.FramesPerBuffer != DefaultReplayFrames {
		t.Errorf("Expected default block size %d, got %d", DefaultReplayFrames, src.cfg.FramesPerBuffer)
	}
}

func TestOpenReplayErrors(t *testing.T) {
	if _, err := OpenReplay(testLogger(), New(&countingProcessor{}), ReplayConfig{Path: filepath.Join(t.TempDir(), "missing.wav")}); err == nil {
		t.Error("Expected error for missing file")
	}

	garbage := filepath.Join(t.TempDir(), "garbage.wav")
	if err := os.WriteFile(garbage, []byte("not a wav file at all"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := OpenReplay(testLogger(), New(&countingProcessor{}), ReplayConfig{Path: garbage}); !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("Expected ErrInvalidWAV, got %v", err)
	}
}

func TestBlockPeriod(t *testing.T) {
	tests := []struct {
		name       string
		frames     int
		sampleRate int
		want       time.Duration
		wantErr    bool
	}{
		{name: "typical block", frames: 480, sampleRate: 48000, want: 10 * time.Millisecond},
		{name: "zero rate", frames: 512, sampleRate: 0, wantErr: true},
		{name: "negative rate", frames: 512, sampleRate: -8000, wantErr: true},
		{name: "rate too high to tick", frames: 1, sampleRate: 2_000_000_000, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := blockPeriod(tt.frames, tt.sampleRate)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidReplayRate) {
					t.Errorf("Expected ErrInvalidReplayRate, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestReplayRunOnce(t *testing.T) {
	path := writeTestWAV(t, 1000, 8000)
	proc := &countingProcessor{}

	src, err := OpenReplay(testLogger(), New(proc), ReplayConfig{Path: path, FramesPerBuffer: 300})
	if err != nil {
		t.Fatalf("Failed to open replay: %v", err)
	}

	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// 300 + 300 + 300 + 100
	blocks, frames := proc.snapshot()
	if blocks != 4 || frames != 1000 {
		t.Errorf("Expected 4 blocks and 1000 frames, got %d blocks %d frames", blocks, frames)
	}

	// Replay preserves sample order
	for i, v := range proc.first {
		if want := src.data[0][i]; v != want {
			t.Fatalf("Sample %d: expected %f, got %f", i, want, v)
		}
	}
}

func TestReplayLoopStopsOnCancel(t *testing.T) {
	path := writeTestWAV(t, 400, 8000)
	proc := &countingProcessor{}

	src, err := OpenReplay(testLogger(), New(proc), ReplayConfig{Path: path, FramesPerBuffer: 100, Loop: true, Realtime: true})
	if err != nil {
		t.Fatalf("Failed to open replay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx)
	}()

	// 100 frames at 8kHz is one block every 12.5ms, so a full pass takes 50ms
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if blocks, _ := proc.snapshot(); blocks > 6 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Replay did not stop after cancel")
	}

	if blocks, _ := proc.snapshot(); blocks <= 4 {
		t.Errorf("Expected looping past one pass, got %d blocks", blocks)
	}
}
