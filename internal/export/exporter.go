package export

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ummshsh/Recall-Sampler/internal/audio"
	"github.com/ummshsh/Recall-Sampler/internal/capture"
)

const (
	// DefaultBitDepth matches what DAWs expect from a rescue file
	DefaultBitDepth = 24

	// DefaultMaxFiles is how many saved rescues are kept on disk
	DefaultMaxFiles = 50

	filePrefix = "rescue-"
	fileSuffix = ".wav"
)

// ErrEmptySnapshot is returned for snapshots without channels or samples
var ErrEmptySnapshot = errors.New("snapshot has no audio")

// Config holds exporter settings
type Config struct {
	Dir      string
	BitDepth int
	MaxFiles int
}

// Result describes a saved export
type Result struct {
	Path     string   `json:"path"`
	Frames   int      `json:"frames"`
	Channels int      `json:"channels"`
	Seconds  float64  `json:"seconds"`
	Evicted  []string `json:"evicted,omitempty"`
}

// Exporter writes snapshots as WAV files. Saved files live in one directory
// and only the newest MaxFiles are kept; older ones are deleted as new ones
// arrive.
type Exporter struct {
	logger   *slog.Logger
	dir      string
	bitDepth int

	mu      sync.Mutex
	files   *lru.Cache[string, time.Time]
	evicted []string // filled by the eviction callback under mu

	seq atomic.Uint64
}

// NewExporter creates the export directory if needed and adopts rescue
// files already in it, oldest first, into the retention set.
func NewExporter(logger *slog.Logger, cfg Config) (*Exporter, error) {
	if cfg.BitDepth == 0 {
		cfg.BitDepth = DefaultBitDepth
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if !audio.SupportedBitDepth(cfg.BitDepth) {
		return nil, fmt.Errorf("unsupported bit depth %d", cfg.BitDepth)
	}
	if cfg.MaxFiles < 0 {
		return nil, fmt.Errorf("max files cannot be negative, got %d", cfg.MaxFiles)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("export directory cannot be empty")
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory %s: %w", cfg.Dir, err)
	}

	e := &Exporter{
		logger:   logger,
		dir:      cfg.Dir,
		bitDepth: cfg.BitDepth,
	}

	files, err := lru.NewWithEvict[string, time.Time](cfg.MaxFiles, e.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create retention cache: %w", err)
	}
	e.files = files

	if err := e.adoptExisting(); err != nil {
		return nil, err
	}
	return e, nil
}

// Save writes snap into the export directory and returns where it went
func (e *Exporter) Save(snap *capture.Snapshot) (*Result, error) {
	if err := checkSnapshot(snap); err != nil {
		return nil, err
	}

	now := time.Now()
	name := fmt.Sprintf("%s%s-%03d%s", filePrefix, now.UTC().Format("20060102-150405.000"), e.seq.Add(1)%1000, fileSuffix)
	path := filepath.Join(e.dir, name)

	tmp, err := os.CreateTemp(e.dir, ".rescue-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary export file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := audio.EncodeWAV(tmp, snap.Channels, sampleRate(snap), e.bitDepth); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close export file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to move export into place: %w", err)
	}

	e.mu.Lock()
	e.files.Add(path, now)
	evicted := e.evicted
	e.evicted = nil
	e.mu.Unlock()

	result := &Result{
		Path:     path,
		Frames:   snap.Frames(),
		Channels: len(snap.Channels),
		Seconds:  snap.Seconds(),
		Evicted:  evicted,
	}

	e.logger.Info("Export saved",
		slog.String("path", path),
		slog.Int("frames", result.Frames),
		slog.Int("channels", result.Channels),
		slog.Float64("seconds", result.Seconds),
		slog.Int("evicted", len(evicted)))
	return result, nil
}

// Stream encodes snap as a WAV file and copies it to w. The WAV encoder
// needs to seek back to patch the header, so the file is staged in a
// temporary file first.
func (e *Exporter) Stream(w io.Writer, snap *capture.Snapshot) (int64, error) {
	if err := checkSnapshot(snap); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp("", "recall-download-*.wav")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary export file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := audio.EncodeWAV(tmp, snap.Channels, sampleRate(snap), e.bitDepth); err != nil {
		return 0, fmt.Errorf("failed to encode export: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to rewind export: %w", err)
	}

	n, err := io.Copy(w, tmp)
	if err != nil {
		return n, fmt.Errorf("failed to send export: %w", err)
	}
	return n, nil
}

// Files returns the retained export paths, oldest first
func (e *Exporter) Files() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.files.Keys()
}

// Dir returns the export directory
func (e *Exporter) Dir() string {
	return e.dir
}

// BitDepth returns the PCM bit depth of written files
func (e *Exporter) BitDepth() int {
	return e.bitDepth
}

// onEvict runs inside the cache while mu is held
func (e *Exporter) onEvict(path string, _ time.Time) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("Failed to delete old export",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	e.evicted = append(e.evicted, path)
	e.logger.Debug("Old export deleted", slog.String("path", path))
}

func (e *Exporter) adoptExisting() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("failed to read export directory %s: %w", e.dir, err)
	}

	type existing struct {
		path    string
		modTime time.Time
	}
	var found []existing
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		found = append(found, existing{path: filepath.Join(e.dir, name), modTime: info.ModTime()})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].modTime.Equal(found[j].modTime) {
			return found[i].path < found[j].path
		}
		return found[i].modTime.Before(found[j].modTime)
	})

	e.mu.Lock()
	for _, f := range found {
		e.files.Add(f.path, f.modTime)
	}
	evicted := len(e.evicted)
	e.evicted = nil
	e.mu.Unlock()

	if len(found) > 0 {
		e.logger.Info("Adopted existing exports",
			slog.String("dir", e.dir),
			slog.Int("found", len(found)),
			slog.Int("deleted", evicted))
	}
	return nil
}

func checkSnapshot(snap *capture.Snapshot) error {
	if snap == nil || len(snap.Channels) == 0 || snap.Frames() == 0 {
		return ErrEmptySnapshot
	}
	if sampleRate(snap) <= 0 {
		return fmt.Errorf("snapshot has invalid sample rate %f", snap.SampleRate)
	}
	return nil
}

func sampleRate(snap *capture.Snapshot) int {
	return int(math.Round(snap.SampleRate))
}
