package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ummshsh/Recall-Sampler/internal/host"
	"github.com/ummshsh/Recall-Sampler/internal/metrics"
	"github.com/ummshsh/Recall-Sampler/internal/protocol"
)

// ErrAlreadyRunning is returned when Run is called twice on a UDP source
var ErrAlreadyRunning = errors.New("udp source already running")

// Freezer receives freeze commands carried in the packet stream
type Freezer interface {
	SetFrozen(frozen bool)
}

// UDPSourceConfig contains UDP ingest settings
type UDPSourceConfig struct {
	BindAddress string
	Port        int
	BufferSize  int
	QueueSize   int
	SampleRate  float64
	Channels    int
}

// UDPSource receives PCM packets over UDP and feeds them to the host as
// real-time blocks. A single processor goroutine delivers every block, so
// the engine sees one writer no matter how fast packets arrive.
type UDPSource struct {
	conn    *net.UDPConn
	config  UDPSourceConfig
	logger  *slog.Logger
	host    *host.Host
	freezer Freezer
	metrics *metrics.Metrics

	packetChan chan *incomingPacket
	running    atomic.Bool

	// Block buffers owned by the processor goroutine
	blockBuf [][]float32
	views    [][]float32

	// Sequence tracking, processor goroutine only
	haveSeq bool
	nextSeq uint32

	// Statistics
	mu               sync.RWMutex
	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	packetsLost      uint64
	packetsLate      uint64
	queueDrops       uint64
	freezeCommands   uint64
}

// incomingPacket represents a received UDP packet with its sender
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
}

// UDPStatistics represents ingest counters
type UDPStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	PacketsLost      uint64 `json:"packets_lost"`
	PacketsLate      uint64 `json:"packets_late"`
	QueueDrops       uint64 `json:"queue_drops"`
	FreezeCommands   uint64 `json:"freeze_commands"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}

// ListenUDP opens the UDP socket for a new source. freezer may be nil, in
// which case freeze packets are counted and ignored.
func ListenUDP(cfg UDPSourceConfig, logger *slog.Logger, h *host.Host, freezer Freezer, m *metrics.Metrics) (*UDPSource, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %f", cfg.SampleRate)
	}
	if cfg.Channels <= 0 || cfg.Channels > protocol.MaxChannels {
		return nil, fmt.Errorf("channels must be between 1 and %d, got %d", protocol.MaxChannels, cfg.Channels)
	}
	if cfg.BufferSize < protocol.HeaderSize {
		cfg.BufferSize = protocol.MaxPacketSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if err := conn.SetReadBuffer(cfg.BufferSize); err != nil {
		logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", cfg.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	// Mono packets carry the most frames per payload
	maxFrames := protocol.MaxPayloadSize / protocol.BytesPerSample
	blockBuf := make([][]float32, cfg.Channels)
	for c := range blockBuf {
		blockBuf[c] = make([]float32, maxFrames)
	}

	return &UDPSource{
		conn:       conn,
		config:     cfg,
		logger:     logger,
		host:       h,
		freezer:    freezer,
		metrics:    m,
		packetChan: make(chan *incomingPacket, cfg.QueueSize),
		blockBuf:   blockBuf,
		views:      make([][]float32, cfg.Channels),
	}, nil
}

// Addr returns the bound local address
func (s *UDPSource) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the socket of a source that will not be run
func (s *UDPSource) Close() error {
	return s.conn.Close()
}

// SampleRate returns the rate the sender is expected to use
func (s *UDPSource) SampleRate() float64 {
	return s.config.SampleRate
}

// Channels returns the number of channels delivered to the host
func (s *UDPSource) Channels() int {
	return s.config.Channels
}

// Run receives and processes packets until ctx is cancelled. The socket is
// closed when Run returns.
func (s *UDPSource) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.conn.Close()

	s.logger.Info("UDP source started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("queue_size", s.config.QueueSize),
		slog.Int("channels", s.config.Channels),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.receiveLoop(ctx)
	})
	g.Go(func() error {
		s.processLoop()
		return nil
	})
	err := g.Wait()

	stats := s.GetStatistics()
	s.logger.Info("UDP source stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("packets_lost", stats.PacketsLost),
	)
	return err
}

// receiveLoop reads datagrams and queues them for the processor
func (s *UDPSource) receiveLoop(ctx context.Context) error {
	defer close(s.packetChan)

	buffer := make([]byte, protocol.MaxPacketSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Wake up periodically to notice cancellation
		if err := s.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		// The read buffer is reused
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
		}

		select {
		case s.packetChan <- packet:
		default:
			s.mu.Lock()
			s.queueDrops++
			s.mu.Unlock()
			s.metrics.RecordQueueDrop()
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// processLoop is the only goroutine that delivers blocks to the host
func (s *UDPSource) processLoop() {
	s.logger.Debug("Packet processor started")

	for packet := range s.packetChan {
		s.handlePacket(packet)
		s.metrics.SetQueueSize(len(s.packetChan))
	}

	s.logger.Debug("Packet processor stopped")
}

// handlePacket processes a single incoming packet
func (s *UDPSource) handlePacket(packet *incomingPacket) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	switch parsed.Header.PacketType {
	case protocol.PacketTypeAudio:
		if !s.processAudioPacket(parsed.Header, parsed.Audio) {
			return
		}
	case protocol.PacketTypeFreeze:
		s.processFreezePacket(parsed.Header, parsed.Freeze, packet.remoteAddr)
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()
}

// processAudioPacket tracks the sequence and delivers the block. Late and
// duplicate packets are dropped since the ring only moves forward.
func (s *UDPSource) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload) bool {
	if s.haveSeq {
		delta := int32(header.Sequence - s.nextSeq)
		switch {
		case delta < 0:
			s.mu.Lock()
			s.packetsLate++
			s.mu.Unlock()
			s.metrics.RecordPacketLate()

			s.logger.Debug("Dropping late audio packet",
				slog.Uint64("sequence", uint64(header.Sequence)),
				slog.Uint64("expected", uint64(s.nextSeq)),
			)
			return false
		case delta > 0:
			s.mu.Lock()
			s.packetsLost += uint64(delta)
			s.mu.Unlock()
			s.metrics.RecordPacketsLost(uint32(delta))

			s.logger.Warn("Audio packets lost",
				slog.Uint64("sequence", uint64(header.Sequence)),
				slog.Uint64("expected", uint64(s.nextSeq)),
				slog.Int("missing", int(delta)),
			)
		}
	}
	s.haveSeq = true
	s.nextSeq = header.Sequence + 1

	frames := payload.Frames()
	for c := range s.views {
		s.views[c] = s.blockBuf[c][:frames]
	}
	n := payload.DecodeInto(s.views)
	for c := range s.views {
		s.views[c] = s.views[c][:n]
	}

	s.host.Callback(s.views)
	return true
}

// processFreezePacket applies a freeze switch from the sender
func (s *UDPSource) processFreezePacket(header *protocol.Header, payload *protocol.FreezePayload, remote *net.UDPAddr) {
	s.mu.Lock()
	s.freezeCommands++
	s.mu.Unlock()

	if s.freezer == nil {
		s.logger.Warn("Ignoring freeze packet, no freeze control attached",
			slog.String("remote_addr", remote.String()))
		return
	}

	s.freezer.SetFrozen(payload.Frozen)
	s.logger.Info("Freeze command received",
		slog.Bool("frozen", payload.Frozen),
		slog.Uint64("sequence", uint64(header.Sequence)),
		slog.String("remote_addr", remote.String()),
	)
}

// GetStatistics returns current ingest statistics
func (s *UDPSource) GetStatistics() UDPStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return UDPStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		PacketsLost:      s.packetsLost,
		PacketsLate:      s.packetsLate,
		QueueDrops:       s.queueDrops,
		FreezeCommands:   s.freezeCommands,
		QueueSize:        uint64(len(s.packetChan)),
		QueueCapacity:    uint64(cap(s.packetChan)),
	}
}
