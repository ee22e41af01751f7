package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ummshsh/Recall-Sampler/internal/capture"
	"github.com/ummshsh/Recall-Sampler/internal/host"
	"github.com/ummshsh/Recall-Sampler/internal/metrics"
	"github.com/ummshsh/Recall-Sampler/internal/protocol"
)

// recordingProcessor keeps a copy of every delivered block
type recordingProcessor struct {
	mu     sync.Mutex
	blocks [][][]float32
}

func (p *recordingProcessor) Process(block [][]float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([][]float32, len(block))
	for c, ch := range block {
		cp[c] = append([]float32(nil), ch...)
	}
	p.blocks = append(p.blocks, cp)
}

func (p *recordingProcessor) received() [][][]float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][][]float32(nil), p.blocks...)
}

type fakeFreezer struct {
	frozen atomic.Bool
	calls  atomic.Int32
}

func (f *fakeFreezer) SetFrozen(frozen bool) {
	f.frozen.Store(frozen)
	f.calls.Add(1)
}

type udpFixture struct {
	source  *UDPSource
	proc    *recordingProcessor
	freezer *fakeFreezer
	metrics *metrics.Metrics
	sender  *net.UDPConn
}

func newUDPFixture(t *testing.T, channels int) *udpFixture {
	t.Helper()

	engine, err := capture.NewEngine(testLogger(), capture.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	m := metrics.NewMetrics(prometheus.NewRegistry(), engine, nil)

	proc := &recordingProcessor{}
	freezer := &fakeFreezer{}
	cfg := UDPSourceConfig{
		BindAddress: "127.0.0.1",
		Port:        0,
		BufferSize:  65536,
		QueueSize:   100,
		SampleRate:  testRate,
		Channels:    channels,
	}
	source, err := ListenUDP(cfg, testLogger(), host.New(proc), freezer, m)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx) }()

	sender, err := net.DialUDP("udp", nil, source.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Failed to dial source: %v", err)
	}

	t.Cleanup(func() {
		sender.Close()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("UDP source did not stop")
		}
	})

	return &udpFixture{source: source, proc: proc, freezer: freezer, metrics: m, sender: sender}
}

func (f *udpFixture) send(t *testing.T, packet []byte) {
	t.Helper()
	if _, err := f.sender.Write(packet); err != nil {
		t.Fatalf("Failed to send packet: %v", err)
	}
}

func (f *udpFixture) sendAudio(t *testing.T, seq uint32, channels [][]float32) {
	t.Helper()
	packet, err := protocol.BuildAudioPacket(seq, channels)
	if err != nil {
		t.Fatalf("Failed to build packet: %v", err)
	}
	f.send(t, packet)
}

// waitForReceived blocks until the source has handled n packets
func (f *udpFixture) waitForReceived(t *testing.T, n uint64) UDPStatistics {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats := f.source.GetStatistics()
		handled := stats.PacketsProcessed + stats.ParseErrors + stats.PacketsLate
		if stats.PacketsReceived >= n && handled >= n {
			return stats
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d packets, stats %+v", n, stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUDPSourceDeliversAudio(t *testing.T) {
	f := newUDPFixture(t, 2)

	left := []float32{0.5, -0.5, 0.25, 0}
	right := []float32{-0.25, 0.125, 0, 0.5}
	f.sendAudio(t, 0, [][]float32{left, right})

	f.waitForReceived(t, 1)

	blocks := f.proc.received()
	if len(blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(blocks))
	}
	if len(blocks[0]) != 2 || len(blocks[0][0]) != 4 {
		t.Fatalf("Expected 2x4 block, got %dx%d", len(blocks[0]), len(blocks[0][0]))
	}
	for i := range left {
		if blocks[0][0][i] != left[i] || blocks[0][1][i] != right[i] {
			t.Errorf("Frame %d: expected (%f, %f), got (%f, %f)",
				i, left[i], right[i], blocks[0][0][i], blocks[0][1][i])
		}
	}
}

func TestUDPSourceUpmixesMono(t *testing.T) {
	f := newUDPFixture(t, 2)

	f.sendAudio(t, 0, [][]float32{{0.5, 0.25}})
	f.waitForReceived(t, 1)

	blocks := f.proc.received()
	if len(blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(blocks))
	}
	if blocks[0][1][0] != 0.5 || blocks[0][1][1] != 0.25 {
		t.Errorf("Expected mono payload copied to channel 1, got %v", blocks[0][1])
	}
}

func TestUDPSourceSequenceTracking(t *testing.T) {
	f := newUDPFixture(t, 1)
	block := [][]float32{{0.1, 0.2}}

	// 2 and 3 go missing, 2 then shows up late
	for _, seq := range []uint32{0, 1, 4, 2} {
		f.sendAudio(t, seq, block)
	}
	stats := f.waitForReceived(t, 4)

	if stats.PacketsProcessed != 3 {
		t.Errorf("Expected 3 packets processed, got %d", stats.PacketsProcessed)
	}
	if stats.PacketsLost != 2 {
		t.Errorf("Expected 2 packets lost, got %d", stats.PacketsLost)
	}
	if stats.PacketsLate != 1 {
		t.Errorf("Expected 1 late packet, got %d", stats.PacketsLate)
	}
	if len(f.proc.received()) != 3 {
		t.Errorf("Expected 3 delivered blocks, got %d", len(f.proc.received()))
	}
	if got := testutil.ToFloat64(f.metrics.PacketsLost); got != 2 {
		t.Errorf("Expected lost metric 2, got %f", got)
	}
}

func TestUDPSourceSequenceWraps(t *testing.T) {
	f := newUDPFixture(t, 1)
	block := [][]float32{{0.1}}

	f.sendAudio(t, 0xFFFFFFFF, block)
	f.sendAudio(t, 0, block)
	stats := f.waitForReceived(t, 2)

	if stats.PacketsProcessed != 2 || stats.PacketsLost != 0 || stats.PacketsLate != 0 {
		t.Errorf("Expected clean wrap-around, got %+v", stats)
	}
}

func TestUDPSourceFreezePackets(t *testing.T) {
	f := newUDPFixture(t, 1)

	f.send(t, protocol.BuildFreezePacket(0, true))
	f.waitForReceived(t, 1)
	if !f.freezer.frozen.Load() {
		t.Error("Expected freeze packet to freeze")
	}

	f.send(t, protocol.BuildFreezePacket(1, false))
	stats := f.waitForReceived(t, 2)
	if f.freezer.frozen.Load() {
		t.Error("Expected thaw packet to thaw")
	}
	if stats.FreezeCommands != 2 || f.freezer.calls.Load() != 2 {
		t.Errorf("Expected 2 freeze commands, got %d", stats.FreezeCommands)
	}
	if len(f.proc.received()) != 0 {
		t.Error("Freeze packets must not deliver audio")
	}
}

func TestUDPSourceParseErrors(t *testing.T) {
	f := newUDPFixture(t, 1)

	f.send(t, []byte{0x02, 0x00})
	f.send(t, []byte{0x09, 0x00, 0x09, 0, 0, 0, 0, 1, 0})
	stats := f.waitForReceived(t, 2)

	if stats.ParseErrors != 2 {
		t.Errorf("Expected 2 parse errors, got %d", stats.ParseErrors)
	}
	if got := testutil.ToFloat64(f.metrics.ParseErrors); got != 2 {
		t.Errorf("Expected parse error metric 2, got %f", got)
	}
}

func TestUDPSourceRunTwice(t *testing.T) {
	f := newUDPFixture(t, 1)

	// Wait for the first Run to claim the source
	f.sendAudio(t, 0, [][]float32{{0.1}})
	f.waitForReceived(t, 1)

	if err := f.source.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestListenUDPValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  UDPSourceConfig
	}{
		{name: "no sample rate", cfg: UDPSourceConfig{BindAddress: "127.0.0.1", Channels: 1}},
		{name: "no channels", cfg: UDPSourceConfig{BindAddress: "127.0.0.1", SampleRate: testRate}},
		{name: "too many channels", cfg: UDPSourceConfig{BindAddress: "127.0.0.1", SampleRate: testRate, Channels: 64}},
	}

	for _, tt := range tests {
		if _, err := ListenUDP(tt.cfg, testLogger(), host.New(&recordingProcessor{}), nil, nil); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
