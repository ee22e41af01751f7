package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Protocol constants
const (
	// Packet types
	PacketTypeAudio  = 0x02
	PacketTypeFreeze = 0x03

	// Packet structure sizes
	HeaderSize        = 8 // 1 + 2 + 4 + 1 bytes
	FreezePayloadSize = 1
	BytesPerSample    = 2 // signed 16-bit little-endian PCM
	MaxPacketSize     = math.MaxUint16
	MaxPayloadSize    = MaxPacketSize - HeaderSize

	// MaxChannels bounds the channel count an audio packet may carry
	MaxChannels = 32
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][Sequence:4][Channels:1]
type Header struct {
	PacketType uint8  // 0x02=Audio, 0x03=Freeze
	PacketLen  uint16 // Total packet size (header + payload)
	Sequence   uint32 // Sender sequence number
	Channels   uint8  // Interleaved channels in an audio payload
}

// AudioPayload represents interleaved PCM16 samples
type AudioPayload struct {
	Data     []byte // aliases the packet buffer
	Channels int
}

// FreezePayload represents a freeze switch command
// Layout: [Frozen:1]
type FreezePayload struct {
	Frozen bool
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header *Header
	Audio  *AudioPayload  // Only set for audio packets
	Freeze *FreezePayload // Only set for freeze packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		Sequence:   binary.BigEndian.Uint32(data[3:7]),
		Channels:   data[7],
	}

	return header, nil
}

// ParseFreezePayload parses the 1-byte freeze payload
func ParseFreezePayload(data []byte) (*FreezePayload, error) {
	if len(data) != FreezePayloadSize {
		return nil, fmt.Errorf("freeze payload size mismatch: expected %d bytes, got %d", FreezePayloadSize, len(data))
	}
	switch data[0] {
	case 0:
		return &FreezePayload{Frozen: false}, nil
	case 1:
		return &FreezePayload{Frozen: true}, nil
	default:
		return nil, fmt.Errorf("invalid freeze value: 0x%02x", data[0])
	}
}

// ParseAudioPayload wraps interleaved PCM16 data without copying it
func ParseAudioPayload(data []byte, channels int) (*AudioPayload, error) {
	if channels <= 0 || channels > MaxChannels {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}
	if len(data)%(channels*BytesPerSample) != 0 {
		return nil, fmt.Errorf("audio payload of %d bytes is not a whole number of %d-channel frames", len(data), channels)
	}

	return &AudioPayload{Data: data, Channels: channels}, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	// Parse header first
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Validate packet length matches actual data
	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData, int(header.Channels))
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeFreeze:
		payload, err := ParseFreezePayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse freeze payload: %w", err)
		}
		packet.Freeze = payload

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeAudio:
		if header.Channels == 0 || header.Channels > MaxChannels {
			return fmt.Errorf("invalid channel count: %d (must be 1-%d)", header.Channels, MaxChannels)
		}
		if payloadSize == 0 {
			return fmt.Errorf("audio packet has no samples")
		}
	case PacketTypeFreeze:
		if payloadSize != FreezePayloadSize {
			return fmt.Errorf("freeze packet payload size mismatch: expected %d, got %d",
				FreezePayloadSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeAudio || ptype == PacketTypeFreeze
}

// Frames returns the number of frames in the payload
func (a *AudioPayload) Frames() int {
	if a.Channels <= 0 {
		return 0
	}
	return len(a.Data) / (a.Channels * BytesPerSample)
}

// DecodeInto deinterleaves the payload into dst as floats in [-1, 1) and
// returns the number of frames written. It does not allocate. Frames that
// do not fit in every destination channel are skipped, as are payload
// channels beyond len(dst); missing channels are filled from the last
// payload channel.
func (a *AudioPayload) DecodeInto(dst [][]float32) int {
	if len(dst) == 0 || a.Channels <= 0 {
		return 0
	}

	n := a.Frames()
	for _, ch := range dst {
		n = min(n, len(ch))
	}

	stride := a.Channels * BytesPerSample
	for i := 0; i < n; i++ {
		frame := a.Data[i*stride : (i+1)*stride]
		for c, ch := range dst {
			src := min(c, a.Channels-1) * BytesPerSample
			ch[i] = float32(int16(binary.LittleEndian.Uint16(frame[src:]))) / 32768
		}
	}
	return n
}

// BuildAudioPacket encodes per-channel samples as an interleaved PCM16
// audio packet. All channels must have the same length.
func BuildAudioPacket(sequence uint32, channels [][]float32) ([]byte, error) {
	if len(channels) == 0 || len(channels) > MaxChannels {
		return nil, fmt.Errorf("invalid channel count: %d", len(channels))
	}
	frames := len(channels[0])
	for c, ch := range channels {
		if len(ch) != frames {
			return nil, fmt.Errorf("channel %d has %d samples, expected %d", c, len(ch), frames)
		}
	}
	if frames == 0 {
		return nil, fmt.Errorf("audio packet has no samples")
	}

	payloadSize := frames * len(channels) * BytesPerSample
	if payloadSize > MaxPayloadSize {
		return nil, fmt.Errorf("audio payload too large: %d bytes (maximum %d)", payloadSize, MaxPayloadSize)
	}

	packet := make([]byte, HeaderSize+payloadSize)
	writeHeader(packet, PacketTypeAudio, sequence, uint8(len(channels)))

	off := HeaderSize
	for i := 0; i < frames; i++ {
		for _, ch := range channels {
			binary.LittleEndian.PutUint16(packet[off:], uint16(floatToPCM16(ch[i])))
			off += BytesPerSample
		}
	}
	return packet, nil
}

// BuildFreezePacket encodes a freeze switch command
func BuildFreezePacket(sequence uint32, frozen bool) []byte {
	packet := make([]byte, HeaderSize+FreezePayloadSize)
	writeHeader(packet, PacketTypeFreeze, sequence, 0)
	if frozen {
		packet[HeaderSize] = 1
	}
	return packet
}

func writeHeader(packet []byte, ptype uint8, sequence uint32, channels uint8) {
	packet[0] = ptype
	binary.BigEndian.PutUint16(packet[1:3], uint16(len(packet)))
	binary.BigEndian.PutUint32(packet[3:7], sequence)
	packet[7] = channels
}

func floatToPCM16(v float32) int16 {
	if v >= 1 {
		return math.MaxInt16
	}
	if v <= -1 {
		return math.MinInt16
	}
	return int16(v * 32768)
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeFreeze:
		packetType = "Freeze"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, Sequence:%d, Channels:%d}",
		packetType, h.PacketLen, h.Sequence, h.Channels)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Channels:%d, Frames:%d}", a.Channels, a.Frames())
}

// String returns a human-readable representation of the freeze payload
func (f *FreezePayload) String() string {
	return fmt.Sprintf("FreezePayload{Frozen:%t}", f.Frozen)
}
