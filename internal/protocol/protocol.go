package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// Frame types
	FrameTypeAudio   = 0x01
	FrameTypeControl = 0x02

	// Control flags (valid only on control frames)
	ControlEndOfStream = 0x01
	ControlReset       = 0x02

	// Frame structure sizes
	HeaderSize = 8 // 2 + 1 + 1 + 4 bytes

	// Magic prefix marking a frame as ours
	Magic = 0x4D42 // "MB"
)

// Header represents the 8-byte stream frame header
// Layout: [Magic:2][FrameType:1][Flags:1][Sequence:4]
type Header struct {
	Magic     uint16 // Always 0x4D42
	FrameType uint8  // 0x01=Audio, 0x02=Control
	Flags     uint8  // Control flags, zero for audio frames
	Sequence  uint32 // Frame sequence number
}

// AudioFrame carries one chunk of PCM16 little-endian mono audio.
type AudioFrame struct {
	Sequence uint32
	PCM      []byte // 16-bit LE samples (variable length)
}

// ControlFrame carries an in-band stream command.
type ControlFrame struct {
	Sequence uint32
	Flags    uint8
}

// ParsedFrame represents a fully parsed stream frame.
type ParsedFrame struct {
	Header  *Header
	Audio   *AudioFrame   // Only set for audio frames
	Control *ControlFrame // Only set for control frames
}

// EndOfStream reports whether the control frame closes the stream.
func (c *ControlFrame) EndOfStream() bool {
	return c.Flags&ControlEndOfStream != 0
}

// Reset reports whether the control frame requests a session reset.
func (c *ControlFrame) Reset() bool {
	return c.Flags&ControlReset != 0
}

// ParseHeader parses the 8-byte frame header.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		Magic:     binary.BigEndian.Uint16(data[0:2]),
		FrameType: data[2],
		Flags:     data[3],
		Sequence:  binary.BigEndian.Uint32(data[4:8]),
	}

	return header, nil
}

// ParseFrame parses a complete stream frame (header + payload).
func ParseFrame(data []byte) (*ParsedFrame, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	frame := &ParsedFrame{Header: header}
	payload := data[HeaderSize:]

	switch header.FrameType {
	case FrameTypeAudio:
		// PCM16 payload must hold whole samples.
		if len(payload)%2 != 0 {
			return nil, fmt.Errorf("audio payload has odd length: %d bytes", len(payload))
		}
		pcm := make([]byte, len(payload))
		copy(pcm, payload)
		frame.Audio = &AudioFrame{
			Sequence: header.Sequence,
			PCM:      pcm,
		}

	case FrameTypeControl:
		if len(payload) != 0 {
			return nil, fmt.Errorf("control frame carries unexpected payload: %d bytes", len(payload))
		}
		frame.Control = &ControlFrame{
			Sequence: header.Sequence,
			Flags:    header.Flags,
		}

	default:
		return nil, fmt.Errorf("unknown frame type: 0x%02x", header.FrameType)
	}

	return frame, nil
}

// ValidateHeader validates the frame header fields.
func ValidateHeader(header *Header) error {
	if header.Magic != Magic {
		return fmt.Errorf("invalid magic: 0x%04x", header.Magic)
	}

	if !IsValidFrameType(header.FrameType) {
		return fmt.Errorf("invalid frame type: 0x%02x", header.FrameType)
	}

	switch header.FrameType {
	case FrameTypeAudio:
		if header.Flags != 0 {
			return fmt.Errorf("audio frame carries control flags: 0x%02x", header.Flags)
		}
	case FrameTypeControl:
		if header.Flags == 0 {
			return fmt.Errorf("control frame without flags")
		}
		if header.Flags&^(ControlEndOfStream|ControlReset) != 0 {
			return fmt.Errorf("unknown control flags: 0x%02x", header.Flags)
		}
	}

	return nil
}

// IsValidFrameType checks if the frame type is valid.
func IsValidFrameType(ftype uint8) bool {
	return ftype == FrameTypeAudio || ftype == FrameTypeControl
}

// EncodeAudioFrame builds a wire frame around PCM16 little-endian data.
func EncodeAudioFrame(sequence uint32, pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio payload has odd length: %d bytes", len(pcm))
	}

	buf := make([]byte, HeaderSize+len(pcm))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = FrameTypeAudio
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], sequence)
	copy(buf[HeaderSize:], pcm)

	return buf, nil
}

// EncodeControlFrame builds a payload-free control frame.
func EncodeControlFrame(sequence uint32, flags uint8) ([]byte, error) {
	if flags == 0 {
		return nil, fmt.Errorf("control frame without flags")
	}
	if flags&^(ControlEndOfStream|ControlReset) != 0 {
		return nil, fmt.Errorf("unknown control flags: 0x%02x", flags)
	}

	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = FrameTypeControl
	buf[3] = flags
	binary.BigEndian.PutUint32(buf[4:8], sequence)

	return buf, nil
}

// String returns a human-readable representation of the header.
func (h *Header) String() string {
	var frameType string

	switch h.FrameType {
	case FrameTypeAudio:
		frameType = "Audio"
	case FrameTypeControl:
		frameType = "Control"
	default:
		frameType = fmt.Sprintf("Unknown(0x%02x)", h.FrameType)
	}

	return fmt.Sprintf("Header{Type:%s, Flags:0x%02x, Sequence:%d}",
		frameType, h.Flags, h.Sequence)
}

// String returns a human-readable representation of the audio frame.
func (a *AudioFrame) String() string {
	return fmt.Sprintf("AudioFrame{Sequence:%d, PCMLen:%d}", a.Sequence, len(a.PCM))
}

// String returns a human-readable representation of the control frame.
func (c *ControlFrame) String() string {
	return fmt.Sprintf("ControlFrame{Sequence:%d, EndOfStream:%t, Reset:%t}",
		c.Sequence, c.EndOfStream(), c.Reset())
}
