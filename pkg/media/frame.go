package media

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/rtp"
)

type FrameType int

const (
	FrameVoice FrameType = iota
	FrameDTMF
	FrameControl
)

func (t FrameType) String() string {
	switch t {
	case FrameVoice:
		return "Voice"
	case FrameDTMF:
		return "DTMF"
	case FrameControl:
		return "Control"
	}
	return fmt.Sprintf("FrameType(%d)", int(t))
}

const (
	// DefaultPtime is the packetization time assumed when none is negotiated.
	DefaultPtime = 20
	// DefaultDTMFPayloadType is the usual dynamic payload type of telephone-event.
	DefaultDTMFPayloadType = 101
)

// Frame is a unit of media flowing through a channel. TS and Len are in
// milliseconds on the stream's own timeline.
type Frame struct {
	Type      FrameType
	Subclass  string
	TS        int64
	Len       int64
	Samples   int
	HasTiming bool
	Src       string
	Delivery  time.Time
	Packet    *rtp.Packet
}

// Clone returns a deep copy of the frame, RTP payload included.
func (f *Frame) Clone() *Frame {
	c := *f
	if f.Packet != nil {
		p := *f.Packet
		p.Payload = append([]byte(nil), f.Packet.Payload...)
		p.CSRC = append([]uint32(nil), f.Packet.CSRC...)
		c.Packet = &p
	}
	return &c
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s/%s ts=%d len=%d src=%s", f.Type, f.Subclass, f.TS, f.Len, f.Src)
}

// InterpLen returns the length in ms of an interpolated frame for a codec.
func InterpLen(subclass string) int64 {
	switch strings.ToLower(subclass) {
	case "ilbc":
		return 30
	case "g723", "g723.1":
		return 30
	}
	return DefaultPtime
}

// TimestampMapper turns 32 bit RTP timestamps of one stream into
// milliseconds since the first packet. Wraparound of the RTP clock is
// unfolded, so the result is monotonic for an in-order stream.
type TimestampMapper struct {
	ClockRate       uint32
	Ptime           int64
	Codec           string
	DTMFPayloadType uint8

	started bool
	last    uint32
	ext     int64
}

func NewTimestampMapper(clockRate uint32, ptime int64, codec string) *TimestampMapper {
	if clockRate == 0 {
		clockRate = 8000
	}
	if ptime < 2 {
		ptime = DefaultPtime
	}
	return &TimestampMapper{
		ClockRate:       clockRate,
		Ptime:           ptime,
		Codec:           codec,
		DTMFPayloadType: DefaultDTMFPayloadType,
	}
}

// ToMs maps ts onto the stream timeline. Packets older than the first one
// map to negative values.
func (m *TimestampMapper) ToMs(ts uint32) int64 {
	if !m.started {
		m.started = true
		m.last = ts
		m.ext = 0
		return 0
	}
	delta := int64(int32(ts - m.last))
	if delta <= 0 {
		// reordered packet, last stays at the newest timestamp seen
		return (m.ext + delta) * 1000 / int64(m.ClockRate)
	}
	m.ext += delta
	m.last = ts
	return m.ext * 1000 / int64(m.ClockRate)
}

// Reset forgets the first packet so the next one starts a new timeline.
func (m *TimestampMapper) Reset() {
	m.started = false
	m.last = 0
	m.ext = 0
}

// FrameFromRTP builds a frame from an RTP packet. Telephone-event packets
// become DTMF frames, everything else voice.
func FrameFromRTP(m *TimestampMapper, pkt *rtp.Packet) *Frame {
	f := &Frame{
		Type:      FrameVoice,
		Subclass:  m.Codec,
		TS:        m.ToMs(pkt.Timestamp),
		Len:       m.Ptime,
		Samples:   int(m.Ptime * int64(m.ClockRate) / 1000),
		HasTiming: true,
		Src:       "RTP",
		Packet:    pkt,
	}
	if pkt.PayloadType == m.DTMFPayloadType {
		f.Type = FrameDTMF
		f.Subclass = "telephone-event"
		f.HasTiming = false
	}
	return f
}
