package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampMapper(t *testing.T) {
	m := NewTimestampMapper(8000, 20, "PCMU")

	assert.Equal(t, int64(0), m.ToMs(1000))
	assert.Equal(t, int64(20), m.ToMs(1160))
	assert.Equal(t, int64(40), m.ToMs(1320))
	// reordered
	assert.Equal(t, int64(20), m.ToMs(1160))
	assert.Equal(t, int64(60), m.ToMs(1480))
	// older than the first packet
	assert.Equal(t, int64(-10), m.ToMs(920))

	m.Reset()
	assert.Equal(t, int64(0), m.ToMs(5))
}

func TestTimestampMapperWraps(t *testing.T) {
	m := NewTimestampMapper(8000, 20, "PCMA")
	start := uint32(0xFFFFFFFF - 159)

	assert.Equal(t, int64(0), m.ToMs(start))
	assert.Equal(t, int64(20), m.ToMs(start+160))
	assert.Equal(t, int64(40), m.ToMs(start+320))
}

func TestTimestampMapperDefaults(t *testing.T) {
	m := NewTimestampMapper(0, 0, "")
	assert.Equal(t, uint32(8000), m.ClockRate)
	assert.Equal(t, int64(DefaultPtime), m.Ptime)
	assert.Equal(t, uint8(DefaultDTMFPayloadType), m.DTMFPayloadType)
}

func TestFrameFromRTP(t *testing.T) {
	m := NewTimestampMapper(8000, 20, "PCMU")

	f := FrameFromRTP(m, &rtp.Packet{Header: rtp.Header{PayloadType: 0, Timestamp: 8000}, Payload: make([]byte, 160)})
	assert.Equal(t, FrameVoice, f.Type)
	assert.Equal(t, "PCMU", f.Subclass)
	assert.Equal(t, int64(0), f.TS)
	assert.Equal(t, int64(20), f.Len)
	assert.Equal(t, 160, f.Samples)
	assert.True(t, f.HasTiming)

	f = FrameFromRTP(m, &rtp.Packet{Header: rtp.Header{PayloadType: 0, Timestamp: 8160}})
	assert.Equal(t, int64(20), f.TS)

	f = FrameFromRTP(m, &rtp.Packet{Header: rtp.Header{PayloadType: 101, Timestamp: 8320}})
	assert.Equal(t, FrameDTMF, f.Type)
	assert.False(t, f.HasTiming)
}

func TestFrameClone(t *testing.T) {
	f := &Frame{Type: FrameVoice, TS: 40, Len: 20, Packet: &rtp.Packet{Payload: []byte{1, 2, 3}}}
	c := f.Clone()
	require.NotSame(t, f.Packet, c.Packet)
	c.Packet.Payload[0] = 9
	assert.Equal(t, byte(1), f.Packet.Payload[0])
	assert.Equal(t, f.TS, c.TS)

	plain := (&Frame{TS: 1}).Clone()
	assert.Nil(t, plain.Packet)
}

func TestInterpLen(t *testing.T) {
	assert.Equal(t, int64(20), InterpLen("PCMU"))
	assert.Equal(t, int64(30), InterpLen("iLBC"))
	assert.Equal(t, int64(20), InterpLen(""))
}

func TestFrameTypeString(t *testing.T) {
	assert.Equal(t, "Voice", FrameVoice.String())
	assert.Equal(t, "DTMF", FrameDTMF.String())
	assert.Equal(t, "FrameType(7)", FrameType(7).String())
}

const offer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 8 0 116\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:116 telephone-event/8000\r\n" +
	"a=fmtp:116 0-16\r\n" +
	"a=sendrecv\r\n"

func TestParseAudioStream(t *testing.T) {
	as, err := ParseAudioStream([]byte(offer))
	require.NoError(t, err)
	assert.Equal(t, 4000, as.Port)
	require.Len(t, as.Codecs, 3)
	assert.True(t, as.HasDTMF)
	assert.Equal(t, uint8(116), as.DTMFPayloadType)

	c, ok := as.Preferred()
	require.True(t, ok)
	assert.Equal(t, "PCMA", c.Name)
	assert.Equal(t, uint32(8000), c.ClockRate)

	m, err := as.Mapper(30)
	require.NoError(t, err)
	assert.Equal(t, "PCMA", m.Codec)
	assert.Equal(t, int64(30), m.Ptime)
	assert.Equal(t, uint8(116), m.DTMFPayloadType)
}

func TestAudioStreamWithoutVoiceCodec(t *testing.T) {
	as := &AudioStream{Codecs: []Codec{{PayloadType: 101, Name: "telephone-event", ClockRate: 8000}}}
	_, err := as.Mapper(20)
	assert.ErrorIs(t, err, ErrNoAudio)
}
