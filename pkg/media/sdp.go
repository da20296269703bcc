package media

import (
	"errors"
	"strings"

	"github.com/pixelbender/go-sdp/sdp"
)

var ErrNoAudio = errors.New("media: no audio stream in session description")

// Codec is one payload format offered for an audio stream.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// AudioStream is the audio part of a session description.
type AudioStream struct {
	Port            int
	Codecs          []Codec
	DTMFPayloadType uint8
	HasDTMF         bool
}

// Preferred returns the first non telephone-event codec.
func (a *AudioStream) Preferred() (Codec, bool) {
	for _, c := range a.Codecs {
		if !strings.EqualFold(c.Name, "telephone-event") {
			return c, true
		}
	}
	return Codec{}, false
}

// Mapper returns a timestamp mapper set up for the preferred codec.
func (a *AudioStream) Mapper(ptime int64) (*TimestampMapper, error) {
	c, ok := a.Preferred()
	if !ok {
		return nil, ErrNoAudio
	}
	m := NewTimestampMapper(c.ClockRate, ptime, c.Name)
	if a.HasDTMF {
		m.DTMFPayloadType = a.DTMFPayloadType
	}
	return m, nil
}

// ParseAudioStream extracts the first audio stream of an SDP body.
func ParseAudioStream(body []byte) (*AudioStream, error) {
	sess, err := sdp.Parse(body)
	if err != nil {
		return nil, err
	}
	for _, m := range sess.Media {
		if m.Type != "audio" {
			continue
		}
		as := &AudioStream{Port: m.Port}
		for _, f := range m.Format {
			c := Codec{
				PayloadType: uint8(f.Payload),
				Name:        f.Name,
				ClockRate:   uint32(f.ClockRate),
			}
			if c.ClockRate == 0 {
				c.ClockRate = 8000
			}
			if strings.EqualFold(c.Name, "telephone-event") {
				as.DTMFPayloadType = c.PayloadType
				as.HasDTMF = true
			}
			as.Codecs = append(as.Codecs, c)
		}
		return as, nil
	}
	return nil, ErrNoAudio
}
