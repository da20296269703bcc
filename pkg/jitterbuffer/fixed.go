package jitterbuffer

import (
	"errors"
	"fmt"

	"github.com/gammazero/deque"
)

// Status is the result of a put/get on a jitter buffer.
type Status int

const (
	StatusOK Status = iota
	StatusDrop
	StatusInterp
	StatusNoFrame
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusDrop:
		return "DROP"
	case StatusInterp:
		return "INTERP"
	case StatusNoFrame:
		return "NOFRAME"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

const (
	// DefaultSize is the fixed delay in ms.
	DefaultSize = 200
	// DefaultResyncThreshold is the timestamp jump, in ms, that makes the
	// buffer resynchronize instead of dropping.
	DefaultResyncThreshold = 1000

	slotCacheSize = 32
)

var ErrNotEmpty = errors.New("jitterbuffer: frames still buffered")

type Config struct {
	// Size is the delay, in ms, added to every frame.
	Size int64
	// ResyncThreshold in ms.
	ResyncThreshold int64
}

// Frame is a buffered frame. Data is owned by the caller; the buffer only
// keeps the reference.
type Frame struct {
	Data     interface{}
	TS       int64
	MS       int64
	Delivery int64
}

type slot struct {
	Frame
	prev, next *slot
}

// FixedJitterBuffer releases frames in timestamp order after a fixed delay.
//
// All times are milliseconds on one clock owned by the caller, which must
// never wrap during the life of the buffer. The buffer is not safe for
// concurrent use.
type FixedJitterBuffer struct {
	head, tail   *slot
	size         int
	conf         Config
	rxcore       int64
	delay        int64
	nextDelivery int64
	forceResynch bool
	free         deque.Deque
}

func NewFixedJitterBuffer(conf Config) *FixedJitterBuffer {
	if conf.Size < 1 {
		conf.Size = DefaultSize
	}
	if conf.ResyncThreshold < 1 {
		conf.ResyncThreshold = DefaultResyncThreshold
	}
	return &FixedJitterBuffer{
		conf:  conf,
		delay: conf.Size,
	}
}

// Destroy fails with ErrNotEmpty when frames are still buffered; drain with
// Remove first.
func (jb *FixedJitterBuffer) Destroy() error {
	if jb.head != nil {
		return ErrNotEmpty
	}
	for jb.free.Len() > 0 {
		jb.free.PopBack()
	}
	return nil
}

func (jb *FixedJitterBuffer) Config() Config {
	return jb.conf
}

// Len returns the number of buffered frames.
func (jb *FixedJitterBuffer) Len() int {
	return jb.size
}

// Next returns the time the next frame is due.
func (jb *FixedJitterBuffer) Next() int64 {
	return jb.nextDelivery
}

// SetForceResynch makes the next out of range put resynchronize even when the
// jump is below the threshold.
func (jb *FixedJitterBuffer) SetForceResynch() {
	jb.forceResynch = true
}

func (jb *FixedJitterBuffer) allocSlot() *slot {
	if jb.free.Len() > 0 {
		return jb.free.PopBack().(*slot)
	}
	return &slot{}
}

func (jb *FixedJitterBuffer) releaseSlot(s *slot) {
	*s = slot{}
	if jb.free.Len() < slotCacheSize {
		jb.free.PushBack(s)
	}
}

// PutFirst sets the receiver clock origin from this frame and puts it.
func (jb *FixedJitterBuffer) PutFirst(data interface{}, ms, ts, now int64) Status {
	jb.rxcore = now - ts
	jb.nextDelivery = now + jb.delay
	return jb.Put(data, ms, ts, now)
}

// Put queues a frame. Late, far-future and overlapping frames are either
// dropped or, on a timestamp discontinuity, trigger a resynchronization.
//
// Invalid arguments (nil data, ms < 2, negative ts or now) are programming
// errors and panic.
func (jb *FixedJitterBuffer) Put(data interface{}, ms, ts, now int64) Status {
	if data == nil {
		panic("jitterbuffer: put with nil data")
	}
	if ms < 2 {
		panic(fmt.Sprintf("jitterbuffer: frame length %dms < 2ms", ms))
	}
	if ts < 0 || now < 0 {
		panic(fmt.Sprintf("jitterbuffer: negative time ts=%d now=%d", ts, now))
	}

	delivery := jb.rxcore + jb.delay + ts

	// too late
	if delivery < jb.nextDelivery {
		return jb.resynch(data, ms, ts, now)
	}

	// too far in the future, resync_threshold ms of slack on top of the delay
	if delivery > jb.nextDelivery+jb.delay+jb.conf.ResyncThreshold {
		return jb.resynch(data, ms, ts, now)
	}

	frame := jb.tail
	for frame != nil && frame.Delivery > delivery {
		frame = frame.prev
	}

	// the slot is already covered
	if frame != nil && (frame.Delivery == delivery ||
		delivery < frame.Delivery+frame.MS ||
		(frame.next != nil && delivery+ms > frame.next.Delivery)) {
		return jb.resynch(data, ms, ts, now)
	}
	if frame == nil && jb.head != nil && delivery+ms > jb.head.Delivery {
		return jb.resynch(data, ms, ts, now)
	}

	s := jb.allocSlot()
	s.Data = data
	s.TS = ts
	s.MS = ms
	s.Delivery = delivery

	if frame == nil {
		s.next = jb.head
		jb.head = s
	} else {
		s.prev = frame
		s.next = frame.next
		frame.next = s
	}
	if s.next != nil {
		s.next.prev = s
	} else {
		jb.tail = s
	}
	jb.size++
	return StatusOK
}

func (jb *FixedJitterBuffer) resynch(data interface{}, ms, ts, now int64) Status {
	if jb.head == nil {
		return jb.PutFirst(data, ms, ts, now)
	}

	// Where the frame would land if it followed the tail directly; the
	// deviation from that is the offset to apply.
	offset := ts - jb.tail.TS - jb.tail.MS

	if !jb.forceResynch && offset < jb.conf.ResyncThreshold && offset > -jb.conf.ResyncThreshold {
		return StatusDrop
	}
	jb.forceResynch = false

	jb.rxcore -= offset
	for s := jb.head; s != nil; s = s.next {
		s.TS += offset
	}

	return jb.Put(data, ms, ts, now)
}

func (jb *FixedJitterBuffer) popHead() Frame {
	s := jb.head
	jb.head = s.next
	if jb.head != nil {
		jb.head.prev = nil
	} else {
		jb.tail = nil
	}
	jb.size--
	jb.nextDelivery = s.Delivery + s.MS

	f := s.Frame
	jb.releaseSlot(s)
	return f
}

// Get returns the frame due at now.
//
//	StatusNoFrame  now is before Next(); nothing changes
//	StatusInterp   nothing to play; Next() advances by interpl
//	StatusDrop     the head frame is too late and is returned for disposal
//	StatusOK       the head frame is returned for playing
func (jb *FixedJitterBuffer) Get(now, interpl int64) (Frame, Status) {
	if now < 0 {
		panic(fmt.Sprintf("jitterbuffer: negative time now=%d", now))
	}
	if interpl < 2 {
		panic(fmt.Sprintf("jitterbuffer: interpolation length %dms < 2ms", interpl))
	}

	if now < jb.nextDelivery {
		return Frame{}, StatusNoFrame
	}

	if jb.head == nil {
		jb.nextDelivery += interpl
		return Frame{}, StatusInterp
	}

	if now > jb.head.Delivery+jb.head.MS {
		return jb.popHead(), StatusDrop
	}

	if now < jb.head.Delivery {
		jb.nextDelivery += interpl
		return Frame{}, StatusInterp
	}

	return jb.popHead(), StatusOK
}

// Remove pops the head frame regardless of timing.
func (jb *FixedJitterBuffer) Remove() (Frame, Status) {
	if jb.head == nil {
		return Frame{}, StatusNoFrame
	}
	return jb.popHead(), StatusOK
}
