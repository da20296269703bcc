package jb

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/jitterbuffer"
	"github.com/cloudwebrtc/go-pbx-sched/pkg/media"
	"github.com/cloudwebrtc/go-pbx-sched/pkg/utils"
)

var (
	ErrNotInUse      = errors.New("jb: jitter buffer not in use")
	ErrNotVoice      = errors.New("jb: not a voice frame")
	ErrInvalidTiming = errors.New("jb: frame without valid timing")
)

// FrameWriter receives the frames released by GetAndDeliver.
type FrameWriter interface {
	WriteFrame(f *media.Frame) error
}

type FrameWriterFunc func(f *media.Frame) error

func (fn FrameWriterFunc) WriteFrame(f *media.Frame) error {
	return fn(f)
}

// Stats counts frames through a jitter buffer since it was created.
type Stats struct {
	Queued       uint64
	Dropped      uint64
	Invalid      uint64
	Delivered    uint64
	Late         uint64
	Interpolated uint64
}

type counters struct {
	queued       atomic.Uint64
	dropped      atomic.Uint64
	invalid      atomic.Uint64
	delivered    atomic.Uint64
	late         atomic.Uint64
	interpolated atomic.Uint64
}

// getActions names Get results in the frame log, indexed by status.
var getActions = [...]string{"Delivered", "Dropped", "Interpolated", "No"}

// JitterBuffer is the jitter buffer of one channel. It decides whether
// buffering is needed, creates the implementation on the first voice frame
// and releases frames against a per channel timebase.
//
// Put and GetAndDeliver may be called from different goroutines.
type JitterBuffer struct {
	mu       sync.Mutex
	name     string
	peerName string
	conf     Config

	implName string
	factory  ImplFactory
	impl     Impl

	used        bool
	created     bool
	timebaseSet bool
	timebase    time.Time
	next        int64
	lastCodec   string

	logDir   string
	frameLog *frameLog
	now      func() time.Time
	log      log.Logger
	stats    counters
}

type Option func(jb *JitterBuffer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(jb *JitterBuffer) {
		if now != nil {
			jb.now = now
		}
	}
}

// WithLogDir sets where frame logs are written. Defaults to os.TempDir().
func WithLogDir(dir string) Option {
	return func(jb *JitterBuffer) {
		jb.logDir = dir
	}
}

// New returns the jitter buffer of channel name. An empty name gets a random one.
func New(name string, conf Config, logger log.Logger, opts ...Option) *JitterBuffer {
	if name == "" {
		name = uuid.New().String()
	}
	if logger == nil {
		logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "JB", nil)
	}
	jb := &JitterBuffer{
		name:   name,
		conf:   conf,
		logDir: os.TempDir(),
		now:    time.Now,
		log:    logger.WithPrefix("JB").WithFields(log.Fields{"channel": name}),
	}
	for _, opt := range opts {
		opt(jb)
	}
	return jb
}

func (jb *JitterBuffer) Name() string {
	return jb.name
}

func (jb *JitterBuffer) Config() Config {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.conf
}

// Configure replaces the configuration. It only affects an implementation
// created afterwards.
func (jb *JitterBuffer) Configure(conf Config) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.conf = conf
}

// InUse reports whether the last UseCheck enabled buffering.
func (jb *JitterBuffer) InUse() bool {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.used
}

// Created reports whether the implementation exists, i.e. a first voice frame was put.
func (jb *JitterBuffer) Created() bool {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.created
}

func (jb *JitterBuffer) timebaseOf() (time.Time, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.timebase, jb.timebaseSet
}

// UseCheck decides whether audio going to this channel needs buffering. That
// is the case when the peer creates jitter and either this channel cannot
// handle it or buffering is forced, and buffering is enabled. A new timebase
// is shared with peer when the peer already has one.
func (jb *JitterBuffer) UseCheck(wantsJitter bool, peer *JitterBuffer, peerCreatesJitter bool) bool {
	var peerBase time.Time
	var peerHasBase bool
	if peer != nil && peer != jb {
		peerBase, peerHasBase = peer.timebaseOf()
	}

	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !(((!wantsJitter && peerCreatesJitter) || (jb.conf.Forced && peerCreatesJitter)) && jb.conf.Enabled) {
		return false
	}

	jb.used = true
	if peer != nil {
		jb.peerName = peer.name
	}
	if !jb.timebaseSet {
		if peerHasBase {
			jb.timebase = peerBase
		} else {
			jb.timebase = jb.now()
		}
		jb.timebaseSet = true
	}
	if !jb.created {
		jb.chooseImpl()
	}
	return true
}

func (jb *JitterBuffer) chooseImpl() {
	name, factory, ok := lookupImpl(jb.conf.Impl)
	if !ok {
		jb.log.Warnf("unknown jitter buffer implementation %q, using %s", jb.conf.Impl, name)
	}
	jb.implName = name
	jb.factory = factory
}

func (jb *JitterBuffer) nowMs() int64 {
	return int64(jb.now().Sub(jb.timebase) / time.Millisecond)
}

// Put queues a frame. Frames the buffer drops are not an error: they must
// not be delivered by the caller either. An error means the frame was not
// taken and the caller may pass it on unbuffered.
func (jb *JitterBuffer) Put(f *media.Frame) error {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.used {
		return ErrNotInUse
	}

	if f.Type != media.FrameVoice {
		if f.Type == media.FrameDTMF && jb.created {
			jb.frameLog.Printf("JB_PUT {now=%d}: Received DTMF frame. Force resynching jb...", jb.nowMs())
			jb.impl.ForceResync()
		}
		return ErrNotVoice
	}

	if !f.HasTiming || f.Len < 2 || f.TS < 0 {
		jb.stats.invalid.Inc()
		jb.log.Warnf("received frame with invalid timing info: has_timing_info=%v, len=%d, ts=%d, src=%s",
			f.HasTiming, f.Len, f.TS, f.Src)
		return ErrInvalidTiming
	}

	fr := f.Clone()

	if !jb.created {
		jb.create(fr)
		return nil
	}

	now := jb.nowMs()
	if jb.impl.Put(fr, now) != jitterbuffer.StatusOK {
		jb.stats.dropped.Inc()
		jb.frameLog.Printf("JB_PUT {now=%d}: Dropped frame with ts=%d and len=%d", now, fr.TS, fr.Len)
		return nil
	}
	jb.stats.queued.Inc()
	jb.next = jb.impl.Next()
	jb.frameLog.Printf("JB_PUT {now=%d}: Queued frame with ts=%d and len=%d", now, fr.TS, fr.Len)
	return nil
}

func (jb *JitterBuffer) create(fr *media.Frame) {
	if jb.factory == nil {
		jb.chooseImpl()
	}
	jb.impl = jb.factory(jb.conf)

	now := jb.nowMs()
	res := jb.impl.PutFirst(fr, now)
	if res != jitterbuffer.StatusOK {
		jb.stats.dropped.Inc()
		jb.log.Warnf("failed to put first frame in the jitterbuffer")
	} else {
		jb.stats.queued.Inc()
	}

	jb.next = jb.impl.Next()
	jb.lastCodec = fr.Subclass

	if jb.conf.Log {
		path := frameLogPath(jb.logDir, jb.implName, jb.name, jb.peerName)
		fl, err := openFrameLog(path)
		if err != nil {
			jb.log.Errorf("failed to create frame log file with pathname '%s': %v", path, err)
		} else {
			jb.frameLog = fl
		}
		if res == jitterbuffer.StatusOK {
			jb.frameLog.Printf("JB_PUT_FIRST {now=%d}: Queued frame with ts=%d and len=%d", now, fr.TS, fr.Len)
		} else {
			jb.frameLog.Printf("JB_PUT_FIRST {now=%d}: Dropped frame with ts=%d and len=%d", now, fr.TS, fr.Len)
		}
	}

	jb.created = true
	jb.log.Infof("%s jitterbuffer created", jb.implName)
}

// GetAndDeliver writes every frame due now to w: buffered frames in order,
// and synthesized interpolation frames where the buffer has a gap. Late
// frames are discarded. Frames are written after the buffer lock is
// released; the first write error stops delivery.
func (jb *JitterBuffer) GetAndDeliver(w FrameWriter) error {
	jb.mu.Lock()

	if !jb.used || !jb.created {
		jb.mu.Unlock()
		return nil
	}

	now := jb.nowMs()
	jb.next = jb.impl.Next()
	if now < jb.next {
		jb.frameLog.Printf("\tJB_GET {now=%d}: now < next=%d", now, jb.next)
		jb.mu.Unlock()
		return nil
	}

	var out []*media.Frame
loop:
	for now >= jb.next {
		interpl := media.InterpLen(jb.lastCodec)
		f, res := jb.impl.Get(now, interpl)

		switch res {
		case jitterbuffer.StatusOK:
			jb.stats.delivered.Inc()
			out = append(out, f)
			fallthrough
		case jitterbuffer.StatusDrop:
			if res == jitterbuffer.StatusDrop {
				jb.stats.late.Inc()
			}
			jb.frameLog.Printf("\tJB_GET {now=%d}: %s frame with ts=%d and len=%d", now, getActions[res], f.TS, f.Len)
			jb.lastCodec = f.Subclass
		case jitterbuffer.StatusInterp:
			jb.stats.interpolated.Inc()
			out = append(out, &media.Frame{
				Type:     media.FrameVoice,
				Subclass: jb.lastCodec,
				Len:      interpl,
				Samples:  int(interpl * 8),
				Src:      "JB interpolation",
				Delivery: jb.timebase.Add(time.Duration(jb.next) * time.Millisecond),
			})
			jb.frameLog.Printf("\tJB_GET {now=%d}: Interpolated frame with len=%d", now, interpl)
		case jitterbuffer.StatusNoFrame:
			jb.log.Warnf("NOFRAME is returned from the %s jb when now=%d >= next=%d, jbnext=%d!",
				jb.implName, now, jb.next, jb.impl.Next())
			jb.frameLog.Printf("\tJB_GET {now=%d}: No frame for now!?", now)
			break loop
		}

		jb.next = jb.impl.Next()
	}
	jb.mu.Unlock()

	for _, f := range out {
		if err := w.WriteFrame(f); err != nil {
			return fmt.Errorf("jb %s: deliver frame: %w", jb.name, err)
		}
	}
	return nil
}

// untilNext returns the ms until the next frame is due.
func (jb *JitterBuffer) untilNext() (int, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.used || !jb.created {
		return 0, false
	}
	wait := jb.next - jb.nowMs()
	if wait > math.MaxInt32 {
		wait = math.MaxInt32
	}
	return int(wait), true
}

// WhenToWakeup returns how long a channel loop may sleep, in ms, before one
// of jbs has a frame due. timeLeft < 0 means no limit of the caller's own.
// The result is -1 when nothing bounds the wait, and at least 1 otherwise
// so the loop never spins.
func WhenToWakeup(timeLeft int, jbs ...*JitterBuffer) int {
	if timeLeft < 0 {
		timeLeft = math.MaxInt32
	}

	wait := timeLeft
	for _, jb := range jbs {
		if jb == nil {
			continue
		}
		if w, ok := jb.untilNext(); ok && w < wait {
			wait = w
		}
	}

	if wait == math.MaxInt32 {
		return -1
	}
	if wait < 1 {
		return 1
	}
	return wait
}

// EmptyAndReset drops every buffered frame. The buffer stays created and
// keeps its timing.
func (jb *JitterBuffer) EmptyAndReset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.used && jb.created {
		jb.impl.EmptyAndReset()
	}
}

// Destroy releases the implementation and closes the frame log. The buffer
// may be used again after a new UseCheck.
func (jb *JitterBuffer) Destroy() {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if err := jb.frameLog.Close(); err != nil {
		jb.log.Warnf("close frame log: %v", err)
	}
	jb.frameLog = nil

	if jb.created {
		if err := jb.impl.Destroy(); err != nil {
			jb.log.Errorf("destroy %s jitterbuffer: %v", jb.implName, err)
		}
		jb.impl = nil
		jb.created = false
		jb.log.Infof("%s jitterbuffer destroyed", jb.implName)
	}
}

func (jb *JitterBuffer) Stats() Stats {
	return Stats{
		Queued:       jb.stats.queued.Load(),
		Dropped:      jb.stats.dropped.Load(),
		Invalid:      jb.stats.invalid.Load(),
		Delivered:    jb.stats.delivered.Load(),
		Late:         jb.stats.late.Load(),
		Interpolated: jb.stats.interpolated.Load(),
	}
}
