package jb

import (
	"strings"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/jitterbuffer"
	"github.com/cloudwebrtc/go-pbx-sched/pkg/media"
)

// Impl is a jitter buffer algorithm. Results use the fixed buffer's status
// codes. Times are ms since the channel timebase.
type Impl interface {
	Name() string
	PutFirst(f *media.Frame, now int64) jitterbuffer.Status
	Put(f *media.Frame, now int64) jitterbuffer.Status
	Get(now, interpl int64) (*media.Frame, jitterbuffer.Status)
	Next() int64
	Remove() (*media.Frame, jitterbuffer.Status)
	ForceResync()
	EmptyAndReset()
	Destroy() error
}

// ImplFactory creates an implementation from the channel configuration.
type ImplFactory func(conf Config) Impl

var impls = []struct {
	name    string
	factory ImplFactory
}{
	{name: "fixed", factory: newFixedImpl},
}

// lookupImpl returns the factory registered under name, or the default one
// and false.
func lookupImpl(name string) (string, ImplFactory, bool) {
	for _, impl := range impls {
		if strings.EqualFold(impl.name, name) {
			return impl.name, impl.factory, true
		}
	}
	return impls[0].name, impls[0].factory, name == ""
}

type fixedImpl struct {
	jb *jitterbuffer.FixedJitterBuffer
}

func newFixedImpl(conf Config) Impl {
	return &fixedImpl{
		jb: jitterbuffer.NewFixedJitterBuffer(jitterbuffer.Config{
			Size:            conf.MaxSize,
			ResyncThreshold: conf.ResyncThreshold,
		}),
	}
}

func (f *fixedImpl) Name() string {
	return "fixed"
}

func (f *fixedImpl) PutFirst(fr *media.Frame, now int64) jitterbuffer.Status {
	return f.jb.PutFirst(fr, fr.Len, fr.TS, now)
}

func (f *fixedImpl) Put(fr *media.Frame, now int64) jitterbuffer.Status {
	return f.jb.Put(fr, fr.Len, fr.TS, now)
}

func frameOf(fr jitterbuffer.Frame) *media.Frame {
	if fr.Data == nil {
		return nil
	}
	return fr.Data.(*media.Frame)
}

func (f *fixedImpl) Get(now, interpl int64) (*media.Frame, jitterbuffer.Status) {
	fr, st := f.jb.Get(now, interpl)
	return frameOf(fr), st
}

func (f *fixedImpl) Next() int64 {
	return f.jb.Next()
}

func (f *fixedImpl) Remove() (*media.Frame, jitterbuffer.Status) {
	fr, st := f.jb.Remove()
	return frameOf(fr), st
}

func (f *fixedImpl) ForceResync() {
	f.jb.SetForceResynch()
}

func (f *fixedImpl) EmptyAndReset() {
	for {
		if _, st := f.jb.Remove(); st != jitterbuffer.StatusOK {
			return
		}
	}
}

func (f *fixedImpl) Destroy() error {
	f.EmptyAndReset()
	return f.jb.Destroy()
}
