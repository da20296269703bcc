package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/sched"
	"github.com/cloudwebrtc/go-pbx-sched/pkg/utils"
)

// expiryTask is the scheduler data of one contact's expiry. A contact owns
// at most one; a task that no longer matches its contact is stale.
type expiryTask struct {
	aor    string
	source string
	id     int
}

var _ Registry = (*MemoryRegistry)(nil)

type binding struct {
	aor      sip.Uri
	contacts map[string]*ContactInstance
}

type Option func(mr *MemoryRegistry)

// WithExpiresUnit sets the duration of one RegExpires unit. Defaults to a second.
func WithExpiresUnit(unit time.Duration) Option {
	return func(mr *MemoryRegistry) {
		if unit > 0 {
			mr.unit = unit
		}
	}
}

// WithExpiredHandler is called, without the registry lock, for every contact
// removed because it expired.
func WithExpiredHandler(handler func(aor sip.Uri, instance *ContactInstance)) Option {
	return func(mr *MemoryRegistry) {
		mr.onExpired = handler
	}
}

// WithSchedOptions passes options to the expiry scheduler.
func WithSchedOptions(opts ...sched.Option) Option {
	return func(mr *MemoryRegistry) {
		mr.schedOpts = append(mr.schedOpts, opts...)
	}
}

// MemoryRegistry Address-of-Record registry using memory. Contacts with a
// non zero RegExpires are removed when they are not refreshed in time;
// RegExpires 0 registers a permanent contact.
type MemoryRegistry struct {
	mutex     sync.Mutex
	aors      map[string]*binding
	sched     *sched.Thread
	schedOpts []sched.Option
	unit      time.Duration
	onExpired func(aor sip.Uri, instance *ContactInstance)
	logger    log.Logger
}

func NewMemoryRegistry(logger log.Logger, opts ...Option) *MemoryRegistry {
	if logger == nil {
		logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Registry", nil)
	}
	mr := &MemoryRegistry{
		aors:   make(map[string]*binding),
		unit:   time.Second,
		logger: logger.WithPrefix("Registry"),
	}
	for _, opt := range opts {
		opt(mr)
	}
	mr.sched = sched.NewThread(append([]sched.Option{sched.WithLogger(logger)}, mr.schedOpts...)...)
	return mr
}

func aorKey(aor sip.Uri) string {
	if aor.User() == nil {
		return ""
	}
	return aor.User().String()
}

// Scheduler exposes the expiry scheduler for diagnostics.
func (mr *MemoryRegistry) Scheduler() *sched.Thread {
	return mr.sched
}

func (mr *MemoryRegistry) expiresMs(instance *ContactInstance) int {
	return int(time.Duration(instance.RegExpires) * mr.unit / time.Millisecond)
}

// setContact stores instance, replacing the contact with the same source
// and rescheduling its expiry. Called with the lock held.
func (mr *MemoryRegistry) setContact(b *binding, instance *ContactInstance) {
	id := -1
	if old, ok := b.contacts[instance.Source]; ok && old.expiry != nil {
		id = old.expiry.id
		old.expiry = nil
	}

	if instance.RegExpires == 0 {
		sched.DelRetry(mr.sched.Context(), &id)
		instance.expiry = nil
	} else {
		task := &expiryTask{aor: aorKey(b.aor), source: instance.Source}
		task.id = sched.ReplaceRetry(mr.sched.Context(), &id, mr.expiresMs(instance), mr.expire, task)
		instance.expiry = task
		mr.sched.Poke()
	}
	instance.LastUpdated = uint32(time.Now().Unix())
	b.contacts[instance.Source] = instance
}

func (mr *MemoryRegistry) cancelExpiry(instance *ContactInstance) {
	if instance.expiry == nil {
		return
	}
	sched.DelRetry(mr.sched.Context(), &instance.expiry.id)
	instance.expiry = nil
}

// expire runs on the scheduler goroutine.
func (mr *MemoryRegistry) expire(data interface{}) int {
	task := data.(*expiryTask)

	mr.mutex.Lock()
	b, ok := mr.aors[task.aor]
	if !ok {
		mr.mutex.Unlock()
		return 0
	}
	instance, ok := b.contacts[task.source]
	if !ok || instance.expiry != task {
		mr.mutex.Unlock()
		return 0
	}
	instance.expiry = nil
	delete(b.contacts, task.source)
	if len(b.contacts) == 0 {
		delete(mr.aors, task.aor)
	}
	aor := b.aor
	handler := mr.onExpired
	mr.mutex.Unlock()

	mr.logger.Infof("Contact %s of %v expired", task.source, aor)
	if handler != nil {
		handler(aor, instance)
	}
	return 0
}

func (mr *MemoryRegistry) AddAor(aor sip.Uri, instance *ContactInstance) error {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()

	key := aorKey(aor)
	b, ok := mr.aors[key]
	if !ok {
		b = &binding{aor: aor, contacts: make(map[string]*ContactInstance)}
		mr.aors[key] = b
	}
	mr.setContact(b, instance)
	return nil
}

func (mr *MemoryRegistry) RemoveAor(aor sip.Uri) error {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()

	key := aorKey(aor)
	b, ok := mr.aors[key]
	if !ok {
		return nil
	}
	for _, instance := range b.contacts {
		mr.cancelExpiry(instance)
	}
	delete(mr.aors, key)
	return nil
}

func (mr *MemoryRegistry) AorIsRegistered(aor sip.Uri) bool {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()
	_, ok := mr.aors[aorKey(aor)]
	return ok
}

func (mr *MemoryRegistry) UpdateContact(aor sip.Uri, instance *ContactInstance) error {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()

	b, ok := mr.aors[aorKey(aor)]
	if !ok {
		return fmt.Errorf("Not found instances for %v", aor)
	}
	mr.setContact(b, instance)
	return nil
}

func (mr *MemoryRegistry) RemoveContact(aor sip.Uri, instance *ContactInstance) error {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()

	key := aorKey(aor)
	b, ok := mr.aors[key]
	if !ok {
		return fmt.Errorf("Not found instances for %v", aor)
	}
	if current, ok := b.contacts[instance.Source]; ok {
		mr.cancelExpiry(current)
		delete(b.contacts, instance.Source)
	}
	if len(b.contacts) == 0 {
		delete(mr.aors, key)
	}
	return nil
}

// GetContacts returns a copy of the contacts of aor.
func (mr *MemoryRegistry) GetContacts(aor sip.Uri) (map[string]*ContactInstance, bool) {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()

	b, ok := mr.aors[aorKey(aor)]
	if !ok {
		return nil, false
	}
	contacts := make(map[string]*ContactInstance, len(b.contacts))
	for source, instance := range b.contacts {
		contacts[source] = instance
	}
	return contacts, true
}

func (mr *MemoryRegistry) GetAllContacts() map[sip.Uri]map[string]*ContactInstance {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()

	all := make(map[sip.Uri]map[string]*ContactInstance, len(mr.aors))
	for _, b := range mr.aors {
		contacts := make(map[string]*ContactInstance, len(b.contacts))
		for source, instance := range b.contacts {
			contacts[source] = instance
		}
		all[b.aor] = contacts
	}
	return all
}

// ExpiresIn returns the ms left before the contact of aor registered from
// source expires, or -1 when it does not expire or is unknown.
func (mr *MemoryRegistry) ExpiresIn(aor sip.Uri, source string) int {
	mr.mutex.Lock()
	defer mr.mutex.Unlock()

	b, ok := mr.aors[aorKey(aor)]
	if !ok {
		return -1
	}
	instance, ok := b.contacts[source]
	if !ok || instance.expiry == nil {
		return -1
	}
	return mr.sched.Context().When(instance.expiry.id)
}

// Close stops the expiry scheduler. Registered contacts stay, without expiry.
func (mr *MemoryRegistry) Close() {
	mr.sched.Destroy()
}
