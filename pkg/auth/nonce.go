package auth

import (
	"sync"
	"time"

	"github.com/ghettovoice/gosip/log"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/sched"
)

const (
	NonceExpire = 180 * time.Second
)

// AuthSession is the nonce handed out to one dialog.
type AuthSession struct {
	nonce   string
	created time.Time
	expiry  int
}

func (s *AuthSession) Nonce() string {
	return s.nonce
}

// nonceStore keeps one nonce per Call-ID and forgets it NonceExpire after
// it was issued, through a scheduler task per nonce.
type nonceStore struct {
	mx       sync.Mutex
	sessions map[string]*AuthSession
	sched    *sched.Thread
	expire   time.Duration
	log      log.Logger
}

type nonceTask struct {
	callID  string
	session *AuthSession
}

func newNonceStore(expire time.Duration, logger log.Logger) *nonceStore {
	if expire <= 0 {
		expire = NonceExpire
	}
	return &nonceStore{
		sessions: make(map[string]*AuthSession),
		sched:    sched.NewThread(sched.WithLogger(logger)),
		expire:   expire,
		log:      logger,
	}
}

// issue creates a nonce for callID, replacing any previous one.
func (ns *nonceStore) issue(callID string) *AuthSession {
	ns.mx.Lock()
	defer ns.mx.Unlock()

	id := -1
	if old, ok := ns.sessions[callID]; ok {
		id = old.expiry
	}

	session := &AuthSession{
		nonce:   generateNonce(8),
		created: time.Now(),
	}
	session.expiry = sched.ReplaceRetry(ns.sched.Context(), &id, int(ns.expire/time.Millisecond), ns.onExpire,
		&nonceTask{callID: callID, session: session})
	ns.sched.Poke()
	ns.sessions[callID] = session
	return session
}

// lookup returns the live nonce of callID.
func (ns *nonceStore) lookup(callID string) (*AuthSession, bool) {
	ns.mx.Lock()
	defer ns.mx.Unlock()

	session, ok := ns.sessions[callID]
	if !ok || time.Since(session.created) > ns.expire {
		return nil, false
	}
	return session, true
}

// forget drops the nonce of callID once it has been used.
func (ns *nonceStore) forget(callID string) {
	ns.mx.Lock()
	defer ns.mx.Unlock()

	if session, ok := ns.sessions[callID]; ok {
		sched.DelRetry(ns.sched.Context(), &session.expiry)
		delete(ns.sessions, callID)
	}
}

func (ns *nonceStore) onExpire(data interface{}) int {
	task := data.(*nonceTask)

	ns.mx.Lock()
	defer ns.mx.Unlock()

	if ns.sessions[task.callID] == task.session {
		delete(ns.sessions, task.callID)
		ns.log.Debugf("nonce for %s expired", task.callID)
	}
	return 0
}

func (ns *nonceStore) len() int {
	ns.mx.Lock()
	defer ns.mx.Unlock()
	return len(ns.sessions)
}

func (ns *nonceStore) close() {
	ns.sched.Destroy()
}
