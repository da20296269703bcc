package registrar

import (
	"fmt"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/registry"
)

// DefaultExpires applies when a REGISTER carries neither an Expires header
// nor a contact expires parameter.
const DefaultExpires = 3600

// Registrar answers REGISTER and OPTIONS on top of a registry.Registry.
type Registrar struct {
	registry registry.Registry
	mx       sync.RWMutex
	accounts map[string]string
	log      log.Logger
}

func New(reg registry.Registry, logger log.Logger) *Registrar {
	return &Registrar{
		registry: reg,
		accounts: make(map[string]string),
		log:      logger.WithPrefix("Registrar"),
	}
}

func (r *Registrar) AddAccount(username string, password string) {
	r.mx.Lock()
	r.accounts[username] = password
	r.mx.Unlock()
}

func (r *Registrar) GetAccounts() map[string]string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	accounts := make(map[string]string, len(r.accounts))
	for k, v := range r.accounts {
		accounts[k] = v
	}
	return accounts
}

// RequestCredential is the auth.RequestCredentialCallback of the registrar.
func (r *Registrar) RequestCredential(username string) (string, string, error) {
	r.mx.RLock()
	password, found := r.accounts[username]
	r.mx.RUnlock()
	if found {
		r.log.Debugf("Found user %s", username)
		return password, "", nil
	}
	return "", "", fmt.Errorf("username [%s] not found", username)
}

func (r *Registrar) RequiresChallenge(req sip.Request) bool {
	switch req.Method() {
	case sip.REGISTER:
		return true
	case sip.INVITE:
		return true
	}
	return false
}

// requestExpires returns the requested binding lifetime in seconds.
func requestExpires(request sip.Request) uint32 {
	if headers := request.GetHeaders("Expires"); len(headers) > 0 {
		if expires, ok := headers[0].(*sip.Expires); ok {
			return uint32(*expires)
		}
	}
	if contact, ok := request.Contact(); ok && contact.Params != nil {
		if v, ok := contact.Params.Get("expires"); ok && v != nil {
			var expires uint32
			if _, err := fmt.Sscanf(v.String(), "%d", &expires); err == nil {
				return expires
			}
		}
	}
	return DefaultExpires
}

// HandleRegister binds or unbinds the request contact to the To address.
func (r *Registrar) HandleRegister(request sip.Request, tx sip.ServerTransaction) {
	to, ok := request.To()
	if !ok {
		tx.Respond(sip.NewResponseFromRequest(request.MessageID(), request, 400, "Missing To header", ""))
		return
	}
	aor := to.Address.Clone()
	expires := requestExpires(request)

	instance := registry.NewContactInstanceForRequest(request)
	instance.RegExpires = expires

	reason := ""
	if expires != 0 {
		r.log.Infof("Registered [%v] expires [%d] source %s", to, expires, request.Source())
		reason = "Registered"
		if err := r.registry.AddAor(aor, instance); err != nil {
			r.log.Errorf("register %v: %v", aor, err)
			tx.Respond(sip.NewResponseFromRequest(request.MessageID(), request, 500, "Server Internal Error", ""))
			return
		}
	} else {
		r.log.Infof("Logged out [%v] expires [%d] ", to, expires)
		reason = "UnRegistered"
		if err := r.registry.RemoveContact(aor, instance); err != nil {
			r.log.Debugf("unregister %v: %v", aor, err)
		}
	}

	resp := sip.NewResponseFromRequest(request.MessageID(), request, 200, reason, "")
	exp := sip.Expires(expires)
	resp.AppendHeader(&exp)
	if contact, ok := request.Contact(); ok {
		reply := contact.Clone().(*sip.ContactHeader)
		if reply.Params == nil {
			reply.Params = sip.NewParams()
		}
		reply.Params.Add("expires", sip.String{Str: fmt.Sprintf("%d", expires)})
		resp.AppendHeader(reply)
	}
	tx.Respond(resp)
}

// HandleOptions answers keepalive probes.
func (r *Registrar) HandleOptions(request sip.Request, tx sip.ServerTransaction) {
	tx.Respond(sip.NewResponseFromRequest(request.MessageID(), request, 200, "OK", ""))
}
