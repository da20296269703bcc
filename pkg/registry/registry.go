package registry

import "github.com/ghettovoice/gosip/sip"

type ContactInstance struct {
	Contact     *sip.ContactHeader
	RegExpires  uint32
	LastUpdated uint32
	Source      string
	UserAgent   string
	Transport   string

	expiry *expiryTask
}

func NewContactInstanceForRequest(request sip.Request) *ContactInstance {
	headers := request.GetHeaders("Expires")
	var expires sip.Expires = 0
	if len(headers) > 0 {
		expires = *headers[0].(*sip.Expires)
	}
	instance := &ContactInstance{
		Source:     request.Source(),
		RegExpires: uint32(expires),
		Transport:  request.Transport(),
	}
	if contacts, ok := request.Contact(); ok {
		instance.Contact = contacts.Clone().(*sip.ContactHeader)
	}
	if hdrs := request.GetHeaders("User-Agent"); len(hdrs) > 0 {
		instance.UserAgent = hdrs[0].Value()
	}
	return instance
}

// Registry Address-of-Record registry
type Registry interface {
	AddAor(aor sip.Uri, instance *ContactInstance) error
	RemoveAor(aor sip.Uri) error
	AorIsRegistered(aor sip.Uri) bool
	UpdateContact(aor sip.Uri, instance *ContactInstance) error
	RemoveContact(aor sip.Uri, instance *ContactInstance) error
	GetContacts(aor sip.Uri) (map[string]*ContactInstance, bool)
	GetAllContacts() map[sip.Uri]map[string]*ContactInstance
	Close()
}
