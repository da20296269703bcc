package stack

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/transaction"
	"github.com/ghettovoice/gosip/transport"
	"github.com/ghettovoice/gosip/util"
	"go.uber.org/atomic"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/auth"
)

const (
	// DefaultUserAgent .
	DefaultUserAgent = "Go PBX/1.0.0"
)

// RequestHandler is a callback that will be called on the incoming request
// of the certain method
// tx argument can be nil for 2xx ACK request
type RequestHandler func(req sip.Request, tx sip.ServerTransaction)

// RequiresChallengeHandler will check if each request requires 401/407 authentication.
type RequiresChallengeHandler func(req sip.Request) bool

// ServerAuthManager .
type ServerAuthManager struct {
	Authenticator     *auth.ServerAuthorizer
	RequiresChallenge RequiresChallengeHandler
}

// SipStackConfig describes available options
type SipStackConfig struct {
	// Public IP address or domain name, if empty auto resolved IP will be used.
	Host string
	// Dns is an address of the public DNS server to use in SRV lookup.
	Dns               string
	UserAgent         string
	Extensions        []string
	MsgMapper         sip.MessageMapper
	ServerAuthManager ServerAuthManager
}

// SipStack is the server side of the PBX signalling: it answers requests
// through per-method handlers and never originates transactions.
type SipStack struct {
	listenPorts           map[string]*sip.Port
	tp                    transport.Layer
	tx                    transaction.Layer
	host                  string
	ip                    net.IP
	inShutdown            atomic.Bool
	hwg                   *sync.WaitGroup
	hmu                   *sync.RWMutex
	requestHandlers       map[sip.RequestMethod]RequestHandler
	handleConnectionError func(err *transport.ConnectionError)
	userAgent             string
	extensions            []string
	authenticator         *ServerAuthManager
	log                   log.Logger
}

// NewSipStack creates new instance of SipStack.
func NewSipStack(config *SipStackConfig, logger log.Logger) (*SipStack, error) {
	if config == nil {
		config = &SipStackConfig{}
	}

	logger = logger.WithPrefix("SipStack")

	var host string
	var ip net.IP
	if config.Host != "" {
		host = config.Host
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolve host IP failed: %w", err)
		}
		ip = addr.IP
	} else {
		v, err := util.ResolveSelfIP()
		if err != nil {
			return nil, fmt.Errorf("resolve host IP failed: %w", err)
		}
		ip = v
		host = v.String()
	}

	var dnsResolver *net.Resolver
	if config.Dns != "" {
		dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", config.Dns)
			},
		}
	} else {
		dnsResolver = net.DefaultResolver
	}

	s := newSipStack(config)
	s.host = host
	s.ip = ip
	s.log = logger.WithFields(log.Fields{
		"sip_server_ptr": fmt.Sprintf("%p", s),
	})

	s.tp = transport.NewLayer(ip, dnsResolver, config.MsgMapper, logger.WithPrefix("transport.Layer"))

	sipTp := &sipTransport{
		tpl: s.tp,
		s:   s,
	}
	s.tx = transaction.NewLayer(sipTp, logger.WithPrefix("transaction.Layer"))
	go s.serve()

	return s, nil
}

func newSipStack(config *SipStackConfig) *SipStack {
	s := &SipStack{
		listenPorts:     make(map[string]*sip.Port),
		hwg:             new(sync.WaitGroup),
		hmu:             new(sync.RWMutex),
		requestHandlers: make(map[sip.RequestMethod]RequestHandler),
		userAgent:       DefaultUserAgent,
		extensions:      config.Extensions,
	}
	if config.UserAgent != "" {
		s.userAgent = config.UserAgent
	}
	if config.ServerAuthManager.Authenticator != nil {
		s.authenticator = &config.ServerAuthManager
	}
	return s
}

// Log .
func (s *SipStack) Log() log.Logger {
	return s.log
}

// ListenTLS starts serving listeners on the provided address
func (s *SipStack) ListenTLS(protocol string, listenAddr string, options *transport.TLSConfig) error {
	var err error
	network := strings.ToUpper(protocol)
	if options != nil {
		err = s.tp.Listen(network, listenAddr, options)
	} else {
		err = s.tp.Listen(network, listenAddr)
	}
	if err == nil {
		target, err := transport.NewTargetFromAddr(listenAddr)
		if err != nil {
			return err
		}
		target = transport.FillTargetHostAndPort(network, target)
		if _, ok := s.listenPorts[network]; !ok {
			s.listenPorts[network] = target.Port
		}
	}
	return err
}

func (s *SipStack) Listen(protocol string, listenAddr string) error {
	return s.ListenTLS(protocol, listenAddr, nil)
}

func (s *SipStack) serve() {
	defer s.Shutdown()

	for {
		select {
		case tx, ok := <-s.tx.Requests():
			if !ok {
				return
			}
			s.hwg.Add(1)
			go s.handleRequest(tx.Origin(), tx)
		case ack, ok := <-s.tx.Acks():
			if !ok {
				return
			}
			s.hwg.Add(1)
			go s.handleRequest(ack, nil)
		case response, ok := <-s.tx.Responses():
			if !ok {
				return
			}
			s.Log().WithFields(map[string]interface{}{
				"sip_response": response.Short(),
			}).Warn("received not matched response")
		case err, ok := <-s.tx.Errors():
			if !ok {
				return
			}
			s.Log().Errorf("received SIP transaction error: %s", err)
		case err, ok := <-s.tp.Errors():
			if !ok {
				return
			}

			s.Log().Errorf("received SIP transport error: %s", err)

			if connError, ok := err.(*transport.ConnectionError); ok {
				s.hmu.RLock()
				handler := s.handleConnectionError
				s.hmu.RUnlock()
				if handler != nil {
					handler(connError)
				}
			}
		}
	}
}

func (s *SipStack) handleRequest(req sip.Request, tx sip.ServerTransaction) {
	defer s.hwg.Done()

	logger := s.Log().WithFields(req.Fields())
	logger.Debugf("routing incoming SIP request...")

	s.hmu.RLock()
	handler, ok := s.requestHandlers[req.Method()]
	s.hmu.RUnlock()

	if !ok {
		logger.Warnf("SIP request %v handler not found", req.Method())

		res := sip.NewResponseFromRequest("", req, 405, "Method Not Allowed", "")
		if _, err := s.Respond(res); err != nil {
			logger.Errorf("respond '405 Method Not Allowed' failed: %s", err)
		}

		return
	}

	if s.authenticator != nil && tx != nil {
		authenticator := s.authenticator.Authenticator
		requiresChallenge := s.authenticator.RequiresChallenge
		if requiresChallenge != nil && requiresChallenge(req) {
			if _, ok := authenticator.Authenticate(req, tx); ok {
				handler(req, tx)
			}
			return
		}
	}

	handler(req, tx)
}

// Respond .
func (s *SipStack) Respond(res sip.Response) (sip.ServerTransaction, error) {
	if s.shuttingDown() {
		return nil, fmt.Errorf("can not send through stopped server")
	}

	return s.tx.Respond(s.prepareResponse(res))
}

// RespondOnRequest .
func (s *SipStack) RespondOnRequest(
	request sip.Request,
	status sip.StatusCode,
	reason, body string,
	headers []sip.Header,
) (sip.ServerTransaction, error) {
	response := sip.NewResponseFromRequest("", request, status, reason, body)
	for _, header := range headers {
		response.AppendHeader(header)
	}

	tx, err := s.Respond(response)
	if err != nil {
		return nil, fmt.Errorf("respond '%d %s' failed: %w", response.StatusCode(), response.Reason(), err)
	}

	return tx, nil
}

// Send .
func (s *SipStack) Send(msg sip.Message) error {
	if s.shuttingDown() {
		return fmt.Errorf("can not send through stopped server")
	}

	if res, ok := msg.(sip.Response); ok {
		msg = s.prepareResponse(res)
	}

	return s.tp.Send(msg)
}

func (s *SipStack) prepareResponse(res sip.Response) sip.Response {
	s.appendAutoHeaders(res)
	return res
}

func (s *SipStack) shuttingDown() bool {
	return s.inShutdown.Load()
}

// Shutdown gracefully shutdowns SIP server
func (s *SipStack) Shutdown() {
	if !s.inShutdown.CompareAndSwap(false, true) {
		return
	}

	// stop transaction layer
	s.tx.Cancel()
	<-s.tx.Done()
	// stop transport layer
	s.tp.Cancel()
	<-s.tp.Done()
	// wait for handlers
	s.hwg.Wait()
}

// OnRequest registers new request callback
func (s *SipStack) OnRequest(method sip.RequestMethod, handler RequestHandler) error {
	s.hmu.Lock()
	s.requestHandlers[method] = handler
	s.hmu.Unlock()

	return nil
}

func (s *SipStack) OnConnectionError(handler func(err *transport.ConnectionError)) {
	s.hmu.Lock()
	s.handleConnectionError = handler
	s.hmu.Unlock()
}

func (s *SipStack) appendAutoHeaders(msg sip.Message) {
	autoAppendMethods := map[sip.RequestMethod]bool{
		sip.REGISTER: true,
		sip.OPTIONS:  true,
	}

	var msgMethod sip.RequestMethod
	if res, ok := msg.(sip.Response); ok {
		if cseq, ok := res.CSeq(); ok && !res.IsProvisional() {
			msgMethod = cseq.MethodName
		}
	}
	if len(msgMethod) > 0 {
		if _, ok := autoAppendMethods[msgMethod]; ok {
			hdrs := msg.GetHeaders("Allow")
			if len(hdrs) == 0 {
				allow := make(sip.AllowHeader, 0)
				allow = append(allow, s.getAllowedMethods()...)
				msg.AppendHeader(allow)
			}

			hdrs = msg.GetHeaders("Supported")
			if len(hdrs) == 0 {
				msg.AppendHeader(&sip.SupportedHeader{
					Options: s.extensions,
				})
			}
		}
	}

	if hdrs := msg.GetHeaders("User-Agent"); len(hdrs) == 0 {
		userAgent := sip.UserAgentHeader(s.userAgent)
		msg.AppendHeader(&userAgent)
	}

	if s.tp != nil && s.tp.IsStreamed(msg.Transport()) {
		if hdrs := msg.GetHeaders("Content-Length"); len(hdrs) == 0 {
			msg.SetBody(msg.Body(), true)
		}
	}
}

// getAllowedMethods lists the methods with a handler, in a stable order.
func (s *SipStack) getAllowedMethods() []sip.RequestMethod {
	known := []sip.RequestMethod{
		sip.REGISTER,
		sip.OPTIONS,
		sip.INVITE,
		sip.ACK,
		sip.BYE,
		sip.CANCEL,
		sip.INFO,
	}

	s.hmu.RLock()
	defer s.hmu.RUnlock()

	methods := make([]sip.RequestMethod, 0, len(s.requestHandlers))
	for _, method := range known {
		if _, ok := s.requestHandlers[method]; ok {
			methods = append(methods, method)
		}
	}
	for method := range s.requestHandlers {
		found := false
		for _, m := range known {
			if m == method {
				found = true
				break
			}
		}
		if !found {
			methods = append(methods, method)
		}
	}
	return methods
}

type sipTransport struct {
	tpl transport.Layer
	s   *SipStack
}

func (tp *sipTransport) Messages() <-chan sip.Message {
	return tp.tpl.Messages()
}

func (tp *sipTransport) Send(msg sip.Message) error {
	return tp.s.Send(msg)
}

func (tp *sipTransport) IsReliable(network string) bool {
	return tp.tpl.IsReliable(network)
}

func (tp *sipTransport) IsStreamed(network string) bool {
	return tp.tpl.IsStreamed(network)
}
