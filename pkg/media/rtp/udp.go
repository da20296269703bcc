package rtp

import (
	"net"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/tevino/abool"

	"github.com/cloudwebrtc/go-pbx-sched/pkg/utils"
)

const (
	DefaultPortMin = 30000
	DefaultPortMax = 65530

	maxPacketSize = 1500
)

// UDPStream receives RTP, and RTCP multiplexed on the same port, from one UDP socket.
type UDPStream struct {
	conn     *net.UDPConn
	stop     *abool.AtomicBool
	onPacket func(pkt *rtp.Packet, raddr net.Addr)
	onRTCP   func(pkts []rtcp.Packet, raddr net.Addr)
	laddr    *net.UDPAddr
	mu       sync.Mutex
	raddr    *net.UDPAddr
	logger   log.Logger
}

func NewUDPStream(bind string, portMin, portMax int, callback func(pkt *rtp.Packet, raddr net.Addr), logger log.Logger) (*UDPStream, error) {
	if logger == nil {
		logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Media", nil)
	} else {
		logger = logger.WithPrefix("Media")
	}

	lAddr := &net.UDPAddr{IP: net.ParseIP(bind), Port: 0}
	conn, err := utils.ListenUDPInPortRange(portMin, portMax, lAddr, logger)
	if err != nil {
		logger.Errorf("ListenUDP: err => %v", err)
		return nil, err
	}

	return &UDPStream{
		conn:     conn,
		stop:     abool.New(),
		onPacket: callback,
		laddr:    lAddr,
		logger:   logger,
	}, nil
}

// OnRTCP sets the handler for RTCP compound packets. Without one RTCP is discarded.
func (r *UDPStream) OnRTCP(handler func(pkts []rtcp.Packet, raddr net.Addr)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRTCP = handler
}

func (r *UDPStream) Log() log.Logger {
	return r.logger
}

func (r *UDPStream) RemoteAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raddr
}

func (r *UDPStream) LocalAddr() *net.UDPAddr {
	return r.laddr
}

func (r *UDPStream) Close() {
	if r.stop.SetToIf(false, true) {
		r.conn.Close()
	}
}

func (r *UDPStream) Send(pkt []byte, raddr *net.UDPAddr) (int, error) {
	r.Log().Tracef("Send to %v, length %d", raddr.String(), len(pkt))
	r.mu.Lock()
	r.raddr = raddr
	r.mu.Unlock()
	return r.conn.WriteToUDP(pkt, raddr)
}

// WriteRTP marshals and sends one packet.
func (r *UDPStream) WriteRTP(pkt *rtp.Packet, raddr *net.UDPAddr) (int, error) {
	buf, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}
	return r.Send(buf, raddr)
}

// isRTCP tells RTCP from RTP on a multiplexed port by the packet type range 192-223.
func isRTCP(buf []byte) bool {
	return len(buf) >= 2 && buf[1] >= 192 && buf[1] <= 223
}

// Read runs the receive loop until Close. Datagrams that do not parse are dropped.
func (r *UDPStream) Read() {
	r.Log().Infof("Read on %v", r.laddr)

	buf := make([]byte, maxPacketSize)
	for {
		if r.stop.IsSet() {
			r.Log().Infof("Terminate: stop rtp conn now!")
			return
		}
		n, raddr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if !r.stop.IsSet() {
				r.Log().Warnf("RTP Conn [%v] refused, err: %v, stop now!", raddr, err)
			}
			return
		}

		r.Log().Tracef("Read rtp from: %v, length: %d", raddr.String(), n)

		if r.stop.IsSet() {
			return
		}

		// the parsed packet keeps references into the slice
		data := make([]byte, n)
		copy(data, buf[:n])

		if isRTCP(data) {
			r.mu.Lock()
			handler := r.onRTCP
			r.mu.Unlock()
			if handler == nil {
				continue
			}
			pkts, err := rtcp.Unmarshal(data)
			if err != nil {
				r.Log().Debugf("drop rtcp from %v: %v", raddr, err)
				continue
			}
			handler(pkts, raddr)
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(data); err != nil {
			r.Log().Debugf("drop datagram from %v: %v", raddr, err)
			continue
		}
		r.onPacket(pkt, raddr)
	}
}
