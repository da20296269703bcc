package utils

import (
	"errors"
	"math/rand"
	"net"

	"github.com/ghettovoice/gosip/log"
)

var (
	ErrPort = errors.New("invalid port")
)

// ListenUDPInPortRange binds laddr to the first free port of [portMin, portMax],
// starting at a random offset. A fixed laddr.Port, or an empty range, binds directly.
func ListenUDPInPortRange(portMin, portMax int, laddr *net.UDPAddr, logger log.Logger) (*net.UDPConn, error) {
	if (laddr.Port != 0) || ((portMin == 0) && (portMax == 0)) {
		return net.ListenUDP("udp", laddr)
	}
	var i, j int
	i = portMin
	if i == 0 {
		i = 1
	}
	j = portMax
	if j == 0 {
		j = 0xFFFF
	}
	if i > j {
		return nil, ErrPort
	}
	portStart := rand.Intn(j-i+1) + i
	portCurrent := portStart
	for {
		*laddr = net.UDPAddr{IP: laddr.IP, Port: portCurrent}
		c, e := net.ListenUDP("udp", laddr)
		if e == nil {
			return c, e
		}
		portCurrent++
		if portCurrent > j {
			portCurrent = i
		}

		if logger != nil {
			logger.Debugf("failed to listen %s: %v, try next port %d", laddr.String(), e, portCurrent)
		}

		if portCurrent == portStart {
			break
		}
	}
	return nil, ErrPort
}
