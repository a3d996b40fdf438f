package sip

import (
	"net"

	"github.com/ghettovoice/siptx/internal/util"
)

// TransportProto is a transport protocol name as it appears in the Via header.
type TransportProto string

const (
	TransportProtoUDP  TransportProto = "UDP"
	TransportProtoTCP  TransportProto = "TCP"
	TransportProtoTLS  TransportProto = "TLS"
	TransportProtoSCTP TransportProto = "SCTP"
	TransportProtoWS   TransportProto = "WS"
	TransportProtoWSS  TransportProto = "WSS"
)

// Default SIP ports.
const (
	DefaultPort    uint16 = 5060
	DefaultTLSPort uint16 = 5061
)

func (p TransportProto) Equal(other TransportProto) bool { return util.EqFold(p, other) }

// IsReliable reports whether the protocol is reliable, i.e. it takes care of retransmissions.
func (p TransportProto) IsReliable() bool {
	switch util.UCase(p) {
	case TransportProtoUDP, "":
		return false
	default:
		return true
	}
}

// IsSecured reports whether the protocol is secured by TLS.
func (p TransportProto) IsSecured() bool {
	switch util.UCase(p) {
	case TransportProtoTLS, TransportProtoWSS:
		return true
	default:
		return false
	}
}

// DefaultPort returns the default port for the protocol.
func (p TransportProto) DefaultPort() uint16 {
	if p.IsSecured() {
		return DefaultTLSPort
	}
	return DefaultPort
}

// Connection is an opaque handle of the network connection that delivered or sent a message.
// The transaction layer stores it for identity only and never calls its methods.
// Any [net.Conn] satisfies it.
type Connection interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
