package sip

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/util"
)

// TransactionKey identifies a transaction, see RFC 3261 sections 17.1.3 and 17.2.3.
//
// The key consists of the CSeq method, the topmost Via branch and the Via sent-by host and port.
// Method is upper-cased, branch and host are lower-cased on construction, so two keys are
// equal with == (and hash equally as map keys) iff they are equal by the case-insensitive
// matching rules. ACK is folded into INVITE, so ACK always finds the INVITE transaction it acknowledges.
//
// The zero value is an invalid key that never matches a registered transaction.
type TransactionKey struct {
	method string
	branch string
	host   string
	port   uint16
}

var zeroTxKey TransactionKey

// NewTransactionKey creates a normalized key from the given parts.
func NewTransactionKey(method RequestMethod, branch, host string, port uint16) TransactionKey {
	m := util.UCase(string(method))
	if m == string(RequestMethodAck) {
		m = string(RequestMethodInvite)
	}
	return TransactionKey{
		method: m,
		branch: util.LCase(branch),
		host:   util.LCase(host),
		port:   port,
	}
}

// ComputeTransactionKey computes the transaction key of a message.
//
// It fails with [ErrMalformedMessage] if the message has no CSeq header, no CSeq method or no Via header.
// A request without branch gets the branch synthesized by [LegacyBranch],
// a response without branch is malformed.
func ComputeTransactionKey(msg Message) (TransactionKey, error) {
	hdrs := GetMessageHeaders(msg)
	if hdrs == nil {
		return zeroTxKey, errtrace.Wrap(NewMalformedMessageError("missing headers"))
	}
	if hdrs.CSeq == nil {
		return zeroTxKey, errtrace.Wrap(NewMalformedMessageError("missing CSeq header"))
	}
	if hdrs.CSeq.Method == "" {
		return zeroTxKey, errtrace.Wrap(NewMalformedMessageError("missing CSeq method"))
	}
	via, ok := hdrs.FirstVia()
	if !ok {
		return zeroTxKey, errtrace.Wrap(NewMalformedMessageError("missing Via header"))
	}

	branch := via.Branch
	if branch == "" {
		req, ok := msg.(*Request)
		if !ok || !msg.IsRequest() {
			return zeroTxKey, errtrace.Wrap(NewMalformedMessageError("missing Via branch in response"))
		}
		branch = LegacyBranch(req)
	}

	return NewTransactionKey(hdrs.CSeq.Method, branch, via.Host, via.SentByPort()), nil
}

// Method returns the normalized method, INVITE for ACK.
func (k TransactionKey) Method() RequestMethod { return RequestMethod(k.method) }

// Branch returns the lower-cased branch.
func (k TransactionKey) Branch() string { return k.branch }

// Host returns the lower-cased sent-by host.
func (k TransactionKey) Host() string { return k.host }

// Port returns the sent-by port.
func (k TransactionKey) Port() uint16 { return k.port }

// WithMethod returns a copy of the key with the method replaced.
// It is used to find the INVITE transaction a CANCEL refers to.
func (k TransactionKey) WithMethod(method RequestMethod) TransactionKey {
	return NewTransactionKey(method, k.branch, k.host, k.port)
}

// Equal reports whether both keys identify the same transaction.
// It is the same as ==.
func (k TransactionKey) Equal(other TransactionKey) bool { return k == other }

// IsValid reports whether the key has all parts set.
func (k TransactionKey) IsValid() bool {
	return k.method != "" && k.branch != "" && k.host != "" && k.port != 0
}

// IsZero reports whether the key is the zero value.
func (k TransactionKey) IsZero() bool { return k == zeroTxKey }

// LogValue implements [slog.LogValuer].
func (k TransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("method", k.method),
		slog.String("branch", k.branch),
		slog.String("sent-by", k.host+":"+strconv.Itoa(int(k.port))),
	)
}

// MarshalBinary returns a canonical binary representation of the key.
func (k TransactionKey) MarshalBinary() ([]byte, error) {
	size := util.SizePrefixedString(k.method) +
		util.SizePrefixedString(k.branch) +
		util.SizePrefixedString(k.host) +
		util.SizeUVarInt(uint64(k.port))

	buf := make([]byte, 0, size)
	buf = util.AppendPrefixedString(buf, k.method)
	buf = util.AppendPrefixedString(buf, k.branch)
	buf = util.AppendPrefixedString(buf, k.host)
	buf = util.AppendUVarInt(buf, uint64(k.port))
	return buf, nil
}

// UnmarshalBinary populates the key from a representation produced by [TransactionKey.MarshalBinary].
// The parts are normalized again, so the result is always a canonical key.
func (k *TransactionKey) UnmarshalBinary(data []byte) error {
	var (
		method, branch, host string
		port                 uint64
		err                  error
	)
	rest := data
	if method, rest, err = util.ConsumePrefixedString(rest); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if branch, rest, err = util.ConsumePrefixedString(rest); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if host, rest, err = util.ConsumePrefixedString(rest); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if port, rest, err = util.ConsumeUVarInt(rest); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if port > 0xffff {
		return errtrace.Wrap(NewInvalidArgumentError("port %d out of range", port))
	}
	if len(rest) != 0 {
		return errtrace.Wrap(NewInvalidArgumentError("unexpected trailing data"))
	}

	*k = NewTransactionKey(RequestMethod(method), branch, host, uint16(port))
	return nil
}

// String returns the hex encoded binary form of the key.
func (k TransactionKey) String() string {
	data, _ := k.MarshalBinary()
	return hex.EncodeToString(data)
}

func (k TransactionKey) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		f.Write([]byte(k.String()))
	case 'q':
		f.Write([]byte(strconv.Quote(k.String())))
	default:
		if !f.Flag('+') && !f.Flag('#') {
			f.Write([]byte(k.String()))
			return
		}
		fmt.Fprintf(f, "%s %s %s:%d", k.method, k.branch, k.host, k.port)
	}
}
