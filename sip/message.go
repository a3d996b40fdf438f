package sip

import (
	"log/slog"
	"strconv"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/errorutil"
	"github.com/ghettovoice/siptx/internal/util"
)

const (
	RequestMethodAck       RequestMethod = "ACK"
	RequestMethodBye       RequestMethod = "BYE"
	RequestMethodCancel    RequestMethod = "CANCEL"
	RequestMethodInfo      RequestMethod = "INFO"
	RequestMethodInvite    RequestMethod = "INVITE"
	RequestMethodMessage   RequestMethod = "MESSAGE"
	RequestMethodNotify    RequestMethod = "NOTIFY"
	RequestMethodOptions   RequestMethod = "OPTIONS"
	RequestMethodPrack     RequestMethod = "PRACK"
	RequestMethodPublish   RequestMethod = "PUBLISH"
	RequestMethodRefer     RequestMethod = "REFER"
	RequestMethodRegister  RequestMethod = "REGISTER"
	RequestMethodSubscribe RequestMethod = "SUBSCRIBE"
	RequestMethodUpdate    RequestMethod = "UPDATE"
)

// RequestMethod is a SIP request method.
// Methods are compared case-insensitively, use [RequestMethod.Equal] instead of ==.
type RequestMethod string

func (m RequestMethod) ToUpper() RequestMethod { return util.UCase(m) }

func (m RequestMethod) Equal(other RequestMethod) bool { return util.EqFold(m, other) }

// Via is the topmost hop of a Via header.
type Via struct {
	Transport TransportProto
	Host      string
	// Port is the sent-by port, zero if it is not present in the header.
	Port   uint16
	Branch string
}

// SentByPort returns the sent-by port or the transport default port if the port is absent.
func (v *Via) SentByPort() uint16 {
	if v.Port != 0 {
		return v.Port
	}
	return v.Transport.DefaultPort()
}

func (v *Via) Clone() *Via {
	if v == nil {
		return nil
	}
	v2 := *v
	return &v2
}

// CSeq is the CSeq header.
type CSeq struct {
	SeqNum uint32
	Method RequestMethod
}

// NameAddr is a From or To header reduced to what transaction matching needs.
type NameAddr struct {
	URI string
	// Tag is the tag parameter, empty if absent.
	Tag string
}

// CallID is the Call-ID header value.
type CallID string

// Headers holds the headers used by the transaction layer.
// Via holds all hops in order, the first one is the topmost.
type Headers struct {
	Via    []*Via
	From   *NameAddr
	To     *NameAddr
	CallID CallID
	CSeq   *CSeq
}

// FirstVia returns the topmost Via hop.
func (h *Headers) FirstVia() (*Via, bool) {
	if h == nil || len(h.Via) == 0 || h.Via[0] == nil {
		return nil, false
	}
	return h.Via[0], true
}

// FromTag returns the From tag or empty string if the From header or its tag is absent.
func (h *Headers) FromTag() string {
	if h == nil || h.From == nil {
		return ""
	}
	return h.From.Tag
}

// ToTag returns the To tag or empty string if the To header or its tag is absent.
func (h *Headers) ToTag() string {
	if h == nil || h.To == nil {
		return ""
	}
	return h.To.Tag
}

func (h *Headers) validate() error {
	if h == nil {
		return errtrace.Wrap(NewMalformedMessageError("missing headers"))
	}

	var errs []error
	if _, ok := h.FirstVia(); !ok {
		errs = append(errs, NewMalformedMessageError("missing Via header"))
	}
	switch {
	case h.CSeq == nil:
		errs = append(errs, NewMalformedMessageError("missing CSeq header"))
	case h.CSeq.Method == "":
		errs = append(errs, NewMalformedMessageError("missing CSeq method"))
	}
	if h.CallID == "" {
		errs = append(errs, NewMalformedMessageError("missing Call-ID header"))
	}
	if h.From == nil {
		errs = append(errs, NewMalformedMessageError("missing From header"))
	}
	if h.To == nil {
		errs = append(errs, NewMalformedMessageError("missing To header"))
	}
	return errtrace.Wrap(errorutil.JoinPrefix("invalid headers:", errs...))
}

func (h *Headers) clone() Headers {
	if h == nil {
		return Headers{}
	}
	h2 := *h
	h2.Via = make([]*Via, len(h.Via))
	for i, v := range h.Via {
		h2.Via[i] = v.Clone()
	}
	if h.From != nil {
		from := *h.From
		h2.From = &from
	}
	if h.To != nil {
		to := *h.To
		h2.To = &to
	}
	if h.CSeq != nil {
		cseq := *h.CSeq
		h2.CSeq = &cseq
	}
	return h2
}

// Message is a parsed SIP message as seen by the transaction layer.
type Message interface {
	// MessageHeaders returns the message headers.
	MessageHeaders() *Headers
	// IsRequest reports whether the message is a request.
	IsRequest() bool
}

// GetMessageHeaders returns headers of msg or nil if msg is nil.
func GetMessageHeaders(msg Message) *Headers {
	if msg == nil {
		return nil
	}
	return msg.MessageHeaders()
}

// Request is a parsed SIP request.
//
// Request must not be copied after first use.
type Request struct {
	Method  RequestMethod
	URI     string
	Headers Headers

	originTxID atomic.Uint64
}

func (*Request) IsRequest() bool { return true }

func (r *Request) MessageHeaders() *Headers {
	if r == nil {
		return nil
	}
	return &r.Headers
}

// Validate checks that the request carries all headers the transaction layer relies on.
// It returns an error wrapping [ErrMalformedMessage] otherwise.
func (r *Request) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewMalformedMessageError("nil request"))
	}
	if r.Method == "" {
		return errtrace.Wrap(NewMalformedMessageError("missing request method"))
	}
	return errtrace.Wrap(r.Headers.validate())
}

// OriginTransactionID returns the id of the transaction this request relates to,
// set by CANCEL correlation. The second value is false if no id was set.
func (r *Request) OriginTransactionID() (uint64, bool) {
	if r == nil {
		return 0, false
	}
	id := r.originTxID.Load()
	return id, id != 0
}

// SetOriginTransactionID records the id of the transaction this request relates to.
func (r *Request) SetOriginTransactionID(id uint64) {
	r.originTxID.Store(id)
}

// Clone returns a deep copy of the request without the origin transaction id.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	return &Request{
		Method:  r.Method,
		URI:     r.URI,
		Headers: r.Headers.clone(),
	}
}

// NewResponse creates a response to the request as described in RFC 3261 section 8.2.6.2.
// Via, From, To, Call-ID and CSeq are copied, toTag is set on the To header if it has no tag yet.
func (r *Request) NewResponse(status uint16, reason, toTag string) *Response {
	res := &Response{
		Status:  status,
		Reason:  reason,
		Headers: r.Headers.clone(),
	}
	if res.Headers.To != nil && res.Headers.To.Tag == "" {
		res.Headers.To.Tag = toTag
	}
	return res
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("method", string(r.Method)),
		slog.String("uri", r.URI),
		slog.String("call_id", string(r.Headers.CallID)),
	}
	if r.Headers.CSeq != nil {
		attrs = append(attrs, slog.String("cseq", cseqString(r.Headers.CSeq)))
	}
	if via, ok := r.Headers.FirstVia(); ok {
		attrs = append(attrs, slog.String("branch", via.Branch))
	}
	return slog.GroupValue(attrs...)
}

// Response is a parsed SIP response.
type Response struct {
	Status  uint16
	Reason  string
	Headers Headers
}

func (*Response) IsRequest() bool { return false }

func (r *Response) MessageHeaders() *Headers {
	if r == nil {
		return nil
	}
	return &r.Headers
}

// Validate checks that the response carries all headers the transaction layer relies on.
func (r *Response) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewMalformedMessageError("nil response"))
	}
	if r.Status < 100 || r.Status > 699 {
		return errtrace.Wrap(NewMalformedMessageError("invalid status code %d", r.Status))
	}
	return errtrace.Wrap(r.Headers.validate())
}

func (r *Response) IsProvisional() bool { return r.Status < 200 }

func (r *Response) IsSuccessful() bool { return r.Status >= 200 && r.Status < 300 }

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.Int("status", int(r.Status)),
		slog.String("reason", r.Reason),
		slog.String("call_id", string(r.Headers.CallID)),
	}
	if r.Headers.CSeq != nil {
		attrs = append(attrs, slog.String("cseq", cseqString(r.Headers.CSeq)))
	}
	return slog.GroupValue(attrs...)
}

func cseqString(cseq *CSeq) string {
	return strconv.FormatUint(uint64(cseq.SeqNum), 10) + " " + string(cseq.Method)
}
