package sip

import (
	"fmt"
	"log/slog"
	"strconv"

	"braces.dev/errtrace"
)

// MergedRequestKey identifies copies of one request that reached the UAS over different forked
// paths, see RFC 3261 section 8.2.2.2.
//
// All fields are compared exactly, the struct is comparable and can be used as a map key.
type MergedRequestKey struct {
	// FromTag is the From tag, empty string if the request carries no tag.
	FromTag    string
	CallID     CallID
	CSeqNum    uint32
	CSeqMethod RequestMethod
}

// ComputeMergedRequestKey computes the merged request key of a request.
//
// Call-ID and CSeq are required, a missing From tag is not an error.
func ComputeMergedRequestKey(req *Request) (MergedRequestKey, error) {
	hdrs := GetMessageHeaders(req)
	if hdrs == nil {
		return MergedRequestKey{}, errtrace.Wrap(NewMalformedMessageError("missing headers"))
	}
	if hdrs.CallID == "" {
		return MergedRequestKey{}, errtrace.Wrap(NewMalformedMessageError("missing Call-ID header"))
	}
	if hdrs.CSeq == nil {
		return MergedRequestKey{}, errtrace.Wrap(NewMalformedMessageError("missing CSeq header"))
	}
	return MergedRequestKey{
		FromTag:    hdrs.FromTag(),
		CallID:     hdrs.CallID,
		CSeqNum:    hdrs.CSeq.SeqNum,
		CSeqMethod: hdrs.CSeq.Method,
	}, nil
}

// canMerge reports whether req takes part in merged request detection.
// Only out-of-dialog requests (without To tag) can be merged, ACK and CANCEL never are.
func canMerge(req *Request) bool {
	hdrs := GetMessageHeaders(req)
	if hdrs == nil || hdrs.ToTag() != "" || hdrs.CSeq == nil {
		return false
	}
	switch hdrs.CSeq.Method.ToUpper() {
	case RequestMethodAck, RequestMethodCancel:
		return false
	default:
		return true
	}
}

// IsZero reports whether the key is the zero value.
func (k MergedRequestKey) IsZero() bool { return k == MergedRequestKey{} }

// LogValue implements [slog.LogValuer].
func (k MergedRequestKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("from_tag", k.FromTag),
		slog.String("call_id", string(k.CallID)),
		slog.String("cseq", strconv.FormatUint(uint64(k.CSeqNum), 10)+" "+string(k.CSeqMethod)),
	)
}

func (k MergedRequestKey) String() string {
	return fmt.Sprintf("%s;%s;%d %s", k.FromTag, k.CallID, k.CSeqNum, k.CSeqMethod)
}
