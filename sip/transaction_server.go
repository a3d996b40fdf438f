package sip

import (
	"log/slog"

	"braces.dev/errtrace"
)

// ServerTransaction is a transaction created by an inbound request.
type ServerTransaction interface {
	Transaction
	// MergedRequestKey returns the merged request key of the transaction.
	// The second value is false if the transaction takes no part in merged request detection.
	MergedRequestKey() (MergedRequestKey, bool)
}

// NewServerTransaction creates a server transaction in init state for an inbound request.
// INVITE requests produce [*ServerInviteTransaction], all others except ACK produce
// [*ServerNonInviteTransaction]. ACK never creates a transaction.
//
// The transaction gets a merged request key if the request is outside of a dialog (has no To tag)
// and is not a CANCEL, see RFC 3261 section 8.2.2.2.
func NewServerTransaction(id uint64, req *Request, opts *TransactionOptions) (ServerTransaction, error) {
	if id == 0 {
		return nil, errtrace.Wrap(NewInvalidArgumentError("zero transaction id"))
	}
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	key, err := ComputeTransactionKey(req)
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	switch req.Method.ToUpper() {
	case RequestMethodAck:
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK request can not start a transaction"))
	case RequestMethodInvite:
		tx := new(ServerInviteTransaction)
		tx.serverTransact, err = newServerTransact(id, TransactionTypeServerInvite, key, req, tx, opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return tx, nil
	default:
		tx := new(ServerNonInviteTransaction)
		tx.serverTransact, err = newServerTransact(id, TransactionTypeServerNonInvite, key, req, tx, opts)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return tx, nil
	}
}

type serverTransact struct {
	*baseTransact

	mergedKey MergedRequestKey
	hasMerged bool
	// legacy is set when the branch was synthesized, matching then also requires the From tag.
	legacy bool
}

func newServerTransact(
	id uint64,
	typ TransactionType,
	key TransactionKey,
	req *Request,
	impl ServerTransaction,
	opts *TransactionOptions,
) (*serverTransact, error) {
	tx := &serverTransact{
		baseTransact: newBaseTransact(id, typ, key, req, impl, opts),
	}
	if via, ok := req.Headers.FirstVia(); ok && via.Branch == "" {
		tx.legacy = true
	}
	if canMerge(req) {
		mk, err := ComputeMergedRequestKey(req)
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
		tx.mergedKey, tx.hasMerged = mk, true
	}
	return tx, nil
}

func (tx *serverTransact) MergedRequestKey() (MergedRequestKey, bool) {
	if tx == nil {
		return MergedRequestKey{}, false
	}
	return tx.mergedKey, tx.hasMerged
}

// IsRequestPartOfTransaction implements the server side matching of RFC 3261 section 17.2.3.
//
// Besides the key, the request must carry the same Call-ID and CSeq number as the request
// that created the transaction. For transactions started by a request without branch,
// the From tag must match as well.
func (tx *serverTransact) IsRequestPartOfTransaction(req *Request) bool {
	key, ok := requestKey(req)
	if !ok || key != tx.key {
		return false
	}

	orig, hdrs := &tx.req.Headers, &req.Headers
	if orig.CallID != hdrs.CallID || orig.CSeq.SeqNum != hdrs.CSeq.SeqNum {
		return false
	}
	if tx.legacy && orig.FromTag() != hdrs.FromTag() {
		return false
	}
	return true
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.Uint64("id", tx.id),
		slog.Any("type", tx.typ),
		slog.Any("key", tx.key),
		slog.Any("state", tx.State()),
	}
	if tx.hasMerged {
		attrs = append(attrs, slog.Any("merged_key", tx.mergedKey))
	}
	return slog.GroupValue(attrs...)
}

// ServerInviteTransaction is an INVITE server transaction, see RFC 3261 section 17.2.1.
type ServerInviteTransaction struct {
	*serverTransact
}

// ServerNonInviteTransaction is a non-INVITE server transaction, see RFC 3261 section 17.2.2.
type ServerNonInviteTransaction struct {
	*serverTransact
}
