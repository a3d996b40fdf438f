package sip

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/timeutil"
)

// ClientTransaction is a transaction created by a locally originated request.
type ClientTransaction interface {
	Transaction
	// IsResponsePartOfTransaction reports whether res is a response to this transaction,
	// see RFC 3261 section 17.1.3.
	IsResponsePartOfTransaction(res *Response) bool
}

// NewClientTransaction creates a client transaction in init state for an outbound request.
// INVITE requests produce [*ClientInviteTransaction], all others except ACK produce
// [*ClientNonInviteTransaction]. ACK never creates a transaction.
func NewClientTransaction(id uint64, req *Request, opts *TransactionOptions) (ClientTransaction, error) {
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
		tx := new(ClientInviteTransaction)
		tx.clientTransact = newClientTransact(id, TransactionTypeClientInvite, key, req, tx, opts)
		return tx, nil
	default:
		tx := new(ClientNonInviteTransaction)
		tx.clientTransact = newClientTransact(id, TransactionTypeClientNonInvite, key, req, tx, opts)
		return tx, nil
	}
}

type clientTransact struct {
	*baseTransact
}

func newClientTransact(
	id uint64,
	typ TransactionType,
	key TransactionKey,
	req *Request,
	impl ClientTransaction,
	opts *TransactionOptions,
) *clientTransact {
	return &clientTransact{newBaseTransact(id, typ, key, req, impl, opts)}
}

// IsRequestPartOfTransaction reports whether req has the same key as the transaction.
// An ACK for a non-2xx final response folds into the INVITE key and matches.
func (tx *clientTransact) IsRequestPartOfTransaction(req *Request) bool {
	key, ok := requestKey(req)
	return ok && key == tx.key
}

func (tx *clientTransact) IsResponsePartOfTransaction(res *Response) bool {
	if res == nil {
		return false
	}
	key, err := ComputeTransactionKey(res)
	if err != nil {
		return false
	}
	return key == tx.key
}

// ClientInviteTransaction is an INVITE client transaction, see RFC 3261 section 17.1.1.
type ClientInviteTransaction struct {
	*clientTransact

	tmrCancel atomic.Pointer[timeutil.Timer]
}

// ArmCancelTimer starts the timer a UAC runs after it sends a CANCEL for this INVITE,
// see RFC 3261 section 9.1. If no final response arrives before d elapses, fn is called.
// A previously armed timer is stopped.
func (tx *ClientInviteTransaction) ArmCancelTimer(d time.Duration, fn func()) {
	tmr := timeutil.AfterFunc(d, func() {
		tx.log.LogAttrs(context.Background(), slog.LevelDebug, "cancel timer expired", slog.Any("transaction", tx))
		fn()
	})
	if prev := tx.tmrCancel.Swap(tmr); prev != nil {
		prev.Stop()
	}

	tx.log.LogAttrs(context.Background(), slog.LevelDebug, "cancel timer started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", tmr.ExpiresAt()),
	)
}

// StopCancelTimer stops the cancel timer.
// It returns true if a running timer was stopped.
func (tx *ClientInviteTransaction) StopCancelTimer() bool {
	tmr := tx.tmrCancel.Swap(nil)
	if tmr == nil || !tmr.Stop() {
		return false
	}
	tx.log.LogAttrs(context.Background(), slog.LevelDebug, "cancel timer stopped", slog.Any("transaction", tx))
	return true
}

// CancelTimerLeft returns remaining time of the cancel timer, zero if it is not running.
func (tx *ClientInviteTransaction) CancelTimerLeft() time.Duration {
	return tx.tmrCancel.Load().Left()
}

// ClientNonInviteTransaction is a non-INVITE client transaction, see RFC 3261 section 17.1.2.
type ClientNonInviteTransaction struct {
	*clientTransact
}
