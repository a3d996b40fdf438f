package sip

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ghettovoice/siptx/internal/types"
	"github.com/ghettovoice/siptx/log"
)

// TransactionState is a transaction lifecycle state.
type TransactionState string

const (
	// TransactionStateInit is the state of a constructed transaction that is not driven yet.
	TransactionStateInit       TransactionState = "init"
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	// TransactionStateAccepted is the state added by RFC 6026 for INVITE transactions.
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionType is a kind of transaction.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

func (t TransactionType) IsClient() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeClientNonInvite
}

func (t TransactionType) IsServer() bool {
	return t == TransactionTypeServerInvite || t == TransactionTypeServerNonInvite
}

func (t TransactionType) IsInvite() bool {
	return t == TransactionTypeClientInvite || t == TransactionTypeServerInvite
}

// TransactionStateHandler is called after a transaction state was changed.
type TransactionStateHandler = func(ctx context.Context, tx Transaction, from, to TransactionState)

// Transaction is a SIP transaction, a request with all its retransmissions and responses.
//
// Identity fields (ID, Key, Request) are immutable after construction.
// State and transport connection are safe for concurrent access.
type Transaction interface {
	// ID returns the process-wide unique transaction id.
	ID() uint64
	// Key returns the transaction key.
	Key() TransactionKey
	// Type returns the transaction kind.
	Type() TransactionType
	// Request returns the request that created the transaction.
	Request() *Request
	// State returns the current state.
	State() TransactionState
	// SetState unconditionally sets the state.
	// Transition validation is the job of the state machine driver.
	SetState(ctx context.Context, state TransactionState)
	// HasInitiated reports whether the transaction has left the init state.
	HasInitiated() bool
	// TransportConnection returns the last connection bound to the transaction or nil.
	TransportConnection() Connection
	// SetTransportConnection binds the connection to the transaction.
	SetTransportConnection(conn Connection)
	// IsRequestPartOfTransaction reports whether req belongs to this transaction.
	IsRequestPartOfTransaction(req *Request) bool
	// OnStateChanged binds the handler to state changes.
	OnStateChanged(fn TransactionStateHandler) (unbind func())
}

// TransactionOptions are optional parameters of a new transaction.
type TransactionOptions struct {
	// Connection is the connection the request was received on or will be sent through.
	Connection Connection
	// Logger is the logger.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *TransactionOptions) conn() Connection {
	if o == nil {
		return nil
	}
	return o.Connection
}

func (o *TransactionOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

type connHolder struct{ conn Connection }

type baseTransact struct {
	id   uint64
	typ  TransactionType
	key  TransactionKey
	req  *Request
	impl Transaction
	log  *slog.Logger

	state atomic.Value // TransactionState
	conn  atomic.Pointer[connHolder]

	onStateChanged types.CallbackManager[TransactionStateHandler]
}

func newBaseTransact(
	id uint64,
	typ TransactionType,
	key TransactionKey,
	req *Request,
	impl Transaction,
	opts *TransactionOptions,
) *baseTransact {
	tx := &baseTransact{
		id:   id,
		typ:  typ,
		key:  key,
		req:  req,
		impl: impl,
		log:  opts.log(),
	}
	tx.state.Store(TransactionStateInit)
	if conn := opts.conn(); conn != nil {
		tx.conn.Store(&connHolder{conn})
	}
	return tx
}

func (tx *baseTransact) ID() uint64 {
	if tx == nil {
		return 0
	}
	return tx.id
}

func (tx *baseTransact) Key() TransactionKey {
	if tx == nil {
		return zeroTxKey
	}
	return tx.key
}

func (tx *baseTransact) Type() TransactionType {
	if tx == nil {
		return ""
	}
	return tx.typ
}

func (tx *baseTransact) Request() *Request {
	if tx == nil {
		return nil
	}
	return tx.req
}

func (tx *baseTransact) State() TransactionState {
	if tx == nil {
		return ""
	}
	return tx.state.Load().(TransactionState) //nolint:forcetypeassert
}

// SetState stores the state and calls state handlers if the state has changed.
func (tx *baseTransact) SetState(ctx context.Context, state TransactionState) {
	from := tx.state.Swap(state).(TransactionState) //nolint:forcetypeassert
	if from == state {
		return
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
		slog.Any("transaction", tx.impl),
		slog.Any("from", from),
		slog.Any("to", state),
	)

	for fn := range tx.onStateChanged.All() {
		fn(ctx, tx.impl, from, state)
	}
}

func (tx *baseTransact) HasInitiated() bool {
	return tx.State() != TransactionStateInit
}

func (tx *baseTransact) TransportConnection() Connection {
	if tx == nil {
		return nil
	}
	if h := tx.conn.Load(); h != nil {
		return h.conn
	}
	return nil
}

// SetTransportConnection binds conn to the transaction, nil unbinds the current connection.
func (tx *baseTransact) SetTransportConnection(conn Connection) {
	if conn == nil {
		tx.conn.Store(nil)
		return
	}
	tx.conn.Store(&connHolder{conn})
}

func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (unbind func()) {
	return tx.onStateChanged.Add(fn)
}

// LogValue implements [slog.LogValuer].
func (tx *baseTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", tx.id),
		slog.Any("type", tx.typ),
		slog.Any("key", tx.key),
		slog.Any("state", tx.State()),
	)
}

// requestKey computes the key of req, malformed requests never match.
func requestKey(req *Request) (TransactionKey, bool) {
	if req == nil {
		return zeroTxKey, false
	}
	key, err := ComputeTransactionKey(req)
	if err != nil {
		return zeroTxKey, false
	}
	return key, true
}
