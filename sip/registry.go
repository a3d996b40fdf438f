package sip

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/errorutil"
	"github.com/ghettovoice/siptx/internal/types"
	"github.com/ghettovoice/siptx/log"
)

var txIDSeq atomic.Uint64

// NextTransactionID allocates a new transaction id.
// Ids are process-wide, start from 1 and are never reused.
func NextTransactionID() uint64 { return txIDSeq.Add(1) }

// Handler type aliases.
type (
	ClientTransactionHandler = func(ctx context.Context, tx ClientTransaction)
	ServerTransactionHandler = func(ctx context.Context, tx ServerTransaction)
)

// RegistryOptions are the options for a [Registry].
type RegistryOptions struct {
	// Logger is the logger.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *RegistryOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// LoadStatus describes the outcome of [Registry.LoadOrStoreServerTransaction].
type LoadStatus int

const (
	// LoadStatusStored means a new transaction was created and stored.
	LoadStatusStored LoadStatus = iota
	// LoadStatusFound means the request is a retransmission of an existing transaction.
	LoadStatusFound
	// LoadStatusMerged means the request is a merged copy of a request that already has a transaction.
	LoadStatusMerged
)

func (s LoadStatus) String() string {
	switch s {
	case LoadStatusStored:
		return "stored"
	case LoadStatusFound:
		return "found"
	case LoadStatusMerged:
		return "merged"
	default:
		return "unknown"
	}
}

// Registry stores all live client and server transactions.
//
// Transactions are indexed by id and by [TransactionKey], client and server spaces are independent.
// Server transactions with a merged request key also populate the set of live merged request keys.
// All operations run under one mutex and never block on I/O.
//
// Put operations do not check that the id or key is free, violating this silently
// overwrites the previous entry. Callers are expected to look up before put, or to use
// the atomic LoadOrStore operations.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	clnByID  map[uint64]ClientTransaction
	clnByKey map[TransactionKey]ClientTransaction
	srvByID  map[uint64]ServerTransaction
	srvByKey map[TransactionKey]ServerTransaction
	merged   map[MergedRequestKey]uint64

	onPutCln types.CallbackManager[ClientTransactionHandler]
	onRemCln types.CallbackManager[ClientTransactionHandler]
	onPutSrv types.CallbackManager[ServerTransactionHandler]
	onRemSrv types.CallbackManager[ServerTransactionHandler]
}

// NewRegistry creates a new empty [Registry].
// Options are optional, if nil, default values are used (see [RegistryOptions]).
func NewRegistry(opts *RegistryOptions) *Registry {
	return &Registry{
		log:      opts.log(),
		clnByID:  make(map[uint64]ClientTransaction),
		clnByKey: make(map[TransactionKey]ClientTransaction),
		srvByID:  make(map[uint64]ServerTransaction),
		srvByKey: make(map[TransactionKey]ServerTransaction),
		merged:   make(map[MergedRequestKey]uint64),
	}
}

// ClientTransaction returns the client transaction with the given id.
// It fails with [ErrTransactionNotFound] if there is no such transaction.
func (r *Registry) ClientTransaction(id uint64) (ClientTransaction, error) {
	r.mu.Lock()
	tx, ok := r.clnByID[id]
	r.mu.Unlock()
	if !ok {
		return nil, errtrace.Wrap(errorNotFound("client", id))
	}
	return tx, nil
}

// LookupClientTransaction returns the client transaction with the given key.
// A miss is not an error.
func (r *Registry) LookupClientTransaction(key TransactionKey) (ClientTransaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.clnByKey[key]
	return tx, ok
}

// ServerTransaction returns the server transaction with the given id.
// It fails with [ErrTransactionNotFound] if there is no such transaction.
func (r *Registry) ServerTransaction(id uint64) (ServerTransaction, error) {
	r.mu.Lock()
	tx, ok := r.srvByID[id]
	r.mu.Unlock()
	if !ok {
		return nil, errtrace.Wrap(errorNotFound("server", id))
	}
	return tx, nil
}

// LookupServerTransaction returns the server transaction with the given key that req is part of.
//
// A transaction found by key is additionally verified with [Transaction.IsRequestPartOfTransaction].
// Failed verification is not an error, the caller should treat req as a new request.
// Verification is skipped if req is nil.
func (r *Registry) LookupServerTransaction(key TransactionKey, req *Request) (ServerTransaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupSrvLocked(key, req)
}

func (r *Registry) lookupSrvLocked(key TransactionKey, req *Request) (ServerTransaction, bool) {
	tx, ok := r.srvByKey[key]
	if !ok {
		return nil, false
	}
	if req != nil && !tx.IsRequestPartOfTransaction(req) {
		r.log.LogAttrs(context.Background(), slog.LevelDebug, "request key matched but verification failed",
			slog.Any("transaction", tx),
			slog.Any("request", req),
		)
		return nil, false
	}
	return tx, true
}

// PutClientTransaction stores the client transaction.
// It returns true if another transaction with the same id or key was overwritten.
func (r *Registry) PutClientTransaction(ctx context.Context, tx ClientTransaction) (overwritten bool) {
	r.mu.Lock()
	overwritten = r.putClnLocked(tx)
	r.mu.Unlock()

	r.afterPutCln(ctx, tx, overwritten)
	return overwritten
}

func (r *Registry) putClnLocked(tx ClientTransaction) bool {
	id, key := tx.ID(), tx.Key()
	var overwritten bool
	if cur, ok := r.clnByID[id]; ok && cur != tx {
		overwritten = true
	}
	if cur, ok := r.clnByKey[key]; ok && cur != tx {
		overwritten = true
	}
	r.clnByID[id] = tx
	r.clnByKey[key] = tx
	return overwritten
}

func (r *Registry) afterPutCln(ctx context.Context, tx ClientTransaction, overwritten bool) {
	if overwritten {
		r.log.LogAttrs(ctx, slog.LevelWarn, "client transaction overwritten", slog.Any("transaction", tx))
	} else {
		r.log.LogAttrs(ctx, slog.LevelDebug, "client transaction stored", slog.Any("transaction", tx))
	}
	for fn := range r.onPutCln.All() {
		fn(ctx, tx)
	}
}

// PutServerTransaction stores the server transaction together with its merged request key.
// It returns true if another transaction with the same id or key was overwritten.
func (r *Registry) PutServerTransaction(ctx context.Context, tx ServerTransaction) (overwritten bool) {
	r.mu.Lock()
	overwritten = r.putSrvLocked(tx)
	r.mu.Unlock()

	r.afterPutSrv(ctx, tx, overwritten)
	return overwritten
}

func (r *Registry) putSrvLocked(tx ServerTransaction) bool {
	id, key := tx.ID(), tx.Key()
	var overwritten bool
	if cur, ok := r.srvByID[id]; ok && cur != tx {
		overwritten = true
	}
	if cur, ok := r.srvByKey[key]; ok && cur != tx {
		overwritten = true
	}
	r.srvByID[id] = tx
	r.srvByKey[key] = tx
	if mk, ok := tx.MergedRequestKey(); ok {
		r.merged[mk] = id
	}
	return overwritten
}

func (r *Registry) afterPutSrv(ctx context.Context, tx ServerTransaction, overwritten bool) {
	if overwritten {
		r.log.LogAttrs(ctx, slog.LevelWarn, "server transaction overwritten", slog.Any("transaction", tx))
	} else {
		r.log.LogAttrs(ctx, slog.LevelDebug, "server transaction stored", slog.Any("transaction", tx))
	}
	for fn := range r.onPutSrv.All() {
		fn(ctx, tx)
	}
}

// LoadOrStoreClientTransaction returns the client transaction with the given key or,
// if there is none, creates one with newTx and stores it.
// The lookup and the store are atomic. newTx is called under the registry lock and
// must not call the registry.
func (r *Registry) LoadOrStoreClientTransaction(
	ctx context.Context,
	key TransactionKey,
	newTx func(id uint64) (ClientTransaction, error),
) (tx ClientTransaction, loaded bool, err error) {
	r.mu.Lock()
	if tx, ok := r.clnByKey[key]; ok {
		r.mu.Unlock()
		return tx, true, nil
	}
	tx, err = newTx(NextTransactionID())
	if err != nil {
		r.mu.Unlock()
		return nil, false, errtrace.Wrap(err)
	}
	if tx.Key() != key {
		r.mu.Unlock()
		return nil, false, errtrace.Wrap(NewInvalidArgumentError("transaction key %+v does not match %+v", tx.Key(), key))
	}
	overwritten := r.putClnLocked(tx)
	r.mu.Unlock()

	r.afterPutCln(ctx, tx, overwritten)
	return tx, false, nil
}

// LoadOrStoreServerTransaction matches req against the stored server transactions and,
// if it matches none, creates one with newTx and stores it.
//
// The result tells whether req is a retransmission ([LoadStatusFound]), a merged copy of an
// already processed request ([LoadStatusMerged], the owning transaction is returned and no new one
// is created), or a new request ([LoadStatusStored]). The whole sequence is atomic,
// concurrent calls with copies of one request produce exactly one transaction.
// newTx is called under the registry lock and must not call the registry.
func (r *Registry) LoadOrStoreServerTransaction(
	ctx context.Context,
	req *Request,
	newTx func(id uint64) (ServerTransaction, error),
) (ServerTransaction, LoadStatus, error) {
	key, err := ComputeTransactionKey(req)
	if err != nil {
		return nil, LoadStatusStored, errtrace.Wrap(err)
	}
	var (
		mk       MergedRequestKey
		hasMerge = canMerge(req)
	)
	if hasMerge {
		if mk, err = ComputeMergedRequestKey(req); err != nil {
			return nil, LoadStatusStored, errtrace.Wrap(err)
		}
	}

	r.mu.Lock()
	if tx, ok := r.lookupSrvLocked(key, req); ok {
		r.mu.Unlock()
		return tx, LoadStatusFound, nil
	}
	if hasMerge {
		if id, ok := r.merged[mk]; ok {
			tx := r.srvByID[id]
			r.mu.Unlock()

			r.log.LogAttrs(ctx, slog.LevelDebug, "merged request detected",
				slog.Any("transaction", tx),
				slog.Any("request", req),
			)
			return tx, LoadStatusMerged, nil
		}
	}

	tx, err := newTx(NextTransactionID())
	if err != nil {
		r.mu.Unlock()
		return nil, LoadStatusStored, errtrace.Wrap(err)
	}
	if tx.Key() != key {
		r.mu.Unlock()
		return nil, LoadStatusStored, errtrace.Wrap(NewInvalidArgumentError("transaction key %+v does not match %+v", tx.Key(), key))
	}
	overwritten := r.putSrvLocked(tx)
	r.mu.Unlock()

	r.afterPutSrv(ctx, tx, overwritten)
	return tx, LoadStatusStored, nil
}

// RemoveClientTransaction removes the client transaction.
// It is idempotent, entries that meanwhile belong to another transaction are kept.
// It returns true if anything was removed.
func (r *Registry) RemoveClientTransaction(ctx context.Context, tx ClientTransaction) bool {
	id, key := tx.ID(), tx.Key()

	r.mu.Lock()
	var removed bool
	if cur, ok := r.clnByID[id]; ok && cur == tx {
		delete(r.clnByID, id)
		removed = true
	}
	if cur, ok := r.clnByKey[key]; ok && cur == tx {
		delete(r.clnByKey, key)
		removed = true
	}
	r.mu.Unlock()

	if !removed {
		return false
	}

	r.log.LogAttrs(ctx, slog.LevelDebug, "client transaction removed", slog.Any("transaction", tx))
	for fn := range r.onRemCln.All() {
		fn(ctx, tx)
	}
	return true
}

// RemoveServerTransaction removes the server transaction and its merged request key.
// It is idempotent, entries that meanwhile belong to another transaction are kept.
// It returns true if anything was removed.
func (r *Registry) RemoveServerTransaction(ctx context.Context, tx ServerTransaction) bool {
	id, key := tx.ID(), tx.Key()

	r.mu.Lock()
	var removed bool
	if cur, ok := r.srvByID[id]; ok && cur == tx {
		delete(r.srvByID, id)
		removed = true
	}
	if cur, ok := r.srvByKey[key]; ok && cur == tx {
		delete(r.srvByKey, key)
		removed = true
	}
	if mk, ok := tx.MergedRequestKey(); ok {
		if owner, ok := r.merged[mk]; ok && owner == id {
			delete(r.merged, mk)
			removed = true
		}
	}
	r.mu.Unlock()

	if !removed {
		return false
	}

	r.log.LogAttrs(ctx, slog.LevelDebug, "server transaction removed", slog.Any("transaction", tx))
	for fn := range r.onRemSrv.All() {
		fn(ctx, tx)
	}
	return true
}

// CorrelateCancelToInvite finds the INVITE server transaction the CANCEL request refers to
// and records its id on the request, see [Request.OriginTransactionID].
//
// The INVITE is looked up by the CANCEL key with the method replaced by INVITE, then Call-ID
// and CSeq number are compared, see RFC 3261 section 9.2.
// It fails with [ErrTransactionNotFound] if there is no such transaction.
func (r *Registry) CorrelateCancelToInvite(ctx context.Context, cancel *Request) (ServerTransaction, error) {
	if cancel == nil || !cancel.Method.Equal(RequestMethodCancel) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("not a CANCEL request"))
	}
	key, err := ComputeTransactionKey(cancel)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	key = key.WithMethod(RequestMethodInvite)

	r.mu.Lock()
	tx, ok := r.srvByKey[key]
	r.mu.Unlock()
	if !ok || !isCancelOf(cancel, tx.Request()) {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, "no INVITE for CANCEL"))
	}

	cancel.SetOriginTransactionID(tx.ID())

	r.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL correlated to INVITE",
		slog.Any("transaction", tx),
		slog.Any("request", cancel),
	)
	return tx, nil
}

// InviteFromCancel returns the INVITE client transaction a locally originated CANCEL refers to.
func (r *Registry) InviteFromCancel(cancel *Request) (ClientTransaction, bool) {
	if cancel == nil || !cancel.Method.Equal(RequestMethodCancel) {
		return nil, false
	}
	key, err := ComputeTransactionKey(cancel)
	if err != nil {
		return nil, false
	}

	r.mu.Lock()
	tx, ok := r.clnByKey[key.WithMethod(RequestMethodInvite)]
	r.mu.Unlock()
	if !ok || !isCancelOf(cancel, tx.Request()) {
		return nil, false
	}
	return tx, true
}

func isCancelOf(cancel, invite *Request) bool {
	if invite == nil {
		return false
	}
	ch, ih := &cancel.Headers, &invite.Headers
	return ch.CallID == ih.CallID && ch.CSeq != nil && ih.CSeq != nil && ch.CSeq.SeqNum == ih.CSeq.SeqNum
}

// IsMergedServerTransaction reports whether a live server transaction owns the merged request key.
// A UAS usually rejects such request with 482 Loop Detected.
func (r *Registry) IsMergedServerTransaction(mk MergedRequestKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.merged[mk]
	return ok
}

// ClientTransactions iterates over a snapshot of stored client transactions.
func (r *Registry) ClientTransactions() iter.Seq[ClientTransaction] {
	r.mu.Lock()
	txs := make([]ClientTransaction, 0, len(r.clnByID))
	for _, tx := range r.clnByID {
		txs = append(txs, tx)
	}
	r.mu.Unlock()

	return func(yield func(ClientTransaction) bool) {
		for _, tx := range txs {
			if !yield(tx) {
				return
			}
		}
	}
}

// ServerTransactions iterates over a snapshot of stored server transactions.
func (r *Registry) ServerTransactions() iter.Seq[ServerTransaction] {
	r.mu.Lock()
	txs := make([]ServerTransaction, 0, len(r.srvByID))
	for _, tx := range r.srvByID {
		txs = append(txs, tx)
	}
	r.mu.Unlock()

	return func(yield func(ServerTransaction) bool) {
		for _, tx := range txs {
			if !yield(tx) {
				return
			}
		}
	}
}

// NumClientTransactions returns the number of stored client transactions.
func (r *Registry) NumClientTransactions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clnByID)
}

// NumServerTransactions returns the number of stored server transactions.
func (r *Registry) NumServerTransactions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.srvByID)
}

// NumMergedRequestKeys returns the number of live merged request keys.
func (r *Registry) NumMergedRequestKeys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.merged)
}

// OnPutClientTransaction binds the handler to client transaction store.
// Handlers are called after the registry lock is released.
func (r *Registry) OnPutClientTransaction(fn ClientTransactionHandler) (unbind func()) {
	return r.onPutCln.Add(fn)
}

// OnRemoveClientTransaction binds the handler to client transaction removal.
func (r *Registry) OnRemoveClientTransaction(fn ClientTransactionHandler) (unbind func()) {
	return r.onRemCln.Add(fn)
}

// OnPutServerTransaction binds the handler to server transaction store.
// Handlers are called after the registry lock is released.
func (r *Registry) OnPutServerTransaction(fn ServerTransactionHandler) (unbind func()) {
	return r.onPutSrv.Add(fn)
}

// OnRemoveServerTransaction binds the handler to server transaction removal.
func (r *Registry) OnRemoveServerTransaction(fn ServerTransactionHandler) (unbind func()) {
	return r.onRemSrv.Add(fn)
}

func errorNotFound(space string, id uint64) error {
	return errorutil.NewWrapperError(ErrTransactionNotFound, "%s transaction %d", space, id) //errtrace:skip
}
