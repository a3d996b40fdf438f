package sip

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/siptx/internal/errorutil"
	"github.com/ghettovoice/siptx/internal/syncutil"
	"github.com/ghettovoice/siptx/internal/types"
	"github.com/ghettovoice/siptx/log"
)

// RequestKind classifies an inbound request handled by [Layer.HandleRequest].
type RequestKind int

const (
	// RequestNew means the request started a new server transaction.
	RequestNew RequestKind = iota
	// RequestMatched means the request is part of an existing server transaction,
	// a retransmission or an ACK for a non-2xx final response.
	RequestMatched
	// RequestMerged means the request is a merged copy of a request that already has a transaction.
	// No transaction was created, the UAS usually responds with 482 Loop Detected.
	RequestMerged
	// RequestStrayAck means the request is an ACK that matches no transaction,
	// usually an ACK for a 2xx response that belongs to the dialog layer.
	RequestStrayAck
)

func (k RequestKind) String() string {
	switch k {
	case RequestNew:
		return "new"
	case RequestMatched:
		return "matched"
	case RequestMerged:
		return "merged"
	case RequestStrayAck:
		return "stray_ack"
	default:
		return "unknown"
	}
}

// RequestResult is the outcome of [Layer.HandleRequest].
type RequestResult struct {
	Kind RequestKind
	// Transaction is the new or matched server transaction.
	// For merged requests it is the transaction of the first copy, for stray ACK it is nil.
	Transaction ServerTransaction
	// Invite is the INVITE server transaction a CANCEL request was correlated to, nil otherwise.
	Invite ServerTransaction
}

// LogValue implements [slog.LogValuer].
func (r RequestResult) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", r.Kind.String())}
	if r.Transaction != nil {
		attrs = append(attrs, slog.Any("transaction", r.Transaction))
	}
	if r.Invite != nil {
		attrs = append(attrs, slog.Any("invite", r.Invite))
	}
	return slog.GroupValue(attrs...)
}

// Handler type aliases.
type (
	RequestHandler  = func(ctx context.Context, req *Request, res RequestResult)
	ResponseHandler = func(ctx context.Context, res *Response, tx ClientTransaction)
)

// LayerOptions are the options for a [Layer].
type LayerOptions struct {
	// Registry is the transaction registry.
	// If nil, a new [Registry] is created.
	Registry *Registry
	// Driver drives the state machines of transactions created and matched by the layer.
	// If nil, transactions are left in init state and the caller drives them.
	Driver *Driver
	// Timings is the SIP timing config.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// Stats records layer statistics.
	// If nil, statistics are not recorded.
	Stats *StatsRecorder
	// Logger is the logger.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *LayerOptions) registry(logger *slog.Logger) *Registry {
	if o == nil || o.Registry == nil {
		return NewRegistry(&RegistryOptions{Logger: logger})
	}
	return o.Registry
}

func (o *LayerOptions) driver() *Driver {
	if o == nil {
		return nil
	}
	return o.Driver
}

func (o *LayerOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *LayerOptions) stats() *StatsRecorder {
	if o == nil {
		return nil
	}
	return o.Stats
}

func (o *LayerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Layer is the transaction layer entry point.
// It computes keys of inbound and outbound messages, matches them against the [Registry]
// and creates new transactions.
//
// Messages with the same transaction key are processed one at a time, so a transaction
// has one logical owner. Messages with different keys are processed concurrently.
type Layer struct {
	reg     *Registry
	drv     *Driver
	timings TimingConfig
	stats   *StatsRecorder
	log     *slog.Logger

	keyMu syncutil.KeyMutex[TransactionKey]

	onReq types.CallbackManager[RequestHandler]
	onRes types.CallbackManager[ResponseHandler]

	unbindStats func()
	closed      atomic.Bool
	closeOnce   sync.Once
}

// NewLayer creates a new [Layer].
// Options are optional, if nil, default values are used (see [LayerOptions]).
func NewLayer(opts *LayerOptions) *Layer {
	logger := opts.log()
	l := &Layer{
		reg:     opts.registry(logger),
		drv:     opts.driver(),
		timings: opts.timings(),
		stats:   opts.stats(),
		log:     logger,
	}
	if l.stats != nil {
		l.unbindStats = l.stats.BindRegistry(l.reg)
	}
	return l
}

// Registry returns the transaction registry used by the layer.
func (l *Layer) Registry() *Registry { return l.reg }

// HandleRequest processes an inbound request received over conn.
//
// A request that matches an existing server transaction rebinds the transaction to conn.
// A merged request and a stray ACK create no transaction. A CANCEL request is additionally
// correlated to the INVITE it cancels, a CANCEL without INVITE still creates its own
// transaction, so that it can be answered with 481.
//
// It fails with an error wrapping [ErrMalformedMessage] if the request can not be matched,
// and with [ErrLayerClosed] if the request needs a new transaction after [Layer.Close].
func (l *Layer) HandleRequest(ctx context.Context, req *Request, conn Connection) (RequestResult, error) {
	if err := req.Validate(); err != nil {
		return RequestResult{}, errtrace.Wrap(err)
	}
	key, err := ComputeTransactionKey(req)
	if err != nil {
		return RequestResult{}, errtrace.Wrap(err)
	}

	unlock := l.keyMu.Lock(key)
	defer unlock()

	res, err := l.matchRequest(ctx, key, req, conn)
	if err != nil {
		return RequestResult{}, errtrace.Wrap(err)
	}

	l.stats.recordRequest(res.Kind)

	l.log.LogAttrs(ctx, slog.LevelDebug, "request handled", slog.Any("request", req), slog.Any("result", res))

	for fn := range l.onReq.All() {
		fn(ctx, req, res)
	}
	return res, nil
}

func (l *Layer) matchRequest(ctx context.Context, key TransactionKey, req *Request, conn Connection) (RequestResult, error) {
	if req.Method.Equal(RequestMethodAck) {
		tx, ok := l.reg.LookupServerTransaction(key, req)
		if !ok {
			return RequestResult{Kind: RequestStrayAck}, nil
		}
		l.rebind(tx, conn)
		l.drive(ctx, tx, func() error { return errtrace.Wrap(l.drv.RecvRequest(ctx, tx, req)) })
		return RequestResult{Kind: RequestMatched, Transaction: tx}, nil
	}

	tx, status, err := l.reg.LoadOrStoreServerTransaction(ctx, req, func(id uint64) (ServerTransaction, error) {
		if l.closed.Load() {
			return nil, errtrace.Wrap(ErrLayerClosed)
		}
		return errtrace.Wrap2(NewServerTransaction(id, req, &TransactionOptions{
			Connection: conn,
			Logger:     l.log,
		}))
	})
	if err != nil {
		return RequestResult{}, errtrace.Wrap(err)
	}

	var res RequestResult
	switch status {
	case LoadStatusMerged:
		return RequestResult{Kind: RequestMerged, Transaction: tx}, nil
	case LoadStatusFound:
		l.rebind(tx, conn)
		l.drive(ctx, tx, func() error { return errtrace.Wrap(l.drv.RecvRequest(ctx, tx, req)) })
		res = RequestResult{Kind: RequestMatched, Transaction: tx}
	default:
		l.drive(ctx, tx, func() error { return errtrace.Wrap(l.drv.Start(ctx, tx)) })
		res = RequestResult{Kind: RequestNew, Transaction: tx}
	}

	if req.Method.Equal(RequestMethodCancel) {
		inv, err := l.reg.CorrelateCancelToInvite(ctx, req)
		switch {
		case err == nil:
			res.Invite = inv
			if status == LoadStatusStored {
				l.stats.recordCancel()
			}
		case errors.Is(err, ErrTransactionNotFound):
			l.log.LogAttrs(ctx, slog.LevelDebug, "CANCEL matches no INVITE", slog.Any("request", req))
		default:
			return RequestResult{}, errtrace.Wrap(err)
		}
	}
	return res, nil
}

func (l *Layer) rebind(tx Transaction, conn Connection) {
	if conn != nil && tx.TransportConnection() != conn {
		tx.SetTransportConnection(conn)
	}
}

// drive runs fn if the layer has a driver.
// Events not allowed in the current state are logged and dropped.
func (l *Layer) drive(ctx context.Context, tx Transaction, fn func() error) {
	if l.drv == nil {
		return
	}
	if err := fn(); err != nil {
		l.log.LogAttrs(ctx, slog.LevelWarn, "transaction event dropped",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
}

// HandleResponse matches an inbound response to its client transaction.
// A final response stops the cancel timer of an INVITE transaction.
//
// It fails with an error wrapping [ErrMalformedMessage] if the response can not be matched,
// and with [ErrTransactionNotFound] if it matches no transaction.
func (l *Layer) HandleResponse(ctx context.Context, res *Response, conn Connection) (ClientTransaction, error) {
	if err := res.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	key, err := ComputeTransactionKey(res)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	unlock := l.keyMu.Lock(key)
	defer unlock()

	tx, ok := l.reg.LookupClientTransaction(key)
	if !ok || !tx.IsResponsePartOfTransaction(res) {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrTransactionNotFound, "no client transaction for response"))
	}

	l.rebind(tx, conn)
	if inv, ok := tx.(*ClientInviteTransaction); ok && !res.IsProvisional() {
		inv.StopCancelTimer()
	}
	l.drive(ctx, tx, func() error { return errtrace.Wrap(l.drv.RecvResponse(ctx, tx, res)) })

	l.log.LogAttrs(ctx, slog.LevelDebug, "response handled", slog.Any("response", res), slog.Any("transaction", tx))

	for fn := range l.onRes.All() {
		fn(ctx, res, tx)
	}
	return tx, nil
}

// SendRequest creates and stores a client transaction for an outbound request.
//
// A request without Via branch gets a random one, the request is modified in place.
// Outbound CANCEL is bound to its INVITE client transaction: the origin transaction id
// is set on the request and the INVITE cancel timer is armed, on its expiry the INVITE
// transaction is terminated.
func (l *Layer) SendRequest(ctx context.Context, req *Request, conn Connection) (ClientTransaction, error) {
	if l.closed.Load() {
		return nil, errtrace.Wrap(ErrLayerClosed)
	}
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if req.Method.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError("ACK request can not start a transaction"))
	}
	if via, _ := req.Headers.FirstVia(); via.Branch == "" {
		via.Branch = GenerateBranch()
	}
	key, err := ComputeTransactionKey(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	unlock := l.keyMu.Lock(key)
	defer unlock()

	tx, loaded, err := l.reg.LoadOrStoreClientTransaction(ctx, key, func(id uint64) (ClientTransaction, error) {
		return errtrace.Wrap2(NewClientTransaction(id, req, &TransactionOptions{
			Connection: conn,
			Logger:     l.log,
		}))
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if loaded {
		return nil, errtrace.Wrap(NewInvalidArgumentError("client transaction %+v already exists", key))
	}

	if req.Method.Equal(RequestMethodCancel) {
		l.bindCancel(ctx, req)
	}
	l.drive(ctx, tx, func() error { return errtrace.Wrap(l.drv.Start(ctx, tx)) })
	return tx, nil
}

func (l *Layer) bindCancel(ctx context.Context, cancel *Request) {
	tx, ok := l.reg.InviteFromCancel(cancel)
	if !ok {
		l.log.LogAttrs(ctx, slog.LevelWarn, "CANCEL matches no INVITE client transaction", slog.Any("request", cancel))
		return
	}
	cancel.SetOriginTransactionID(tx.ID())

	inv, ok := tx.(*ClientInviteTransaction)
	if !ok {
		return
	}
	inv.ArmCancelTimer(l.timings.TimeCancel(), func() { l.expireCancel(inv) })
}

func (l *Layer) expireCancel(tx *ClientInviteTransaction) {
	ctx := context.Background()
	if l.drv != nil {
		l.drive(ctx, tx, func() error { return errtrace.Wrap(l.drv.Fire(ctx, tx, EventTerminate)) })
		return
	}
	tx.SetState(ctx, TransactionStateTerminated)
	l.reg.RemoveClientTransaction(ctx, tx)
}

// OnRequest binds the handler to handled inbound requests.
// Handlers are called while the transaction key is locked.
func (l *Layer) OnRequest(fn RequestHandler) (unbind func()) {
	return l.onReq.Add(fn)
}

// OnResponse binds the handler to matched inbound responses.
// Handlers are called while the transaction key is locked.
func (l *Layer) OnResponse(fn ResponseHandler) (unbind func()) {
	return l.onRes.Add(fn)
}

// Close stops creation of new transactions and stops cancel timers.
// Existing transactions can still be matched. Close is safe to call multiple times.
func (l *Layer) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		for tx := range l.reg.ClientTransactions() {
			if inv, ok := tx.(*ClientInviteTransaction); ok {
				inv.StopCancelTimer()
			}
		}
		if l.unbindStats != nil {
			l.unbindStats()
		}
		l.log.LogAttrs(context.Background(), slog.LevelDebug, "transaction layer closed")
	})
}
