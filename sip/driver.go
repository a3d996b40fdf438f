package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/siptx/internal/errorutil"
	"github.com/ghettovoice/siptx/internal/timeutil"
	"github.com/ghettovoice/siptx/log"
)

// TransactionEvent is a trigger of a transaction state machine.
type TransactionEvent string

const (
	EventStart          TransactionEvent = "start"
	EventRecv1xx        TransactionEvent = "recv_1xx"
	EventRecv2xx        TransactionEvent = "recv_2xx"
	EventRecv300699     TransactionEvent = "recv_300-699"
	EventRecvRequest    TransactionEvent = "recv_req"
	EventRecvAck        TransactionEvent = "recv_ack"
	EventSend1xx        TransactionEvent = "send_1xx"
	EventSend2xx        TransactionEvent = "send_2xx"
	EventSend300699     TransactionEvent = "send_300-699"
	EventTimeout        TransactionEvent = "timeout"
	EventTransportError TransactionEvent = "transport_error"
	EventTerminate      TransactionEvent = "terminate"
)

// DriverOptions are the options for a [Driver].
type DriverOptions struct {
	// Timings is the SIP timing config.
	// If zero, the default SIP timing config is used.
	Timings TimingConfig
	// CleanupDelay is how long a terminated transaction stays in the registry.
	// If 0, it is removed right away. If negative, it is never removed by the driver.
	CleanupDelay time.Duration
	// Logger is the logger.
	// If nil, the [log.Default] is used.
	Logger *slog.Logger
}

func (o *DriverOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *DriverOptions) cleanupDelay() time.Duration {
	if o == nil {
		return 0
	}
	return o.CleanupDelay
}

func (o *DriverOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// Driver runs the RFC 3261 section 17 state machines of transactions, RFC 6026 patches included.
//
// The state is stored in the transaction itself through [Transaction.SetState], the driver only
// validates transitions and runs state timers. When a transaction terminates, the driver removes
// it from the registry after the cleanup delay. Retransmission timers are not run.
type Driver struct {
	reg     *Registry
	timings TimingConfig
	cleanup time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	machines map[uint64]*txMachine
	closed   bool
}

// NewDriver creates a new [Driver] that removes terminated transactions from reg.
// Options are optional, if nil, default values are used (see [DriverOptions]).
func NewDriver(reg *Registry, opts *DriverOptions) *Driver {
	return &Driver{
		reg:      reg,
		timings:  opts.timings(),
		cleanup:  opts.cleanupDelay(),
		log:      opts.log(),
		machines: make(map[uint64]*txMachine),
	}
}

// Start fires [EventStart] and moves the transaction into its first state.
// It fails with [ErrTransactionInitiated] if the transaction has already left the init state.
func (d *Driver) Start(ctx context.Context, tx Transaction) error {
	if tx.HasInitiated() {
		return errtrace.Wrap(ErrTransactionInitiated)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed, "driver closed"))
	}
	if _, ok := d.machines[tx.ID()]; ok {
		d.mu.Unlock()
		return errtrace.Wrap(ErrTransactionInitiated)
	}
	m := d.newMachine(tx)
	d.machines[tx.ID()] = m
	d.mu.Unlock()

	return errtrace.Wrap(m.fire(ctx, EventStart))
}

// Fire fires the event on the transaction state machine.
// It fails with [ErrTransactionNotFound] if the transaction was not started by the driver
// and with [ErrActionNotAllowed] if the event is not allowed in the current state.
func (d *Driver) Fire(ctx context.Context, tx Transaction, evt TransactionEvent) error {
	d.mu.Lock()
	m, ok := d.machines[tx.ID()]
	d.mu.Unlock()
	if !ok {
		return errtrace.Wrap(errorNotFound(string(tx.Type()), tx.ID()))
	}
	return errtrace.Wrap(m.fire(ctx, evt))
}

// RecvResponse fires the event matching the response status.
func (d *Driver) RecvResponse(ctx context.Context, tx ClientTransaction, res *Response) error {
	switch {
	case res.IsProvisional():
		return errtrace.Wrap(d.Fire(ctx, tx, EventRecv1xx))
	case res.IsSuccessful():
		return errtrace.Wrap(d.Fire(ctx, tx, EventRecv2xx))
	default:
		return errtrace.Wrap(d.Fire(ctx, tx, EventRecv300699))
	}
}

// SendResponse fires the event matching the response status.
func (d *Driver) SendResponse(ctx context.Context, tx ServerTransaction, res *Response) error {
	switch {
	case res.IsProvisional():
		return errtrace.Wrap(d.Fire(ctx, tx, EventSend1xx))
	case res.IsSuccessful():
		return errtrace.Wrap(d.Fire(ctx, tx, EventSend2xx))
	default:
		return errtrace.Wrap(d.Fire(ctx, tx, EventSend300699))
	}
}

// RecvRequest fires [EventRecvAck] for ACK and [EventRecvRequest] for retransmissions.
func (d *Driver) RecvRequest(ctx context.Context, tx ServerTransaction, req *Request) error {
	if req.Method.Equal(RequestMethodAck) {
		return errtrace.Wrap(d.Fire(ctx, tx, EventRecvAck))
	}
	return errtrace.Wrap(d.Fire(ctx, tx, EventRecvRequest))
}

// Len returns the number of transactions driven by the driver.
func (d *Driver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.machines)
}

// Close stops all timers and forgets all transactions.
// Transactions keep their current state.
func (d *Driver) Close() {
	d.mu.Lock()
	machines := d.machines
	d.machines = make(map[uint64]*txMachine)
	d.closed = true
	d.mu.Unlock()

	for _, m := range machines {
		m.stopTimers()
	}
}

func (d *Driver) forget(m *txMachine) {
	d.mu.Lock()
	if cur, ok := d.machines[m.tx.ID()]; ok && cur == m {
		delete(d.machines, m.tx.ID())
	}
	d.mu.Unlock()
}

type txMachine struct {
	drv      *Driver
	tx       Transaction
	fsm      *stateless.StateMachine
	reliable bool

	mu         sync.Mutex
	tmr        atomic.Pointer[timeutil.Timer]
	tmrGen     atomic.Uint64 // bumped on every arm and stop, expired timers of older generations are ignored
	tmrCleanup atomic.Pointer[timeutil.Timer]
}

func (d *Driver) newMachine(tx Transaction) *txMachine {
	m := &txMachine{drv: d, tx: tx}
	if via, ok := tx.Request().Headers.FirstVia(); ok {
		m.reliable = via.Transport.IsReliable()
	}

	m.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return tx.State(), nil
		},
		func(ctx context.Context, state stateless.State) error {
			tx.SetState(ctx, state.(TransactionState)) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringQueued,
	)
	m.fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed, "%v in state %v", trigger, state))
	})

	switch tx.Type() {
	case TransactionTypeClientInvite:
		m.configClientInvite()
	case TransactionTypeClientNonInvite:
		m.configClientNonInvite()
	case TransactionTypeServerInvite:
		m.configServerInvite()
	case TransactionTypeServerNonInvite:
		m.configServerNonInvite()
	}

	m.fsm.Configure(TransactionStateTerminated).
		OnEntry(m.actTerminated)

	return m
}

// configClientInvite configures the state machine of RFC 3261 section 17.1.1.2, RFC 6026 section 7.2.
func (m *txMachine) configClientInvite() {
	m.fsm.Configure(TransactionStateInit).
		Permit(EventStart, TransactionStateCalling)

	m.fsm.Configure(TransactionStateCalling).
		OnEntry(m.actArmTimer).
		Permit(EventRecv1xx, TransactionStateProceeding).
		Permit(EventRecv2xx, TransactionStateAccepted).
		Permit(EventRecv300699, TransactionStateCompleted).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateProceeding).
		OnEntry(m.actStopTimer).
		Ignore(EventRecv1xx).
		Permit(EventRecv2xx, TransactionStateAccepted).
		Permit(EventRecv300699, TransactionStateCompleted).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateCompleted).
		OnEntry(m.actArmTimer).
		Ignore(EventRecv300699).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateAccepted).
		OnEntry(m.actArmTimer).
		Ignore(EventRecv2xx).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)
}

// configClientNonInvite configures the state machine of RFC 3261 section 17.1.2.2.
// Timer F started in trying keeps running in proceeding.
func (m *txMachine) configClientNonInvite() {
	m.fsm.Configure(TransactionStateInit).
		Permit(EventStart, TransactionStateTrying)

	m.fsm.Configure(TransactionStateTrying).
		OnEntry(m.actArmTimer).
		Permit(EventRecv1xx, TransactionStateProceeding).
		Permit(EventRecv2xx, TransactionStateCompleted).
		Permit(EventRecv300699, TransactionStateCompleted).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateProceeding).
		Ignore(EventRecv1xx).
		Permit(EventRecv2xx, TransactionStateCompleted).
		Permit(EventRecv300699, TransactionStateCompleted).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateCompleted).
		OnEntry(m.actArmTimer).
		Ignore(EventRecv1xx).
		Ignore(EventRecv2xx).
		Ignore(EventRecv300699).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)
}

// configServerInvite configures the state machine of RFC 3261 section 17.2.1, RFC 6026 section 7.1.
func (m *txMachine) configServerInvite() {
	m.fsm.Configure(TransactionStateInit).
		Permit(EventStart, TransactionStateProceeding)

	m.fsm.Configure(TransactionStateProceeding).
		Ignore(EventRecvRequest).
		Ignore(EventSend1xx).
		Permit(EventSend2xx, TransactionStateAccepted).
		Permit(EventSend300699, TransactionStateCompleted).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateCompleted).
		OnEntry(m.actArmTimer).
		Ignore(EventRecvRequest).
		Permit(EventRecvAck, TransactionStateConfirmed).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateConfirmed).
		OnEntry(m.actArmTimer).
		Ignore(EventRecvRequest).
		Ignore(EventRecvAck).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateAccepted).
		OnEntry(m.actArmTimer).
		Ignore(EventRecvRequest).
		Ignore(EventRecvAck).
		Ignore(EventSend2xx).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)
}

// configServerNonInvite configures the state machine of RFC 3261 section 17.2.2.
func (m *txMachine) configServerNonInvite() {
	m.fsm.Configure(TransactionStateInit).
		Permit(EventStart, TransactionStateTrying)

	m.fsm.Configure(TransactionStateTrying).
		Ignore(EventRecvRequest).
		Permit(EventSend1xx, TransactionStateProceeding).
		Permit(EventSend2xx, TransactionStateCompleted).
		Permit(EventSend300699, TransactionStateCompleted).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateProceeding).
		Ignore(EventRecvRequest).
		Ignore(EventSend1xx).
		Permit(EventSend2xx, TransactionStateCompleted).
		Permit(EventSend300699, TransactionStateCompleted).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)

	m.fsm.Configure(TransactionStateCompleted).
		OnEntry(m.actArmTimer).
		Ignore(EventRecvRequest).
		Permit(EventTimeout, TransactionStateTerminated).
		Permit(EventTransportError, TransactionStateTerminated).
		Permit(EventTerminate, TransactionStateTerminated)
}

func (m *txMachine) fire(ctx context.Context, evt TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return errtrace.Wrap(m.fsm.FireCtx(ctx, evt))
}

func (m *txMachine) actArmTimer(ctx context.Context, _ ...any) error {
	state := m.tx.State()
	d, ok := m.drv.timings.StateTimeout(m.tx.Type(), state, m.reliable)
	if !ok {
		m.actStopTimer(ctx) //nolint:errcheck
		return nil
	}

	gen := m.tmrGen.Add(1)
	tmr := timeutil.AfterFunc(d, func() { m.onTimeout(gen) })
	if prev := m.tmr.Swap(tmr); prev != nil {
		prev.Stop()
	}

	m.drv.log.LogAttrs(ctx, slog.LevelDebug, "state timer started",
		slog.Any("transaction", m.tx),
		slog.Duration("duration", d),
	)
	return nil
}

func (m *txMachine) actStopTimer(ctx context.Context, _ ...any) error {
	m.tmrGen.Add(1)
	if tmr := m.tmr.Swap(nil); tmr != nil && tmr.Stop() {
		m.drv.log.LogAttrs(ctx, slog.LevelDebug, "state timer stopped", slog.Any("transaction", m.tx))
	}
	return nil
}

// onTimeout fires EventTimeout if the timer of generation gen is still the current one.
// A timer armed in one state keeps running through states without own timer,
// e.g. Timer F of non-INVITE client transaction runs in trying and proceeding.
func (m *txMachine) onTimeout(gen uint64) {
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tmrGen.Load() != gen {
		return
	}

	m.drv.log.LogAttrs(ctx, slog.LevelDebug, "state timer expired", slog.Any("transaction", m.tx))

	if err := m.fsm.FireCtx(ctx, EventTimeout); err != nil {
		m.drv.log.LogAttrs(ctx, slog.LevelWarn, "failed to fire timeout",
			slog.Any("transaction", m.tx),
			slog.Any("error", err),
		)
	}
}

func (m *txMachine) actTerminated(ctx context.Context, _ ...any) error {
	m.actStopTimer(ctx) //nolint:errcheck
	if inv, ok := m.tx.(*ClientInviteTransaction); ok {
		inv.StopCancelTimer()
	}

	switch delay := m.drv.cleanup; {
	case delay < 0:
		m.drv.forget(m)
	case delay == 0:
		m.remove(ctx)
	default:
		m.tmrCleanup.Store(timeutil.AfterFunc(delay, func() { m.remove(context.Background()) }))
	}
	return nil
}

func (m *txMachine) remove(ctx context.Context) {
	m.drv.forget(m)

	switch tx := m.tx.(type) {
	case ClientTransaction:
		m.drv.reg.RemoveClientTransaction(ctx, tx)
	case ServerTransaction:
		m.drv.reg.RemoveServerTransaction(ctx, tx)
	}
}

func (m *txMachine) stopTimers() {
	m.tmr.Swap(nil).Stop()
	m.tmrCleanup.Swap(nil).Stop()
}
