package sip_test

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/siptx/log"
	"github.com/ghettovoice/siptx/sip"
)

const (
	testCallID  sip.CallID = "call-42"
	testFromTag            = "t1"
	testHost               = "pc33.example.com"
)

// newRequest builds an out-of-dialog request sent by pc33.example.com over UDP.
func newRequest(method sip.RequestMethod, branch string) *sip.Request {
	return &sip.Request{
		Method: method,
		URI:    "sip:bob@example.com",
		Headers: sip.Headers{
			Via: []*sip.Via{{
				Transport: sip.TransportProtoUDP,
				Host:      testHost,
				Port:      5060,
				Branch:    branch,
			}},
			From:   &sip.NameAddr{URI: "sip:alice@example.com", Tag: testFromTag},
			To:     &sip.NameAddr{URI: "sip:bob@example.com"},
			CallID: testCallID,
			CSeq:   &sip.CSeq{SeqNum: 1, Method: method},
		},
	}
}

// newAck builds the ACK for a non-2xx final response to inv, it reuses the INVITE branch.
func newAck(inv *sip.Request, toTag string) *sip.Request {
	ack := inv.Clone()
	ack.Method = sip.RequestMethodAck
	ack.Headers.CSeq.Method = sip.RequestMethodAck
	ack.Headers.To.Tag = toTag
	return ack
}

// newCancel builds the CANCEL for inv as described in RFC 3261 section 9.1.
func newCancel(inv *sip.Request) *sip.Request {
	cancel := inv.Clone()
	cancel.Method = sip.RequestMethodCancel
	cancel.Headers.CSeq.Method = sip.RequestMethodCancel
	return cancel
}

func newServerTx(t *testing.T, req *sip.Request) sip.ServerTransaction {
	t.Helper()

	tx, err := sip.NewServerTransaction(sip.NextTransactionID(), req, &sip.TransactionOptions{Logger: log.Noop()})
	if err != nil {
		t.Fatalf("sip.NewServerTransaction(%s) error = %v, want nil", req.Method, err)
	}
	return tx
}

func newClientTx(t *testing.T, req *sip.Request) sip.ClientTransaction {
	t.Helper()

	tx, err := sip.NewClientTransaction(sip.NextTransactionID(), req, &sip.TransactionOptions{Logger: log.Noop()})
	if err != nil {
		t.Fatalf("sip.NewClientTransaction(%s) error = %v, want nil", req.Method, err)
	}
	return tx
}

func newTestRegistry() *sip.Registry {
	return sip.NewRegistry(&sip.RegistryOptions{Logger: log.Noop()})
}

func mustKey(t *testing.T, msg sip.Message) sip.TransactionKey {
	t.Helper()

	key, err := sip.ComputeTransactionKey(msg)
	if err != nil {
		t.Fatalf("sip.ComputeTransactionKey(msg) error = %v, want nil", err)
	}
	return key
}

func waitForState(t *testing.T, tx sip.Transaction, want sip.TransactionState, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tx.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("tx.State() = %q, want %q after %v", tx.State(), want, timeout)
}

func waitFor(t *testing.T, what string, cond func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("%s: condition not met after %v", what, timeout)
}

type stubConn struct {
	local, remote netip.AddrPort
}

func newStubConn(remote string) *stubConn {
	return &stubConn{
		local:  netip.MustParseAddrPort("33.33.33.33:5060"),
		remote: netip.MustParseAddrPort(remote),
	}
}

func (c *stubConn) LocalAddr() net.Addr  { return net.UDPAddrFromAddrPort(c.local) }
func (c *stubConn) RemoteAddr() net.Addr { return net.UDPAddrFromAddrPort(c.remote) }

type stateChange struct {
	from, to sip.TransactionState
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []stateChange
}

func recordStates(tx sip.Transaction) *stateRecorder {
	r := &stateRecorder{}
	tx.OnStateChanged(func(_ context.Context, _ sip.Transaction, from, to sip.TransactionState) {
		r.mu.Lock()
		r.changes = append(r.changes, stateChange{from, to})
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) states() []sip.TransactionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]sip.TransactionState, 0, len(r.changes))
	for _, c := range r.changes {
		states = append(states, c.to)
	}
	return states
}

// logRecorder is a [slog.Handler] that keeps the level and message of every record.
type logRecorder struct {
	mu   sync.Mutex
	recs []string
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec.Level.String()+" "+rec.Message)
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }

func (r *logRecorder) WithGroup(string) slog.Handler { return r }

func (r *logRecorder) records() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.recs)
}
