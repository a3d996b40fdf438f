package sip_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ghettovoice/siptx/log"
	"github.com/ghettovoice/siptx/sip"
)

func newServerTxFunc(req *sip.Request) func(id uint64) (sip.ServerTransaction, error) {
	return func(id uint64) (sip.ServerTransaction, error) {
		return sip.NewServerTransaction(id, req, &sip.TransactionOptions{Logger: log.Noop()})
	}
}

func TestNextTransactionID_Unique(t *testing.T) {
	t.Parallel()

	const (
		workers = 10
		perWkr  = 1000
	)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		ids   = make([][]uint64, workers)
	)
	for w := range workers {
		wg.Go(func() {
			<-start
			ids[w] = make([]uint64, 0, perWkr)
			for range perWkr {
				ids[w] = append(ids[w], sip.NextTransactionID())
			}
		})
	}
	close(start)
	wg.Wait()

	seen := make(map[uint64]struct{}, workers*perWkr)
	for _, part := range ids {
		for _, id := range part {
			if id == 0 {
				t.Fatalf("sip.NextTransactionID() = 0, want non-zero")
			}
			if _, ok := seen[id]; ok {
				t.Fatalf("sip.NextTransactionID() = %d allocated twice", id)
			}
			seen[id] = struct{}{}
		}
	}
	if got, want := len(seen), workers*perWkr; got != want {
		t.Errorf("distinct ids = %d, want %d", got, want)
	}
}

func TestRegistry_ByID(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	stx := newServerTx(t, newRequest(sip.RequestMethodInvite, "z9hG4bK.byid"))
	clnTx := newClientTx(t, newRequest(sip.RequestMethodInvite, "z9hG4bK.byid"))
	reg.PutServerTransaction(ctx, stx)
	reg.PutClientTransaction(ctx, clnTx)

	if got, err := reg.ServerTransaction(stx.ID()); err != nil || got != stx {
		t.Errorf("reg.ServerTransaction(%d) = %v, %v, want %v, nil", stx.ID(), got, err, stx)
	}
	if got, err := reg.ClientTransaction(clnTx.ID()); err != nil || got != clnTx {
		t.Errorf("reg.ClientTransaction(%d) = %v, %v, want %v, nil", clnTx.ID(), got, err, clnTx)
	}

	// Client and server spaces are independent.
	if _, err := reg.ClientTransaction(stx.ID()); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Errorf("reg.ClientTransaction(server id) error = %v, want %v", err, sip.ErrTransactionNotFound)
	}
	if _, err := reg.ServerTransaction(clnTx.ID()); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Errorf("reg.ServerTransaction(client id) error = %v, want %v", err, sip.ErrTransactionNotFound)
	}
	if tx, ok := reg.LookupClientTransaction(stx.Key()); !ok || tx != clnTx {
		t.Errorf("reg.LookupClientTransaction(key) = %v, %v, want %v, true", tx, ok, clnTx)
	}
}

func TestRegistry_LookupServerTransaction(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	req := newRequest(sip.RequestMethodInvite, "z9hG4bK.lookup")
	tx := newServerTx(t, req)
	reg.PutServerTransaction(ctx, tx)
	key := tx.Key()

	if got, ok := reg.LookupServerTransaction(key, req.Clone()); !ok || got != tx {
		t.Errorf("reg.LookupServerTransaction(key, retransmission) = %v, %v, want %v, true", got, ok, tx)
	}
	if got, ok := reg.LookupServerTransaction(key, nil); !ok || got != tx {
		t.Errorf("reg.LookupServerTransaction(key, nil) = %v, %v, want %v, true", got, ok, tx)
	}

	collision := req.Clone()
	collision.Headers.CallID = "other-dialog"
	if got, ok := reg.LookupServerTransaction(key, collision); ok {
		t.Errorf("reg.LookupServerTransaction(key, other Call-ID) = %v, true, want nil, false", got)
	}

	miss := mustKey(t, newRequest(sip.RequestMethodInvite, "z9hG4bK.miss"))
	if got, ok := reg.LookupServerTransaction(miss, nil); ok {
		t.Errorf("reg.LookupServerTransaction(miss) = %v, true, want nil, false", got)
	}
}

func TestRegistry_LoadOrStoreServerTransaction_Concurrent(t *testing.T) {
	t.Parallel()

	const n = 32

	ctx := t.Context()
	reg := newTestRegistry()
	req := newRequest(sip.RequestMethodInvite, "z9hG4bK.race")

	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		txs    = make([]sip.ServerTransaction, n)
		status = make([]sip.LoadStatus, n)
		errs   = make([]error, n)
	)
	for i := range n {
		wg.Go(func() {
			in := req.Clone()
			<-start
			txs[i], status[i], errs[i] = reg.LoadOrStoreServerTransaction(ctx, in, newServerTxFunc(in))
		})
	}
	close(start)
	wg.Wait()

	var stored int
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("reg.LoadOrStoreServerTransaction() error = %v, want nil", errs[i])
		}
		if txs[i] != txs[0] {
			t.Errorf("call %d got transaction %d, want %d", i, txs[i].ID(), txs[0].ID())
		}
		switch status[i] {
		case sip.LoadStatusStored:
			stored++
		case sip.LoadStatusFound:
		default:
			t.Errorf("call %d status = %v, want stored or found", i, status[i])
		}
	}
	if stored != 1 {
		t.Errorf("stored transactions = %d, want 1", stored)
	}
	if got := reg.NumServerTransactions(); got != 1 {
		t.Errorf("reg.NumServerTransactions() = %d, want 1", got)
	}
}

func TestRegistry_LoadOrStoreServerTransaction_Merged(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	first := newRequest(sip.RequestMethodInvite, "z9hG4bK.fork1")
	tx, status, err := reg.LoadOrStoreServerTransaction(ctx, first, newServerTxFunc(first))
	if err != nil || status != sip.LoadStatusStored {
		t.Fatalf("reg.LoadOrStoreServerTransaction(first) = _, %v, %v, want stored, nil", status, err)
	}

	second := newRequest(sip.RequestMethodInvite, "z9hG4bK.fork2")
	second.Headers.Via[0].Host = "proxy2.example.com"
	got, status, err := reg.LoadOrStoreServerTransaction(ctx, second, func(uint64) (sip.ServerTransaction, error) {
		t.Fatal("newTx called for merged request")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("reg.LoadOrStoreServerTransaction(second) error = %v, want nil", err)
	}
	if status != sip.LoadStatusMerged || got != tx {
		t.Errorf("reg.LoadOrStoreServerTransaction(second) = %v, %v, want %v, merged", got, status, tx)
	}
	if n := reg.NumServerTransactions(); n != 1 {
		t.Errorf("reg.NumServerTransactions() = %d, want 1", n)
	}

	// An in-dialog request never merges.
	inDialog := second.Clone()
	inDialog.Headers.To.Tag = "remote"
	if _, status, err := reg.LoadOrStoreServerTransaction(ctx, inDialog, newServerTxFunc(inDialog)); err != nil || status != sip.LoadStatusStored {
		t.Errorf("reg.LoadOrStoreServerTransaction(in-dialog) = _, %v, %v, want stored, nil", status, err)
	}
}

func TestRegistry_LoadOrStoreServerTransaction_Errors(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	noVia := newRequest(sip.RequestMethodInvite, "z9hG4bK.e")
	noVia.Headers.Via = nil
	if _, _, err := reg.LoadOrStoreServerTransaction(ctx, noVia, newServerTxFunc(noVia)); !errors.Is(err, sip.ErrMalformedMessage) {
		t.Errorf("reg.LoadOrStoreServerTransaction(no Via) error = %v, want %v", err, sip.ErrMalformedMessage)
	}

	errBoom := errors.New("boom")
	req := newRequest(sip.RequestMethodInvite, "z9hG4bK.e")
	_, _, err := reg.LoadOrStoreServerTransaction(ctx, req, func(uint64) (sip.ServerTransaction, error) {
		return nil, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("reg.LoadOrStoreServerTransaction(failing newTx) error = %v, want %v", err, errBoom)
	}

	other := newRequest(sip.RequestMethodInvite, "z9hG4bK.unrelated")
	if _, _, err := reg.LoadOrStoreServerTransaction(ctx, req, newServerTxFunc(other)); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Errorf("reg.LoadOrStoreServerTransaction(key mismatch) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if n := reg.NumServerTransactions(); n != 0 {
		t.Errorf("reg.NumServerTransactions() = %d, want 0", n)
	}
}

func TestRegistry_LoadOrStoreClientTransaction(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()
	req := newRequest(sip.RequestMethodRegister, "z9hG4bK.clos")
	key := mustKey(t, req)
	newTx := func(id uint64) (sip.ClientTransaction, error) {
		return sip.NewClientTransaction(id, req, &sip.TransactionOptions{Logger: log.Noop()})
	}

	tx, loaded, err := reg.LoadOrStoreClientTransaction(ctx, key, newTx)
	if err != nil || loaded {
		t.Fatalf("reg.LoadOrStoreClientTransaction() = _, %v, %v, want false, nil", loaded, err)
	}
	again, loaded, err := reg.LoadOrStoreClientTransaction(ctx, key, newTx)
	if err != nil || !loaded || again != tx {
		t.Errorf("reg.LoadOrStoreClientTransaction() = %v, %v, %v, want %v, true, nil", again, loaded, err, tx)
	}

	otherKey := mustKey(t, newRequest(sip.RequestMethodRegister, "z9hG4bK.other"))
	if _, _, err := reg.LoadOrStoreClientTransaction(ctx, otherKey, newTx); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Errorf("reg.LoadOrStoreClientTransaction(key mismatch) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
}

func TestRegistry_MergedRequestLifecycle(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	tx := newServerTx(t, newRequest(sip.RequestMethodInvite, "z9hG4bK.life"))
	mk, _ := tx.MergedRequestKey()

	if reg.IsMergedServerTransaction(mk) {
		t.Fatalf("reg.IsMergedServerTransaction(mk) = true before put, want false")
	}
	reg.PutServerTransaction(ctx, tx)
	if !reg.IsMergedServerTransaction(mk) {
		t.Errorf("reg.IsMergedServerTransaction(mk) = false after put, want true")
	}

	if !reg.RemoveServerTransaction(ctx, tx) {
		t.Errorf("reg.RemoveServerTransaction(tx) = false, want true")
	}
	if reg.IsMergedServerTransaction(mk) {
		t.Errorf("reg.IsMergedServerTransaction(mk) = true after remove, want false")
	}
	if reg.RemoveServerTransaction(ctx, tx) {
		t.Errorf("second reg.RemoveServerTransaction(tx) = true, want false")
	}
	if n := reg.NumMergedRequestKeys(); n != 0 {
		t.Errorf("reg.NumMergedRequestKeys() = %d, want 0", n)
	}
}

func TestRegistry_PutOverwrites(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	req := newRequest(sip.RequestMethodOptions, "z9hG4bK.dup")
	tx1 := newServerTx(t, req)
	tx2 := newServerTx(t, req.Clone())

	if reg.PutServerTransaction(ctx, tx1) {
		t.Errorf("reg.PutServerTransaction(tx1) = true, want false")
	}
	if reg.PutServerTransaction(ctx, tx1) {
		t.Errorf("reg.PutServerTransaction(tx1) again = true, want false")
	}
	if !reg.PutServerTransaction(ctx, tx2) {
		t.Errorf("reg.PutServerTransaction(tx2 with same key) = false, want true")
	}
	if got, _ := reg.LookupServerTransaction(tx1.Key(), nil); got != tx2 {
		t.Errorf("reg.LookupServerTransaction(key) = %v, want %v", got, tx2)
	}

	// Removing the overwritten transaction keeps the entries of the new owner.
	if !reg.RemoveServerTransaction(ctx, tx1) {
		t.Errorf("reg.RemoveServerTransaction(tx1) = false, want true")
	}
	if got, ok := reg.LookupServerTransaction(tx1.Key(), nil); !ok || got != tx2 {
		t.Errorf("reg.LookupServerTransaction(key) after removing tx1 = %v, %v, want %v, true", got, ok, tx2)
	}
	mk, _ := tx2.MergedRequestKey()
	if !reg.IsMergedServerTransaction(mk) {
		t.Errorf("reg.IsMergedServerTransaction(mk) = false, want true while tx2 is live")
	}

	clnTx1 := newClientTx(t, req)
	clnTx2 := newClientTx(t, req.Clone())
	reg.PutClientTransaction(ctx, clnTx1)
	if !reg.PutClientTransaction(ctx, clnTx2) {
		t.Errorf("reg.PutClientTransaction(clnTx2 with same key) = false, want true")
	}
}

func TestRegistry_Remove_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()
	tx := newClientTx(t, newRequest(sip.RequestMethodBye, "z9hG4bK.rm"))
	reg.PutClientTransaction(ctx, tx)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	for range 8 {
		wg.Go(func() {
			if reg.RemoveClientTransaction(ctx, tx) {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if removed != 1 {
		t.Errorf("successful removals = %d, want 1", removed)
	}
	if n := reg.NumClientTransactions(); n != 0 {
		t.Errorf("reg.NumClientTransactions() = %d, want 0", n)
	}
}

func TestRegistry_Callbacks(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	var puts, rems []uint64
	reg.OnPutServerTransaction(func(_ context.Context, tx sip.ServerTransaction) { puts = append(puts, tx.ID()) })
	unbind := reg.OnRemoveServerTransaction(func(_ context.Context, tx sip.ServerTransaction) { rems = append(rems, tx.ID()) })

	tx1 := newServerTx(t, newRequest(sip.RequestMethodInvite, "z9hG4bK.cb1"))
	tx2 := newServerTx(t, newRequest(sip.RequestMethodMessage, "z9hG4bK.cb2"))
	reg.PutServerTransaction(ctx, tx1)
	reg.PutServerTransaction(ctx, tx2)
	reg.RemoveServerTransaction(ctx, tx1)
	reg.RemoveServerTransaction(ctx, tx1)
	unbind()
	reg.RemoveServerTransaction(ctx, tx2)

	if len(puts) != 2 || puts[0] != tx1.ID() || puts[1] != tx2.ID() {
		t.Errorf("put callbacks = %v, want [%d %d]", puts, tx1.ID(), tx2.ID())
	}
	if len(rems) != 1 || rems[0] != tx1.ID() {
		t.Errorf("remove callbacks = %v, want [%d]", rems, tx1.ID())
	}
}

func TestRegistry_Snapshots(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()
	for _, b := range []string{"z9hG4bK.s1", "z9hG4bK.s2", "z9hG4bK.s3"} {
		reg.PutClientTransaction(ctx, newClientTx(t, newRequest(sip.RequestMethodOptions, b)))
	}

	var n int
	for tx := range reg.ClientTransactions() {
		// Removal while iterating does not affect the snapshot.
		reg.RemoveClientTransaction(ctx, tx)
		n++
	}
	if n != 3 {
		t.Errorf("iterated client transactions = %d, want 3", n)
	}
	if got := reg.NumClientTransactions(); got != 0 {
		t.Errorf("reg.NumClientTransactions() = %d, want 0", got)
	}
	for range reg.ServerTransactions() {
		t.Errorf("reg.ServerTransactions() yielded a transaction, want none")
	}
}

func TestRegistry_CorrelateCancelToInvite(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	inv := newRequest(sip.RequestMethodInvite, "z9hG4bK.c2i")
	tx := newServerTx(t, inv)
	reg.PutServerTransaction(ctx, tx)

	if _, err := reg.CorrelateCancelToInvite(ctx, inv); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Errorf("reg.CorrelateCancelToInvite(INVITE) error = %v, want %v", err, sip.ErrInvalidArgument)
	}

	stray := newCancel(newRequest(sip.RequestMethodInvite, "z9hG4bK.none"))
	if _, err := reg.CorrelateCancelToInvite(ctx, stray); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Errorf("reg.CorrelateCancelToInvite(stray) error = %v, want %v", err, sip.ErrTransactionNotFound)
	}
	if _, ok := stray.OriginTransactionID(); ok {
		t.Errorf("stray.OriginTransactionID() = _, true, want false")
	}

	otherSeq := newCancel(inv)
	otherSeq.Headers.CSeq.SeqNum = 7
	if _, err := reg.CorrelateCancelToInvite(ctx, otherSeq); !errors.Is(err, sip.ErrTransactionNotFound) {
		t.Errorf("reg.CorrelateCancelToInvite(other CSeq) error = %v, want %v", err, sip.ErrTransactionNotFound)
	}
}

func TestRegistry_InviteFromCancel(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	inv := newRequest(sip.RequestMethodInvite, "z9hG4bK.ifc")
	tx := newClientTx(t, inv)
	reg.PutClientTransaction(ctx, tx)

	if got, ok := reg.InviteFromCancel(newCancel(inv)); !ok || got != tx {
		t.Errorf("reg.InviteFromCancel(CANCEL) = %v, %v, want %v, true", got, ok, tx)
	}
	if got, ok := reg.InviteFromCancel(inv); ok {
		t.Errorf("reg.InviteFromCancel(INVITE) = %v, true, want nil, false", got)
	}
	if got, ok := reg.InviteFromCancel(newCancel(newRequest(sip.RequestMethodInvite, "z9hG4bK.other"))); ok {
		t.Errorf("reg.InviteFromCancel(stray) = %v, true, want nil, false", got)
	}
}

// TestRegistry_Scenarios walks an INVITE through retransmission, CANCEL and forking.
func TestRegistry_Scenarios(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	reg := newTestRegistry()

	inv := newRequest(sip.RequestMethodInvite, "z9hG4bK.abc")
	key := mustKey(t, inv)

	// Scenario 1: the first request misses, a retransmission matches the same transaction.
	if _, ok := reg.LookupServerTransaction(key, inv); ok {
		t.Fatalf("reg.LookupServerTransaction(INVITE) hit before put, want miss")
	}
	tx := newServerTx(t, inv)
	if got, want := tx.State(), sip.TransactionStateInit; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	reg.PutServerTransaction(ctx, tx)
	tx.SetState(ctx, sip.TransactionStateProceeding)

	retr := inv.Clone()
	got, ok := reg.LookupServerTransaction(mustKey(t, retr), retr)
	if !ok || got != tx {
		t.Fatalf("reg.LookupServerTransaction(retransmission) = %v, %v, want %v, true", got, ok, tx)
	}
	if got.State() != sip.TransactionStateProceeding {
		t.Errorf("matched tx.State() = %q, want %q", got.State(), sip.TransactionStateProceeding)
	}

	// Scenario 2: CANCEL with the same branch is correlated to the INVITE.
	cancel := newCancel(inv)
	invTx, err := reg.CorrelateCancelToInvite(ctx, cancel)
	if err != nil {
		t.Fatalf("reg.CorrelateCancelToInvite(CANCEL) error = %v, want nil", err)
	}
	if invTx != tx {
		t.Errorf("reg.CorrelateCancelToInvite(CANCEL) = %v, want %v", invTx, tx)
	}
	if id, ok := cancel.OriginTransactionID(); !ok || id != tx.ID() {
		t.Errorf("cancel.OriginTransactionID() = %d, %v, want %d, true", id, ok, tx.ID())
	}

	// Scenario 3: a forked copy with another branch is detected as merged.
	forked := newRequest(sip.RequestMethodInvite, "z9hG4bK.xyz")
	mk1, _ := sip.ComputeMergedRequestKey(inv)
	mk2, err := sip.ComputeMergedRequestKey(forked)
	if err != nil {
		t.Fatalf("sip.ComputeMergedRequestKey(forked) error = %v, want nil", err)
	}
	if mk1 != mk2 {
		t.Errorf("merged keys differ: %v and %v", mk1, mk2)
	}
	if !reg.IsMergedServerTransaction(mk2) {
		t.Errorf("reg.IsMergedServerTransaction(forked key) = false, want true")
	}
	if _, ok := reg.LookupServerTransaction(mustKey(t, forked), forked); ok {
		t.Errorf("reg.LookupServerTransaction(forked) hit, want miss")
	}
}
