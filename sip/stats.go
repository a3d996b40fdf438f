package sip

import (
	"context"
	"sync/atomic"
	"time"
)

type StatsReport struct {
	Time         time.Time        `json:"time"`
	Transactions TransactionStats `json:"transactions"`
}

type TransactionStats struct {
	// InviteClientTransactions is a number of active invite client transactions.
	InviteClientTransactions uint64 `json:"invite_client_transactions"`
	// NonInviteClientTransactions is a number of active non-invite client transactions.
	NonInviteClientTransactions uint64 `json:"non_invite_client_transactions"`
	// InviteServerTransactions is a number of active invite server transactions.
	InviteServerTransactions uint64 `json:"invite_server_transactions"`
	// NonInviteServerTransactions is a number of active non-invite server transactions.
	NonInviteServerTransactions uint64 `json:"non_invite_server_transactions"`
	// InviteClientTransactionsTotal is a total number of stored invite client transactions.
	InviteClientTransactionsTotal uint64 `json:"invite_client_transactions_total"`
	// NonInviteClientTransactionsTotal is a total number of stored non-invite client transactions.
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	// InviteServerTransactionsTotal is a total number of stored invite server transactions.
	InviteServerTransactionsTotal uint64 `json:"invite_server_transactions_total"`
	// NonInviteServerTransactionsTotal is a total number of stored non-invite server transactions.
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
	// MatchedRequests is a number of inbound requests matched to an existing transaction.
	MatchedRequests uint64 `json:"matched_requests"`
	// MergedRequests is a number of inbound requests detected as merged.
	MergedRequests uint64 `json:"merged_requests"`
	// CancelsCorrelated is a number of inbound CANCEL requests matched to their INVITE.
	CancelsCorrelated uint64 `json:"cancels_correlated"`
	// StrayAcks is a number of inbound ACK requests that matched no transaction.
	StrayAcks uint64 `json:"stray_acks"`
}

// StatsRecorder records transaction statistics.
// The zero value is ready to use.
type StatsRecorder struct {
	invClnTxs,
	invSrvTxs,
	ninvClnTxs,
	ninvSrvTxs atomic.Int64

	invClnTxsTotal,
	invSrvTxsTotal,
	ninvClnTxsTotal,
	ninvSrvTxsTotal atomic.Uint64

	matched,
	merged,
	cancels,
	strayAcks atomic.Uint64
}

// Report returns statistics report.
// Call this function periodically to get updated values.
func (rcdr *StatsRecorder) Report() StatsReport {
	return StatsReport{
		Time: time.Now(),
		Transactions: TransactionStats{
			InviteClientTransactions:         nonNeg(rcdr.invClnTxs.Load()),
			NonInviteClientTransactions:      nonNeg(rcdr.ninvClnTxs.Load()),
			InviteServerTransactions:         nonNeg(rcdr.invSrvTxs.Load()),
			NonInviteServerTransactions:      nonNeg(rcdr.ninvSrvTxs.Load()),
			InviteClientTransactionsTotal:    rcdr.invClnTxsTotal.Load(),
			NonInviteClientTransactionsTotal: rcdr.ninvClnTxsTotal.Load(),
			InviteServerTransactionsTotal:    rcdr.invSrvTxsTotal.Load(),
			NonInviteServerTransactionsTotal: rcdr.ninvSrvTxsTotal.Load(),
			MatchedRequests:                  rcdr.matched.Load(),
			MergedRequests:                   rcdr.merged.Load(),
			CancelsCorrelated:                rcdr.cancels.Load(),
			StrayAcks:                        rcdr.strayAcks.Load(),
		},
	}
}

func nonNeg(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// BindRegistry starts counting transactions stored in and removed from reg.
func (rcdr *StatsRecorder) BindRegistry(reg *Registry) (unbind func()) {
	unbinds := []func(){
		reg.OnPutClientTransaction(rcdr.handlePutClnTx),
		reg.OnRemoveClientTransaction(rcdr.handleRemClnTx),
		reg.OnPutServerTransaction(rcdr.handlePutSrvTx),
		reg.OnRemoveServerTransaction(rcdr.handleRemSrvTx),
	}
	return func() {
		for _, fn := range unbinds {
			fn()
		}
	}
}

func (rcdr *StatsRecorder) handlePutClnTx(_ context.Context, tx ClientTransaction) {
	//nolint:exhaustive
	switch tx.Type() {
	case TransactionTypeClientInvite:
		rcdr.invClnTxs.Add(1)
		rcdr.invClnTxsTotal.Add(1)
	case TransactionTypeClientNonInvite:
		rcdr.ninvClnTxs.Add(1)
		rcdr.ninvClnTxsTotal.Add(1)
	}
}

func (rcdr *StatsRecorder) handleRemClnTx(_ context.Context, tx ClientTransaction) {
	//nolint:exhaustive
	switch tx.Type() {
	case TransactionTypeClientInvite:
		rcdr.invClnTxs.Add(-1)
	case TransactionTypeClientNonInvite:
		rcdr.ninvClnTxs.Add(-1)
	}
}

func (rcdr *StatsRecorder) handlePutSrvTx(_ context.Context, tx ServerTransaction) {
	//nolint:exhaustive
	switch tx.Type() {
	case TransactionTypeServerInvite:
		rcdr.invSrvTxs.Add(1)
		rcdr.invSrvTxsTotal.Add(1)
	case TransactionTypeServerNonInvite:
		rcdr.ninvSrvTxs.Add(1)
		rcdr.ninvSrvTxsTotal.Add(1)
	}
}

func (rcdr *StatsRecorder) handleRemSrvTx(_ context.Context, tx ServerTransaction) {
	//nolint:exhaustive
	switch tx.Type() {
	case TransactionTypeServerInvite:
		rcdr.invSrvTxs.Add(-1)
	case TransactionTypeServerNonInvite:
		rcdr.ninvSrvTxs.Add(-1)
	}
}

func (rcdr *StatsRecorder) recordRequest(kind RequestKind) {
	if rcdr == nil {
		return
	}
	//nolint:exhaustive
	switch kind {
	case RequestMatched:
		rcdr.matched.Add(1)
	case RequestMerged:
		rcdr.merged.Add(1)
	case RequestStrayAck:
		rcdr.strayAcks.Add(1)
	}
}

func (rcdr *StatsRecorder) recordCancel() {
	if rcdr == nil {
		return
	}
	rcdr.cancels.Add(1)
}
