// Package sip implements SIP transaction identification and the transaction registry
// as defined in RFC 3261 sections 8.2.2.2 and 17.
//
// For every inbound request or response the package computes a [TransactionKey],
// finds the in-progress transaction it belongs to in a [Registry] or creates a new one,
// and detects merged requests using [MergedRequestKey]. The [Layer] ties these steps
// together and [Driver] runs the RFC 3261 transaction state tables on top of the
// state-holding contract of [Transaction].
//
// Message parsing and transport connection management are left to the caller:
// the package consumes already parsed [Request] and [Response] values and treats
// connections as opaque [Connection] handles.
package sip

//go:generate go tool errtrace -w .
