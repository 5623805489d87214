/*
Package cdb models the configuration database: the external, opaque
asynchronous request/callback transport that the writer persists attributes
into. The real CDB (and its wire schema) is explicitly out of scope for
attrd's core — this package defines only the narrow Client interface the
writer depends on, plus a bbolt-backed reference implementation suitable for
tests and single-node deployments.
*/
package cdb

import "context"

// Tag opaquely identifies one outstanding write request. The writer treats
// it as an unordered token: a tag older than the most recently completed
// write is assumed lost (see the writer package's retry-on-lost-write rule).
type Tag string

// ResultCode classifies the outcome of a CDB write.
type ResultCode int

const (
	// OK indicates the write was applied.
	OK ResultCode = iota
	// ErrDiffFailed indicates the batch could not be applied against the
	// CDB's current state (e.g. it changed while syncing).
	ErrDiffFailed
	// ErrElectionInProgress indicates the CDB's own coordinator is mid
	// election and cannot accept writes right now.
	ErrElectionInProgress
	// ErrDesync indicates the CDB is resynchronizing a newer configuration
	// from a node that just came up.
	ErrDesync
	// ErrOther is any other failure not otherwise classified.
	ErrOther
)

// Retryable reports whether a write returning this code should be retried.
// Every non-OK code produced by this package is retryable; a CDB
// implementation that can fail permanently would extend this set.
func (rc ResultCode) Retryable() bool {
	return rc != OK
}

func (rc ResultCode) String() string {
	switch rc {
	case OK:
		return "ok"
	case ErrDiffFailed:
		return "diff-failed"
	case ErrElectionInProgress:
		return "election-in-progress"
	case ErrDesync:
		return "desync"
	default:
		return "other"
	}
}

// Element is one NVPAIR-equivalent entry in a write batch: a single
// attribute's value for a single peer.
type Element struct {
	PeerID string // the peer's durable id (NODE_STATE id)
	SetID  string
	KeyID  string
	Name   string
	Value  string
	Delete bool // true for an element-level delete
}

// WriteRequest is one batched attribute-level write, potentially covering
// several peers' values for the same attribute.
type WriteRequest struct {
	Identity string // access-control identity the write is performed under
	Elements []Element
	// Mixed flags the request as containing at least one delete, so a CDB
	// that does not understand element-level deletes still applies it
	// compatibly (see the module's CDB options design note).
	Mixed bool
}

// Callback receives the outcome of a previously submitted write. It may be
// invoked on any goroutine and in any order relative to other callbacks.
type Callback func(tag Tag, rc ResultCode, err error)

// Client is the narrow surface the writer needs from a configuration
// database. A real deployment's CDB client library satisfies this with a
// networked transport; tests use the in-process Bolt-backed implementation
// in this package.
type Client interface {
	// Write submits req asynchronously and returns the tag that will be
	// passed to cb once the write completes (successfully or not).
	Write(ctx context.Context, req WriteRequest, cb Callback) (Tag, error)
	Close() error
}
