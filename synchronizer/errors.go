package synchronizer

import "errors"

var (
	// ErrStorageConflict means Insert refused a height the synchronizer had
	// just cleared or never held. It aborts the pass.
	ErrStorageConflict = errors.New("storage already holds a block at height")
	ErrStopped         = errors.New("synchronizer stopped")

	// Fetch failures; each makes the synchronizer move on to the next peer.
	ErrNoProgress      = errors.New("peer returned no blocks")
	ErrBrokenLinkage   = errors.New("fetched blocks are not linked")
	ErrTargetMismatch  = errors.New("fetched chain does not end at the decided block")
	ErrUnexpectedBlock = errors.New("peer returned a block outside the requested range")
	ErrNoValidPeer     = errors.New("no peer served the decided chain")
)

// Reasons reported in Status and in the stall metric.
const (
	ReasonNoValidPeer      = "no_valid_peer_response"
	ReasonConflictingChain = "conflicting_chain"
	ReasonStorageConflict  = "storage_conflict"
	ReasonStorageError     = "storage_error"
	ReasonLedgerRevert     = "ledger_revert"
)
