package yac

import "errors"

var (
	ErrEngineStopped = errors.New("yac engine stopped")

	// Commit and reject message validation failures.
	ErrEmptyCommit       = errors.New("commit message has no votes")
	ErrSubQuorum         = errors.New("commit message below quorum")
	ErrMixedHashes       = errors.New("votes are for different hashes")
	ErrMixedRounds       = errors.New("votes are for different rounds")
	ErrUnknownSigner     = errors.New("vote signer is not in the peer set")
	ErrDuplicateSigner   = errors.New("duplicate vote signer")
	ErrBadSignature      = errors.New("invalid vote signature")
	ErrBadCertificate    = errors.New("invalid commit certificate")
	ErrRejectNotProven   = errors.New("votes do not prove a reject")
	ErrConflictingCommit = errors.New("conflicting commit for decided round")
)
