package yac

import (
	"fmt"

	"github.com/gitzhang10/yac/types"
)

// State is the progress of one round:
// WaitingProposal -> CollectingVotes -> Committed | Rejected.
type State interface {
	isState()
}

// WaitingProposal is a round without any counted vote.
type WaitingProposal struct{}

// CollectingVotes is an undecided round with at least one counted vote.
type CollectingVotes struct {
	Votes  int
	Groups int
}

// Committed is a round decided by a quorum. Own is false when the local peer
// voted for a different candidate, that is when the network committed a fork
// of the local choice.
type Committed struct {
	Commit *CommitMessage
	Own    bool
}

// Rejected is a round in which no candidate can reach quorum, or which was
// abandoned on timeout.
type Rejected struct {
	Reject   *RejectMessage
	TimedOut bool
}

func (WaitingProposal) isState() {}
func (CollectingVotes) isState() {}
func (Committed) isState()       {}
func (Rejected) isState()        {}

// OutcomeKind classifies a decided round.
type OutcomeKind int

const (
	// OutcomeCommit is a quorum on a block.
	OutcomeCommit OutcomeKind = iota
	// OutcomeReject means the caller moves to the next reject round.
	OutcomeReject
	// OutcomeNothing is a quorum on "no block".
	OutcomeNothing
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCommit:
		return "commit"
	case OutcomeReject:
		return "reject"
	case OutcomeNothing:
		return "nothing"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is emitted once per decided round.
type Outcome struct {
	Kind     OutcomeKind
	Round    types.Round
	Hash     YacHash
	Commit   *CommitMessage
	Reject   *RejectMessage
	Own      bool
	TimedOut bool
}

func (o Outcome) state() State {
	if o.Kind == OutcomeReject {
		return Rejected{Reject: o.Reject, TimedOut: o.TimedOut}
	}
	return Committed{Commit: o.Commit, Own: o.Own}
}

func commitOutcome(commit *CommitMessage, own bool) Outcome {
	kind := OutcomeCommit
	if commit.Hash().BlockHash.IsEmpty() {
		kind = OutcomeNothing
	}
	return Outcome{Kind: kind, Round: commit.Round(), Hash: commit.Hash(), Commit: commit, Own: own}
}

func rejectOutcome(round types.Round, reject *RejectMessage, timedOut bool) Outcome {
	return Outcome{Kind: OutcomeReject, Round: round, Reject: reject, TimedOut: timedOut}
}
