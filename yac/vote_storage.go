package yac

import (
	"github.com/gitzhang10/yac/types"
)

// Reasons a vote is dropped by the tally. They label the dropped-votes metric.
const (
	dropUnknownSigner = "unknown_signer"
	dropWrongRound    = "wrong_round"
	dropDuplicate     = "duplicate"
	dropEquivocation  = "equivocation"
	dropBadSignature  = "bad_signature"
	dropStale         = "stale_round"
	dropTooManyRounds = "too_many_rounds"
)

// roundTally accumulates the votes of one round. It is pure and
// synchronous; the engine owns one per undecided round.
type roundTally struct {
	round  types.Round
	peers  *types.PeerSet
	opener string // signer whose vote started the tally, if counted against it

	votes    []VoteMessage            // counted votes in arrival order
	bySigner map[string]string        // signer -> key of the hash it voted for
	groups   map[string][]VoteMessage // hash key -> votes in arrival order
	evidence []VoteMessage            // second votes of equivocating signers

	commit *CommitMessage
	reject *RejectMessage
}

func newRoundTally(round types.Round, peers *types.PeerSet) *roundTally {
	return &roundTally{
		round:    round,
		peers:    peers,
		bySigner: make(map[string]string),
		groups:   make(map[string][]VoteMessage),
	}
}

// add counts the vote. It returns a non-empty drop reason when the vote does
// not count. Signatures are checked by the caller.
func (t *roundTally) add(vote VoteMessage) string {
	if vote.Hash.Round != t.round {
		return dropWrongRound
	}
	if t.peers.Index(vote.PublicKey) < 0 {
		return dropUnknownSigner
	}
	key := vote.Hash.Key()
	if prev, ok := t.bySigner[vote.signer()]; ok {
		if prev == key {
			return dropDuplicate
		}
		t.evidence = append(t.evidence, vote)
		return dropEquivocation
	}
	t.bySigner[vote.signer()] = key
	t.votes = append(t.votes, vote)
	t.groups[key] = append(t.groups[key], vote)
	t.decide(key)
	return ""
}

func (t *roundTally) decided() bool {
	return t.commit != nil || t.reject != nil
}

func (t *roundTally) decide(key string) {
	if t.decided() {
		return
	}
	q := t.peers.Quorum()
	if group := t.groups[key]; len(group) >= q {
		t.commit = &CommitMessage{Votes: append([]VoteMessage(nil), group[:q]...)}
		return
	}
	// no group can reach quorum even if every silent peer joins the largest one
	remaining := t.peers.Size() - len(t.votes)
	if t.largestGroup()+remaining < q {
		t.reject = &RejectMessage{Votes: append([]VoteMessage(nil), t.votes...)}
	}
}

func (t *roundTally) largestGroup() int {
	largest := 0
	for _, g := range t.groups {
		if len(g) > largest {
			largest = len(g)
		}
	}
	return largest
}

func (t *roundTally) state() State {
	switch {
	case t.commit != nil:
		return Committed{Commit: t.commit}
	case t.reject != nil:
		return Rejected{Reject: t.reject}
	case len(t.votes) == 0:
		return WaitingProposal{}
	}
	return CollectingVotes{Votes: len(t.votes), Groups: len(t.groups)}
}

// snapshot returns the counted votes as a reject proof, used on timeout.
func (t *roundTally) snapshot() *RejectMessage {
	return &RejectMessage{Votes: append([]VoteMessage(nil), t.votes...)}
}
