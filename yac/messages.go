package yac

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/gitzhang10/yac/types"
)

// YacHash identifies the candidate a vote endorses. An empty BlockHash is a
// vote for "no block" in the round.
type YacHash struct {
	Round        types.Round
	ProposalHash types.Hash
	BlockHash    types.Hash
}

func (h YacHash) Equal(o YacHash) bool {
	return h.Round == o.Round && h.ProposalHash.Equal(o.ProposalHash) && h.BlockHash.Equal(o.BlockHash)
}

// Bytes is the canonical signing payload.
func (h YacHash) Bytes() []byte {
	buf := make([]byte, 0, 24+len(h.ProposalHash)+len(h.BlockHash))
	buf = binary.BigEndian.AppendUint64(buf, h.Round.BlockRound)
	buf = binary.BigEndian.AppendUint64(buf, h.Round.RejectRound)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.ProposalHash)))
	buf = append(buf, h.ProposalHash...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.BlockHash)))
	return append(buf, h.BlockHash...)
}

// Key is a comparable form of the hash, usable as a map key.
func (h YacHash) Key() string {
	return string(h.Bytes())
}

func (h YacHash) String() string {
	return fmt.Sprintf("yac{round: %s, proposal: %s, block: %s}", h.Round, h.ProposalHash, h.BlockHash)
}

// VoteMessage is one peer's signed endorsement of a YacHash. ThresholdShare
// is the peer's partial threshold signature over the same payload, if any.
type VoteMessage struct {
	Hash           YacHash
	Signature      []byte
	PublicKey      ed25519.PublicKey
	ThresholdShare []byte
}

func (v VoteMessage) signer() string {
	return string(v.PublicKey)
}

// CommitMessage proves that a quorum of distinct peers voted for one YacHash.
// Certificate is the recovered threshold signature when the votes carried shares.
type CommitMessage struct {
	Votes       []VoteMessage
	Certificate []byte
}

// Hash is the committed candidate. It is only meaningful on a validated message.
func (c *CommitMessage) Hash() YacHash {
	if c == nil || len(c.Votes) == 0 {
		return YacHash{}
	}
	return c.Votes[0].Hash
}

func (c *CommitMessage) Round() types.Round {
	return c.Hash().Round
}

// Signers lists the public keys of the committing votes.
func (c *CommitMessage) Signers() []ed25519.PublicKey {
	keys := make([]ed25519.PublicKey, len(c.Votes))
	for i, v := range c.Votes {
		keys[i] = v.PublicKey
	}
	return keys
}

// RejectMessage carries the votes of a round in which no candidate can reach quorum.
type RejectMessage struct {
	Votes []VoteMessage
}

func (r *RejectMessage) Round() types.Round {
	if r == nil || len(r.Votes) == 0 {
		return types.Round{}
	}
	return r.Votes[0].Hash.Round
}
