package yac

import (
	"fmt"

	"github.com/gitzhang10/yac/types"
)

// ValidateCommit checks a commit message independently of who sent it: a
// quorum of distinct known signers, one hash, valid signatures and, when
// present, a valid certificate.
func ValidateCommit(peers *types.PeerSet, crypto CryptoProvider, commit *CommitMessage) error {
	if commit == nil || len(commit.Votes) == 0 {
		return ErrEmptyCommit
	}
	if len(commit.Votes) < peers.Quorum() {
		return fmt.Errorf("%w: %d of %d", ErrSubQuorum, len(commit.Votes), peers.Quorum())
	}
	hash := commit.Votes[0].Hash
	if err := validateVotes(peers, crypto, commit.Votes, func(v VoteMessage) error {
		if !v.Hash.Equal(hash) {
			return ErrMixedHashes
		}
		return nil
	}); err != nil {
		return err
	}
	if len(commit.Certificate) > 0 && !crypto.VerifyCertificate(hash, commit.Certificate) {
		return ErrBadCertificate
	}
	return nil
}

// ValidateReject checks that the votes of a reject message are valid and that
// with them no candidate of the round can still reach quorum.
func ValidateReject(peers *types.PeerSet, crypto CryptoProvider, reject *RejectMessage) error {
	if reject == nil || len(reject.Votes) == 0 {
		return ErrRejectNotProven
	}
	round := reject.Votes[0].Hash.Round
	if err := validateVotes(peers, crypto, reject.Votes, func(v VoteMessage) error {
		if v.Hash.Round != round {
			return ErrMixedRounds
		}
		return nil
	}); err != nil {
		return err
	}
	t := newRoundTally(round, peers)
	for _, v := range reject.Votes {
		t.add(v)
	}
	if t.reject == nil {
		return ErrRejectNotProven
	}
	return nil
}

func validateVotes(peers *types.PeerSet, crypto CryptoProvider, votes []VoteMessage, check func(VoteMessage) error) error {
	seen := make(map[string]bool, len(votes))
	for i, v := range votes {
		if err := check(v); err != nil {
			return fmt.Errorf("vote %d: %w", i, err)
		}
		if peers.Index(v.PublicKey) < 0 {
			return fmt.Errorf("vote %d: %w", i, ErrUnknownSigner)
		}
		if seen[v.signer()] {
			return fmt.Errorf("vote %d: %w", i, ErrDuplicateSigner)
		}
		seen[v.signer()] = true
		if !crypto.Verify(v) {
			return fmt.Errorf("vote %d: %w", i, ErrBadSignature)
		}
	}
	return nil
}
