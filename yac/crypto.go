package yac

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/yac/sign"
	"github.com/gitzhang10/yac/types"
)

// ErrNotEnoughShares is returned by Aggregate when fewer than a quorum of
// votes carry a valid threshold share.
var ErrNotEnoughShares = errors.New("not enough threshold shares")

// CryptoProvider signs and verifies votes and commit certificates.
type CryptoProvider interface {
	// Sign produces the local peer's vote for hash.
	Sign(hash YacHash) (VoteMessage, error)
	// Verify checks the vote signature, and its threshold share when present.
	Verify(vote VoteMessage) bool
	// Aggregate recovers a commit certificate from a quorum of vote shares.
	Aggregate(hash YacHash, votes []VoteMessage) ([]byte, error)
	VerifyCertificate(hash YacHash, cert []byte) bool
}

// KeyPairCrypto signs with an ed25519 key and a share of the cluster's
// threshold key. The share index of each peer is its position in the peer set.
type KeyPairCrypto struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	tsPub   *share.PubPoly
	tsShare *share.PriShare
	peers   *types.PeerSet
}

// NewKeyPairCrypto builds a provider. tsPub and tsShare may be nil, in which
// case votes carry no share and commits carry no certificate.
func NewKeyPairCrypto(priv ed25519.PrivateKey, tsPub *share.PubPoly, tsShare *share.PriShare, peers *types.PeerSet) *KeyPairCrypto {
	return &KeyPairCrypto{
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		tsPub:   tsPub,
		tsShare: tsShare,
		peers:   peers,
	}
}

func (c *KeyPairCrypto) Sign(hash YacHash) (VoteMessage, error) {
	data := hash.Bytes()
	vote := VoteMessage{
		Hash:      hash,
		Signature: sign.SignEd25519(c.priv, data),
		PublicKey: c.pub,
	}
	if c.tsShare != nil {
		partial, err := sign.SignTSPartial(c.tsShare, data)
		if err != nil {
			return VoteMessage{}, fmt.Errorf("threshold share: %w", err)
		}
		vote.ThresholdShare = partial
	}
	return vote, nil
}

func (c *KeyPairCrypto) Verify(vote VoteMessage) bool {
	data := vote.Hash.Bytes()
	ok, err := sign.VerifySignEd25519(vote.PublicKey, data, vote.Signature)
	if err != nil || !ok {
		return false
	}
	if len(vote.ThresholdShare) == 0 || c.tsPub == nil {
		return true
	}
	return c.shareValid(vote, data)
}

// shareValid also pins the share index to the signer, so a peer cannot
// replay another peer's share.
func (c *KeyPairCrypto) shareValid(vote VoteMessage, data []byte) bool {
	idx, err := sign.PartialIndex(vote.ThresholdShare)
	if err != nil || idx != c.peers.Index(vote.PublicKey) {
		return false
	}
	return sign.VerifyTSPartial(c.tsPub, data, vote.ThresholdShare)
}

func (c *KeyPairCrypto) Aggregate(hash YacHash, votes []VoteMessage) ([]byte, error) {
	if c.tsPub == nil {
		return nil, ErrNotEnoughShares
	}
	data := hash.Bytes()
	seen := make(map[int]bool, len(votes))
	partials := make([][]byte, 0, len(votes))
	for _, v := range votes {
		if len(v.ThresholdShare) == 0 || !v.Hash.Equal(hash) || !c.shareValid(v, data) {
			continue
		}
		idx, _ := sign.PartialIndex(v.ThresholdShare)
		if seen[idx] {
			continue
		}
		seen[idx] = true
		partials = append(partials, v.ThresholdShare)
	}
	if len(partials) < c.peers.Quorum() {
		return nil, fmt.Errorf("%w: %d of %d", ErrNotEnoughShares, len(partials), c.peers.Quorum())
	}
	return sign.AssembleIntactTSPartial(partials, c.tsPub, data, c.peers.Quorum(), c.peers.Size())
}

func (c *KeyPairCrypto) VerifyCertificate(hash YacHash, cert []byte) bool {
	if c.tsPub == nil {
		return false
	}
	return sign.VerifyTS(c.tsPub, hash.Bytes(), cert)
}
