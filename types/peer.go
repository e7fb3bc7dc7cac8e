package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
)

var (
	// ErrEmptyPeerSet is returned when a peer set is built without peers.
	ErrEmptyPeerSet = errors.New("peer set is empty")
	// ErrDuplicatePeer is returned when two peers share a name or a public key.
	ErrDuplicatePeer = errors.New("duplicate peer in peer set")
)

// Peer is one member of the consensus cluster.
type Peer struct {
	Name      string
	Address   string
	PublicKey ed25519.PublicKey
}

// PeerSet is the fixed, ordered set of peers voting in a round. It is immutable
// and safe for concurrent use.
type PeerSet struct {
	peers  []Peer
	byKey  map[string]int
	byName map[string]int
}

// NewPeerSet builds a peer set. The order of peers is significant: it is the
// threshold share index and the base of the leader rotation.
func NewPeerSet(peers []Peer) (*PeerSet, error) {
	if len(peers) == 0 {
		return nil, ErrEmptyPeerSet
	}
	ps := &PeerSet{
		peers:  append([]Peer(nil), peers...),
		byKey:  make(map[string]int, len(peers)),
		byName: make(map[string]int, len(peers)),
	}
	for i, p := range ps.peers {
		key := hex.EncodeToString(p.PublicKey)
		if _, ok := ps.byKey[key]; ok {
			return nil, ErrDuplicatePeer
		}
		if _, ok := ps.byName[p.Name]; ok {
			return nil, ErrDuplicatePeer
		}
		ps.byKey[key] = i
		ps.byName[p.Name] = i
	}
	return ps, nil
}

// Peers returns a copy of the ordered peer list.
func (ps *PeerSet) Peers() []Peer {
	return append([]Peer(nil), ps.peers...)
}

func (ps *PeerSet) Size() int {
	return len(ps.peers)
}

// FaultTolerance is the number f of byzantine peers tolerated, (N-1)/3.
func (ps *PeerSet) FaultTolerance() int {
	return (len(ps.peers) - 1) / 3
}

// Quorum is the supermajority threshold N-f. It equals 2f+1 when N = 3f+1 and
// keeps any two quorums intersecting in an honest peer for other sizes.
func (ps *PeerSet) Quorum() int {
	return len(ps.peers) - ps.FaultTolerance()
}

// ByPublicKey looks a peer up by its public key.
func (ps *PeerSet) ByPublicKey(pub ed25519.PublicKey) (Peer, bool) {
	i, ok := ps.byKey[hex.EncodeToString(pub)]
	if !ok {
		return Peer{}, false
	}
	return ps.peers[i], true
}

// ByName looks a peer up by name.
func (ps *PeerSet) ByName(name string) (Peer, bool) {
	i, ok := ps.byName[name]
	if !ok {
		return Peer{}, false
	}
	return ps.peers[i], true
}

// Index returns the position of the peer with the given public key, or -1.
func (ps *PeerSet) Index(pub ed25519.PublicKey) int {
	i, ok := ps.byKey[hex.EncodeToString(pub)]
	if !ok {
		return -1
	}
	return i
}

// Leader is the peer responsible for propagating the outcome of a round.
// Leadership rotates with both the block round and the reject round.
func (ps *PeerSet) Leader(round Round) Peer {
	n := uint64(len(ps.peers))
	return ps.peers[(round.BlockRound+round.RejectRound)%n]
}

// IsLeader reports whether the named peer leads the round.
func (ps *PeerSet) IsLeader(name string, round Round) bool {
	return ps.Leader(round).Name == name
}
