package synchronizer

import (
	"sort"

	"github.com/algorand/go-deadlock"

	"github.com/gitzhang10/yac/types"
)

const (
	// peerRankPreferred is the rank of the first peer named by a decision
	peerRankPreferred = 0
	peerRankOther     = 200
	// peerRankDownloadFailed is for failures that may be temporary, such as a timeout
	peerRankDownloadFailed = 900
	// peerRankInvalidDownload is for peers that served blocks that do not verify
	// or a chain other than the committed one
	peerRankInvalidDownload = 1000
)

// peerSelector orders the peers asked for blocks. Penalties survive across
// decisions until the peer serves a valid chain again.
type peerSelector struct {
	mu        deadlock.Mutex
	self      string
	peers     *types.PeerSet
	penalties map[string]int
}

func makePeerSelector(peers *types.PeerSet, self string) *peerSelector {
	return &peerSelector{
		self:      self,
		peers:     peers,
		penalties: make(map[string]int),
	}
}

// candidates lists every other peer, preferred ones first, then by penalty.
func (ps *peerSelector) candidates(preferred []string) []types.Peer {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	rank := make(map[string]int, ps.peers.Size())
	for _, p := range ps.peers.Peers() {
		rank[p.Name] = peerRankOther
	}
	for i, name := range preferred {
		if r, ok := rank[name]; ok && r == peerRankOther {
			rank[name] = peerRankPreferred + i
		}
	}
	var out []types.Peer
	for _, p := range ps.peers.Peers() {
		if p.Name == ps.self {
			continue
		}
		if penalty := ps.penalties[p.Name]; penalty > rank[p.Name] {
			rank[p.Name] = penalty
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank[out[i].Name] < rank[out[j].Name]
	})
	return out
}

func (ps *peerSelector) rankPeer(name string, rank int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if rank > ps.penalties[name] {
		ps.penalties[name] = rank
	}
}

// resetPeer clears the penalty of a peer that served a valid chain.
func (ps *peerSelector) resetPeer(name string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.penalties, name)
}
