package yac

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/yac/metrics"
	"github.com/gitzhang10/yac/sign"
	"github.com/gitzhang10/yac/types"
)

type cluster struct {
	peers   *types.PeerSet
	privs   []ed25519.PrivateKey
	cryptos []*KeyPairCrypto
}

func newCluster(t testing.TB, n int, threshold bool) *cluster {
	c := &cluster{}
	list := make([]types.Peer, n)
	for i := 0; i < n; i++ {
		priv, pub := sign.GenED25519Keys()
		c.privs = append(c.privs, priv)
		list[i] = types.Peer{Name: fmt.Sprintf("node%d", i), Address: fmt.Sprintf("127.0.0.1:%d", 9000+i), PublicKey: pub}
	}
	peers, err := types.NewPeerSet(list)
	require.NoError(t, err)
	c.peers = peers

	if threshold {
		shares, pubPoly := sign.GenTSKeys(peers.Quorum(), n)
		for i := 0; i < n; i++ {
			c.cryptos = append(c.cryptos, NewKeyPairCrypto(c.privs[i], pubPoly, shares[i], peers))
		}
	} else {
		for i := 0; i < n; i++ {
			c.cryptos = append(c.cryptos, NewKeyPairCrypto(c.privs[i], nil, nil, peers))
		}
	}
	return c
}

func (c *cluster) vote(t testing.TB, i int, hash YacHash) VoteMessage {
	v, err := c.cryptos[i].Sign(hash)
	require.NoError(t, err)
	return v
}

func (c *cluster) commit(t testing.TB, hash YacHash, signers ...int) *CommitMessage {
	msg := &CommitMessage{}
	for _, i := range signers {
		msg.Votes = append(msg.Votes, c.vote(t, i, hash))
	}
	return msg
}

type sentState struct {
	to      types.Peer
	outcome Outcome
}

type fakeNetwork struct {
	mu         sync.Mutex
	broadcasts []VoteMessage
	states     []sentState
}

func (n *fakeNetwork) Broadcast(vote VoteMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, vote)
}

func (n *fakeNetwork) SendState(to types.Peer, outcome Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, sentState{to, outcome})
}

func (n *fakeNetwork) sent() []sentState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentState(nil), n.states...)
}

func testLogger(t testing.TB) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   t.Name(),
		Output: hclog.DefaultOutput,
		Level:  hclog.Debug,
	})
}

// startEngine runs an engine for the peer at index self.
func startEngine(t testing.TB, c *cluster, self int) (*Engine, *fakeNetwork, *metrics.Metrics) {
	net := &fakeNetwork{}
	m := metrics.New()
	e, err := NewEngine(EngineConfig{DecidedCacheSize: 16, Metrics: m}, c.peers, c.cryptos[self], net, testLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e, net, m
}

func yacHash(round types.Round, block string) YacHash {
	h := YacHash{Round: round, ProposalHash: types.HashBytes([]byte("proposal"))}
	if block != "" {
		h.BlockHash = types.HashBytes([]byte(block))
	}
	return h
}
