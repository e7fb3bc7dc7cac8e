package synchronizer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/yac/metrics"
	"github.com/gitzhang10/yac/sign"
	"github.com/gitzhang10/yac/storage"
	"github.com/gitzhang10/yac/types"
	"github.com/gitzhang10/yac/yac"
)

var errNotFound = errors.New("blocks not found")

// buildChain returns blocks 1..n; heights up to forkAfter are shared with any
// chain built with the same base salt.
func buildChain(n int, forkAfter int, salt string) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	var prev types.Hash
	for h := 1; h <= n; h++ {
		s := "main"
		if h > forkAfter {
			s = salt
		}
		b := types.NewBlock(uint64(h), prev, [][]byte{[]byte(fmt.Sprintf("%s-%d", s, h))}, int64(h))
		blocks = append(blocks, b)
		prev = b.Hash
	}
	return blocks
}

type testPeers struct {
	set   *types.PeerSet
	privs []ed25519.PrivateKey
}

func newTestPeers(t testing.TB, n int) *testPeers {
	tp := &testPeers{}
	list := make([]types.Peer, n)
	for i := range list {
		priv, pub := sign.GenED25519Keys()
		tp.privs = append(tp.privs, priv)
		list[i] = types.Peer{Name: fmt.Sprintf("node%d", i), PublicKey: pub}
	}
	set, err := types.NewPeerSet(list)
	require.NoError(t, err)
	tp.set = set
	return tp
}

// commit builds a commit for block signed by the given peers, in that order.
func (tp *testPeers) commit(t testing.TB, round types.Round, block *types.Block, signers ...int) *yac.CommitMessage {
	hash := yac.YacHash{Round: round, ProposalHash: block.Hash, BlockHash: block.Hash}
	msg := &yac.CommitMessage{}
	for _, i := range signers {
		v, err := yac.NewKeyPairCrypto(tp.privs[i], nil, nil, tp.set).Sign(hash)
		require.NoError(t, err)
		msg.Votes = append(msg.Votes, v)
	}
	return msg
}

type request struct {
	peer     string
	from, to uint64
}

type fakeFetcher struct {
	mu             sync.Mutex
	chains         map[string][]*types.Block
	failures       map[string]error
	hang           map[string]bool
	maxPerResponse int
	requests       []request
	cancelled      int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		chains:   make(map[string][]*types.Block),
		failures: make(map[string]error),
		hang:     make(map[string]bool),
	}
}

func (f *fakeFetcher) serve(peer string, chain []*types.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[peer] = chain
	delete(f.failures, peer)
	delete(f.hang, peer)
}

func (f *fakeFetcher) fail(peer string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[peer] = err
}

func (f *fakeFetcher) RequestBlocks(ctx context.Context, peer types.Peer, from, to uint64) ([]*types.Block, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request{peer.Name, from, to})
	chain, failure, hang, limit := f.chains[peer.Name], f.failures[peer.Name], f.hang[peer.Name], f.maxPerResponse
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
		return nil, ctx.Err()
	}
	if failure != nil {
		return nil, failure
	}
	var out []*types.Block
	for h := from; h <= to && h <= uint64(len(chain)); h++ {
		out = append(out, chain[h-1])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return nil, errNotFound
	}
	return out, nil
}

func (f *fakeFetcher) requestsTo(peer string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.peer == peer {
			n++
		}
	}
	return n
}

type fakeLedger struct {
	mu      sync.Mutex
	reverts []uint64
}

func (l *fakeLedger) Revert(height uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reverts = append(l.reverts, height)
	return nil
}

func testLogger(t testing.TB) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   t.Name(),
		Output: hclog.DefaultOutput,
		Level:  hclog.Debug,
	})
}

func fill(t testing.TB, s storage.BlockStorage, blocks []*types.Block) {
	for _, b := range blocks {
		ok, err := s.Insert(b.Height, b)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func newSync(t testing.TB, tp *testPeers, store storage.BlockStorage, fetcher BlockFetcher, ledger LedgerState) (*Synchronizer, *metrics.Metrics) {
	m := metrics.New()
	s, err := New(Config{
		Self:         "node0",
		FetchTimeout: time.Second,
		BackoffBase:  10 * time.Millisecond,
		BackoffMax:   40 * time.Millisecond,
		Metrics:      m,
	}, store, fetcher, ledger, tp.set, testLogger(t))
	require.NoError(t, err)
	return s, m
}

func runSync(t testing.TB, s *Synchronizer) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
}

func decisionFor(round types.Round, b *types.Block) Decision {
	return Decision{Round: round, Height: b.Height, BlockHash: b.Hash}
}

func waitApplied(t *testing.T, s *Synchronizer, round types.Round) Status {
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Round == round && (st.State == StateIdle || st.State == StateFailed)
	}, 5*time.Second, 5*time.Millisecond)
	return s.Status()
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func requireChain(t *testing.T, s storage.BlockStorage, want []*types.Block) {
	n, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	for _, b := range want {
		got, ok, err := s.Fetch(b.Height)
		require.NoError(t, err)
		require.True(t, ok, "height %d missing", b.Height)
		require.True(t, got.Hash.Equal(b.Hash), "height %d differs", b.Height)
	}
}
