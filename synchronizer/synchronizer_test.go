package synchronizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/gitzhang10/yac/storage"
	"github.com/gitzhang10/yac/types"
)

func TestCatchUpFromEmpty(t *testing.T) {
	tp := newTestPeers(t, 4)
	chain := buildChain(5, 5, "")
	fetcher := newFakeFetcher()
	fetcher.maxPerResponse = 2
	fetcher.serve("node1", chain)
	store := storage.NewMemoryBlockStorage()
	s, _ := newSync(t, tp, store, fetcher, nil)
	events, cancel := s.Subscribe(16)
	defer cancel()
	runSync(t, s)

	round := types.Round{BlockRound: 5}
	require.NoError(t, s.Submit(context.Background(), decisionFor(round, chain[4])))
	st := waitApplied(t, s, round)
	require.Equal(t, StateIdle, st.State)
	require.Equal(t, uint64(5), st.Top)
	requireChain(t, store, chain)

	got := drain(events)
	require.Len(t, got, 5)
	for i, ev := range got {
		require.Equal(t, EventCommit, ev.Kind)
		require.Equal(t, uint64(i+1), ev.Height)
		require.Equal(t, round, ev.Round)
	}
}

// local height 10 holds X; the network decided Y at height 10
func TestReplacesForkedTip(t *testing.T) {
	tp := newTestPeers(t, 4)
	local := buildChain(10, 9, "minority")
	majority := buildChain(10, 9, "majority")
	require.False(t, local[9].Hash.Equal(majority[9].Hash))

	fetcher := newFakeFetcher()
	for _, p := range []string{"node1", "node2", "node3"} {
		fetcher.serve(p, majority)
	}
	store := storage.NewMemoryBlockStorage()
	fill(t, store, local)
	ledger := &fakeLedger{}
	s, m := newSync(t, tp, store, fetcher, ledger)
	events, cancel := s.Subscribe(16)
	defer cancel()
	runSync(t, s)

	round := types.Round{BlockRound: 10}
	d := decisionFor(round, majority[9])
	d.Commit = tp.commit(t, round, majority[9], 1, 2, 3)
	require.NoError(t, s.Submit(context.Background(), d))
	waitApplied(t, s, round)

	got, ok, err := store.Fetch(10)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Hash.Equal(majority[9].Hash))
	requireChain(t, store, majority)

	evs := drain(events)
	require.Len(t, evs, 2)
	require.Equal(t, Event{Kind: EventRollback, Height: 9, Round: round}, evs[0])
	require.Equal(t, EventCommit, evs[1].Kind)
	require.Equal(t, uint64(10), evs[1].Height)
	require.Equal(t, []uint64{9}, ledger.reverts)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Rollbacks))
}

// the local fork starts at height 4 and the decision is at height 10, so the
// synchronizer must walk back below its own top to find the common ancestor
func TestDeepForkConvergence(t *testing.T) {
	tp := newTestPeers(t, 4)
	local := buildChain(8, 3, "minority")
	majority := buildChain(10, 3, "majority")

	fetcher := newFakeFetcher()
	fetcher.serve("node2", majority)
	store := storage.NewMemoryBlockStorage()
	fill(t, store, local)
	s, _ := newSync(t, tp, store, fetcher, nil)
	events, cancel := s.Subscribe(32)
	defer cancel()
	runSync(t, s)

	round := types.Round{BlockRound: 10}
	require.NoError(t, s.Submit(context.Background(), decisionFor(round, majority[9])))
	waitApplied(t, s, round)
	requireChain(t, store, majority)

	evs := drain(events)
	require.Equal(t, EventRollback, evs[0].Kind)
	require.Equal(t, uint64(3), evs[0].Height)
	var heights []uint64
	for _, ev := range evs[1:] {
		require.Equal(t, EventCommit, ev.Kind)
		heights = append(heights, ev.Height)
	}
	require.Equal(t, []uint64{4, 5, 6, 7, 8, 9, 10}, heights)
}

// A byzantine peer sends a valid commit with its own vote first, hoping to be
// asked for the blocks, and serves a fork. The honest chain still wins.
func TestMaliciousPeerServesFork(t *testing.T) {
	tp := newTestPeers(t, 4)
	valid := buildChain(6, 6, "")
	fork := buildChain(6, 2, "evil")
	tampered := buildChain(6, 6, "")
	tampered[3] = types.NewBlock(4, tampered[2].Hash, [][]byte{[]byte("evil")}, 4)

	for name, served := range map[string][]*types.Block{"fork": fork, "tampered": tampered} {
		served := served
		t.Run(name, func(t *testing.T) {
			fetcher := newFakeFetcher()
			fetcher.serve("node1", served)
			fetcher.serve("node2", valid)
			fetcher.serve("node3", valid)
			store := storage.NewMemoryBlockStorage()
			fill(t, store, valid[:2])
			s, _ := newSync(t, tp, store, fetcher, nil)
			runSync(t, s)

			round := types.Round{BlockRound: 6}
			d := decisionFor(round, valid[5])
			d.Commit = tp.commit(t, round, valid[5], 1, 2, 3)
			require.NoError(t, s.Submit(context.Background(), d))
			st := waitApplied(t, s, round)
			require.Equal(t, StateIdle, st.State)
			requireChain(t, store, valid)

			require.Equal(t, 1, fetcher.requestsTo("node1"))
			order := s.selector.candidates([]string{"node1", "node2", "node3"})
			require.Equal(t, "node1", order[len(order)-1].Name)
		})
	}
}

func TestStaleDecisionsAreIgnored(t *testing.T) {
	tp := newTestPeers(t, 4)
	chain := buildChain(6, 6, "")
	other := buildChain(6, 2, "other")
	fetcher := newFakeFetcher()
	fetcher.serve("node1", chain)
	store := storage.NewMemoryBlockStorage()
	fill(t, store, chain[:5])
	s, _ := newSync(t, tp, store, fetcher, nil)
	events, cancel := s.Subscribe(16)
	defer cancel()
	runSync(t, s)

	// behind the local top
	require.NoError(t, s.Submit(context.Background(), decisionFor(types.Round{BlockRound: 20}, other[2])))

	round := types.Round{BlockRound: 6}
	require.NoError(t, s.Submit(context.Background(), decisionFor(round, chain[5])))
	waitApplied(t, s, round)

	// a round that is not newer than the applied one
	require.NoError(t, s.Submit(context.Background(), decisionFor(types.Round{BlockRound: 5, RejectRound: 3}, other[5])))
	next := types.Round{BlockRound: 6, RejectRound: 1}
	require.NoError(t, s.Submit(context.Background(), decisionFor(next, chain[5])))
	waitApplied(t, s, next)

	requireChain(t, store, chain)
	evs := drain(events)
	require.Len(t, evs, 1)
	require.Equal(t, uint64(6), evs[0].Height)
}

func TestLocalCandidateNeedsNoFetch(t *testing.T) {
	tp := newTestPeers(t, 4)
	chain := buildChain(3, 3, "")
	fetcher := newFakeFetcher()
	store := storage.NewMemoryBlockStorage()
	fill(t, store, chain[:2])
	s, _ := newSync(t, tp, store, fetcher, nil)
	runSync(t, s)

	round := types.Round{BlockRound: 3}
	d := decisionFor(round, chain[2])
	d.Block = chain[2]
	require.NoError(t, s.Submit(context.Background(), d))
	waitApplied(t, s, round)
	requireChain(t, store, chain)
	require.Empty(t, fetcher.requests)
}

func TestStallsAndRetries(t *testing.T) {
	tp := newTestPeers(t, 4)
	chain := buildChain(4, 4, "")
	fetcher := newFakeFetcher()
	for _, p := range []string{"node1", "node2", "node3"} {
		fetcher.fail(p, errors.New("connection refused"))
	}
	store := storage.NewMemoryBlockStorage()
	s, m := newSync(t, tp, store, fetcher, nil)
	runSync(t, s)

	round := types.Round{BlockRound: 4}
	require.NoError(t, s.Submit(context.Background(), decisionFor(round, chain[3])))
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == StateStalled && st.Reason == ReasonNoValidPeer && st.Target == 4
	}, 5*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, testutil.ToFloat64(m.SyncStalls.WithLabelValues(ReasonNoValidPeer)), 1.0)

	fetcher.serve("node3", chain)
	st := waitApplied(t, s, round)
	require.Equal(t, StateIdle, st.State)
	requireChain(t, store, chain)
}

func TestConflictingChainReason(t *testing.T) {
	tp := newTestPeers(t, 4)
	decided := buildChain(4, 4, "")
	fork := buildChain(4, 1, "fork")
	fetcher := newFakeFetcher()
	for _, p := range []string{"node1", "node2", "node3"} {
		fetcher.serve(p, fork)
	}
	s, _ := newSync(t, tp, storage.NewMemoryBlockStorage(), fetcher, nil)
	runSync(t, s)

	require.NoError(t, s.Submit(context.Background(), decisionFor(types.Round{BlockRound: 4}, decided[3])))
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == StateStalled && st.Reason == ReasonConflictingChain
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNewerDecisionCancelsFetch(t *testing.T) {
	tp := newTestPeers(t, 4)
	chain := buildChain(8, 8, "")
	fetcher := newFakeFetcher()
	for _, p := range []string{"node1", "node2", "node3"} {
		fetcher.serve(p, chain)
		fetcher.hang[p] = true
	}
	store := storage.NewMemoryBlockStorage()
	s, _ := newSync(t, tp, store, fetcher, nil)
	runSync(t, s)

	require.NoError(t, s.Submit(context.Background(), decisionFor(types.Round{BlockRound: 5}, chain[4])))
	require.Eventually(t, func() bool { return fetcher.requestsTo("node1") == 1 }, 5*time.Second, 5*time.Millisecond)

	for _, p := range []string{"node1", "node2", "node3"} {
		fetcher.serve(p, chain)
	}
	round := types.Round{BlockRound: 8}
	require.NoError(t, s.Submit(context.Background(), decisionFor(round, chain[7])))
	waitApplied(t, s, round)
	requireChain(t, store, chain)

	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.cancelled == 1
	}, 5*time.Second, 5*time.Millisecond)
}

// refusingStorage reports every id as taken
type refusingStorage struct {
	storage.BlockStorage
}

func (refusingStorage) Insert(uint64, *types.Block) (bool, error) {
	return false, nil
}

func TestStorageConflictFailsPass(t *testing.T) {
	tp := newTestPeers(t, 4)
	chain := buildChain(2, 2, "")
	fetcher := newFakeFetcher()
	fetcher.serve("node1", chain)
	s, m := newSync(t, tp, refusingStorage{storage.NewMemoryBlockStorage()}, fetcher, nil)
	events, cancel := s.Subscribe(4)
	defer cancel()
	runSync(t, s)

	round := types.Round{BlockRound: 2}
	require.NoError(t, s.Submit(context.Background(), decisionFor(round, chain[1])))
	st := waitApplied(t, s, round)
	require.Equal(t, StateFailed, st.State)
	require.Equal(t, ReasonStorageConflict, st.Reason)
	require.Equal(t, 1.0, testutil.ToFloat64(m.InvariantViolations.WithLabelValues(ReasonStorageConflict)))
	require.Empty(t, drain(events))
}

func TestSubscribeAfterStop(t *testing.T) {
	tp := newTestPeers(t, 4)
	s, _ := newSync(t, tp, storage.NewMemoryBlockStorage(), newFakeFetcher(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	early, _ := s.Subscribe(1)
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, ok := <-early
	require.False(t, ok)
	late, _ := s.Subscribe(1)
	_, ok = <-late
	require.False(t, ok)
	require.ErrorIs(t, s.Submit(context.Background(), Decision{}), ErrStopped)
}

// Drives resolve and apply directly over random forks and checks the commit
// stream stays gapless between rollbacks and storage ends on the decided chain.
func TestGaplessCommitStream(t *testing.T) {
	tp := newTestPeers(t, 4)
	rapid.Check(t, func(rt *rapid.T) {
		localLen := rapid.IntRange(0, 12).Draw(rt, "local")
		forkAfter := rapid.IntRange(0, localLen).Draw(rt, "fork")
		target := rapid.IntRange(localLen, 16).Draw(rt, "target")
		if target == 0 {
			target = 1
		}
		local := buildChain(localLen, forkAfter, "minority")
		majority := buildChain(target, forkAfter, "majority")

		fetcher := newFakeFetcher()
		fetcher.maxPerResponse = rapid.IntRange(0, 4).Draw(rt, "max")
		fetcher.serve("node1", majority)
		store := storage.NewMemoryBlockStorage()
		fill(t, store, local)
		s, _ := newSync(t, tp, store, fetcher, nil)
		events, cancel := s.Subscribe(64)
		defer cancel()

		ctx := context.Background()
		d := decisionFor(types.Round{BlockRound: uint64(target)}, majority[target-1])
		if !s.accept(d, nil) {
			rt.Fatalf("decision at %d refused with local top %d", target, localLen)
		}
		if !s.applyLocal(ctx, d) {
			res := s.resolve(ctx, d)
			if res.err != nil {
				rt.Fatalf("resolve: %v", res.err)
			}
			s.apply(ctx, d, res.chain)
		}

		next := uint64(localLen) + 1
		for _, ev := range drain(events) {
			switch ev.Kind {
			case EventRollback:
				next = ev.Height + 1
			case EventCommit:
				if ev.Height != next {
					rt.Fatalf("commit %d, expected %d", ev.Height, next)
				}
				next++
			}
		}
		if next != uint64(target)+1 {
			rt.Fatalf("stream ended at %d, want %d", next-1, target)
		}
		for _, b := range majority {
			got, ok, _ := store.Fetch(b.Height)
			if !ok || !got.Hash.Equal(b.Hash) {
				rt.Fatalf("height %d not on the decided chain", b.Height)
			}
		}
		if n, _ := store.Size(); n != target {
			rt.Fatalf("size %d want %d", n, target)
		}
	})
}
