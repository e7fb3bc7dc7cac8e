// Package synchronizer keeps block storage on the chain the network decided,
// fetching missing blocks from peers and replacing a locally committed fork.
package synchronizer

import (
	"context"
	"fmt"
	"time"

	"github.com/algorand/go-deadlock"
	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/yac/metrics"
	"github.com/gitzhang10/yac/storage"
	"github.com/gitzhang10/yac/types"
	"github.com/gitzhang10/yac/yac"
)

// Decision is a decided block: the block at Height has hash BlockHash. Commit
// has already been validated by the consensus engine.
type Decision struct {
	Round     types.Round
	Height    uint64
	BlockHash types.Hash
	Commit    *yac.CommitMessage
	// Block is the local candidate, if the local peer holds the decided block.
	Block *types.Block
	// Peers are asked first, in order, before the commit signers.
	Peers []string
}

// BlockFetcher requests blocks [from..to] from a peer. It may return a prefix
// of the range, with or without an error.
type BlockFetcher interface {
	RequestBlocks(ctx context.Context, peer types.Peer, from, to uint64) ([]*types.Block, error)
}

// LedgerState re-derives state that depends on the chain. Revert drops every
// effect of the blocks above height.
type LedgerState interface {
	Revert(height uint64) error
}

type Config struct {
	// Self is the local peer name, never asked for blocks.
	Self         string
	FetchTimeout time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	QueueSize    int
	Metrics      *metrics.Metrics
}

const (
	defaultFetchTimeout = 2 * time.Second
	defaultBackoffBase  = 100 * time.Millisecond
	defaultBackoffMax   = 5 * time.Second
	defaultQueueSize    = 64
)

type SyncState int

const (
	StateIdle SyncState = iota
	StateSyncing
	// StateStalled means no peer served the decided chain; a retry is scheduled.
	StateStalled
	// StateFailed means a pass hit a storage invariant violation or error.
	StateFailed
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateStalled:
		return "stalled"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

type Status struct {
	State  SyncState
	Reason string
	Top    uint64
	Target uint64
	Round  types.Round
}

type fetchResult struct {
	gen    uint64
	chain  []*types.Block
	err    error
	reason string
}

// Synchronizer applies decisions to storage. Storage is only written by the
// Run goroutine; fetching and validation run in a worker goroutine.
type Synchronizer struct {
	cfg      Config
	storage  storage.BlockStorage
	fetcher  BlockFetcher
	ledger   LedgerState
	peers    *types.PeerSet
	selector *peerSelector
	stream   *commitStream
	logger   hclog.Logger
	metrics  *metrics.Metrics

	decisions chan Decision
	done      chan struct{}

	mu     deadlock.Mutex
	status Status

	// owned by the Run goroutine
	lastRound  types.Round
	hasApplied bool
}

// New builds a synchronizer. ledger may be nil.
func New(cfg Config, store storage.BlockStorage, fetcher BlockFetcher, ledger LedgerState, peers *types.PeerSet, logger hclog.Logger) (*Synchronizer, error) {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	top, err := storage.Top(store)
	if err != nil {
		return nil, fmt.Errorf("read local top: %w", err)
	}
	cfg.Metrics.CommittedHeight.Set(float64(top))
	return &Synchronizer{
		cfg:       cfg,
		storage:   store,
		fetcher:   fetcher,
		ledger:    ledger,
		peers:     peers,
		selector:  makePeerSelector(peers, cfg.Self),
		stream:    newCommitStream(),
		logger:    logger.Named("sync"),
		metrics:   cfg.Metrics,
		decisions: make(chan Decision, cfg.QueueSize),
		done:      make(chan struct{}),
		status:    Status{State: StateIdle, Top: top},
	}, nil
}

// Submit queues a decision.
func (s *Synchronizer) Submit(ctx context.Context, d Decision) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.decisions <- d:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the commit stream from now on. The channel is closed when
// the synchronizer stops; cancel ends the subscription early.
func (s *Synchronizer) Subscribe(buffer int) (<-chan Event, func()) {
	return s.stream.subscribe(buffer)
}

func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Synchronizer) setStatus(state SyncState, reason string, d *Decision) {
	top, err := storage.Top(s.storage)
	if err != nil {
		s.logger.Error("failed to read local top", "error", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	s.status.Reason = reason
	s.status.Top = top
	if d != nil {
		s.status.Target = d.Height
		s.status.Round = d.Round
	}
}

// Run applies decisions until ctx ends.
func (s *Synchronizer) Run(ctx context.Context) error {
	defer s.stream.close()
	defer close(s.done)

	results := make(chan fetchResult, 1)
	var (
		target      *Decision
		gen         uint64
		cancelFetch = func() {}
		retry       <-chan time.Time
		attempts    int
	)
	defer func() { cancelFetch() }()

	start := func(d Decision) {
		cancelFetch()
		gen++
		fetchCtx, cancel := context.WithCancel(ctx)
		cancelFetch = cancel
		g := gen
		go func() {
			res := s.resolve(fetchCtx, d)
			res.gen = g
			select {
			case results <- res:
			case <-fetchCtx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case d := <-s.decisions:
			if !s.accept(d, target) {
				continue
			}
			if target != nil {
				s.logger.Debug("newer decision replaces target", "old", target.Height, "new", d.Height)
			}
			cancelFetch()
			target, retry, attempts = nil, nil, 0
			if s.applyLocal(ctx, d) {
				continue
			}
			target = &d
			s.setStatus(StateSyncing, "", target)
			start(d)

		case res := <-results:
			if res.gen != gen || target == nil {
				continue
			}
			if res.err != nil {
				attempts++
				wait := s.backoff(attempts)
				s.metrics.SyncStalls.WithLabelValues(res.reason).Inc()
				s.logger.Warn("synchronization stalled", "height", target.Height, "reason", res.reason,
					"error", res.err, "retry_in", wait)
				s.setStatus(StateStalled, res.reason, target)
				retry = time.After(wait)
				continue
			}
			d := *target
			target = nil
			s.apply(ctx, d, res.chain)

		case <-retry:
			retry = nil
			if target != nil {
				s.setStatus(StateSyncing, "", target)
				start(*target)
			}
		}
	}
}

func (s *Synchronizer) backoff(attempts int) time.Duration {
	wait := s.cfg.BackoffBase
	for i := 1; i < attempts && wait < s.cfg.BackoffMax; i++ {
		wait *= 2
	}
	if wait > s.cfg.BackoffMax {
		wait = s.cfg.BackoffMax
	}
	return wait
}

// accept filters stale decisions: rounds not newer than the last applied one,
// heights below the local top, and heights below the chased target.
func (s *Synchronizer) accept(d Decision, target *Decision) bool {
	if d.Height == 0 || d.BlockHash.IsEmpty() {
		s.logger.Debug("ignoring decision without block", "round", d.Round)
		return false
	}
	if s.hasApplied && !s.lastRound.Less(d.Round) {
		s.logger.Debug("ignoring stale decision", "round", d.Round, "last", s.lastRound)
		return false
	}
	top, err := storage.Top(s.storage)
	if err != nil {
		s.logger.Error("failed to read local top", "error", err)
		return false
	}
	if d.Height < top {
		s.logger.Debug("ignoring decision behind local top", "height", d.Height, "top", top)
		return false
	}
	if target != nil && d.Height < target.Height {
		s.logger.Debug("ignoring decision behind target", "height", d.Height, "target", target.Height)
		return false
	}
	return true
}

// applyLocal settles a decision without the network when storage already
// holds the decided block or the local candidate extends the local top.
func (s *Synchronizer) applyLocal(ctx context.Context, d Decision) bool {
	local, ok, err := s.storage.Fetch(d.Height)
	if err != nil {
		s.fail(d, ReasonStorageError, err)
		return true
	}
	if ok && local.Hash.Equal(d.BlockHash) {
		s.finish(d)
		return true
	}
	b := d.Block
	if ok || b == nil || b.Height != d.Height || !b.Hash.Equal(d.BlockHash) || b.Verify() != nil {
		return false
	}
	anchored, err := s.anchors(b)
	if err != nil || !anchored {
		return false
	}
	s.apply(ctx, d, []*types.Block{b})
	return true
}

func (s *Synchronizer) resolve(ctx context.Context, d Decision) fetchResult {
	top, err := storage.Top(s.storage)
	if err != nil {
		return fetchResult{err: err, reason: ReasonStorageError}
	}
	from := top + 1
	if top >= d.Height {
		from = d.Height
	}
	preferred := append([]string(nil), d.Peers...)
	if d.Commit != nil {
		for _, key := range d.Commit.Signers() {
			if p, ok := s.peers.ByPublicKey(key); ok {
				preferred = append(preferred, p.Name)
			}
		}
	}
	conflicting := false
	for _, peer := range s.selector.candidates(preferred) {
		chain, err := s.fetchChain(ctx, peer, from, d)
		if err == nil {
			s.selector.resetPeer(peer.Name)
			return fetchResult{chain: chain}
		}
		if ctx.Err() != nil {
			return fetchResult{err: ctx.Err()}
		}
		if isInvalidData(err) {
			s.selector.rankPeer(peer.Name, peerRankInvalidDownload)
			conflicting = true
			s.logger.Warn("peer served an invalid chain", "peer", peer.Name, "height", d.Height, "error", err)
			continue
		}
		s.selector.rankPeer(peer.Name, peerRankDownloadFailed)
		s.logger.Debug("block fetch failed", "peer", peer.Name, "height", d.Height, "error", err)
	}
	reason := ReasonNoValidPeer
	if conflicting {
		reason = ReasonConflictingChain
	}
	return fetchResult{err: ErrNoValidPeer, reason: reason}
}

// apply persists a validated chain, replacing the local tail from the first
// height where the two differ.
func (s *Synchronizer) apply(ctx context.Context, d Decision, chain []*types.Block) {
	var div uint64
	for _, b := range chain {
		local, ok, err := s.storage.Fetch(b.Height)
		if err != nil {
			s.fail(d, ReasonStorageError, err)
			return
		}
		if !ok || !local.Hash.Equal(b.Hash) {
			div = b.Height
			break
		}
	}
	if div == 0 {
		s.finish(d)
		return
	}

	top, err := storage.Top(s.storage)
	if err != nil {
		s.fail(d, ReasonStorageError, err)
		return
	}
	if div <= top {
		s.logger.Warn("replacing diverged local chain", "from", div, "local_top", top, "height", d.Height)
		if s.ledger != nil {
			if err := s.ledger.Revert(div - 1); err != nil {
				s.fail(d, ReasonLedgerRevert, err)
				return
			}
		}
		if err := storage.Truncate(s.storage, div); err != nil {
			s.fail(d, ReasonStorageError, err)
			return
		}
		s.metrics.Rollbacks.Inc()
		s.stream.emit(ctx, Event{Kind: EventRollback, Height: div - 1, Round: d.Round})
	}

	for _, b := range chain {
		if b.Height < div {
			continue
		}
		ok, err := s.storage.Insert(b.Height, b)
		if err != nil {
			s.fail(d, ReasonStorageError, err)
			return
		}
		if !ok {
			s.logger.Error("invariant violation", "error", ErrStorageConflict, "height", b.Height)
			s.metrics.InvariantViolations.WithLabelValues(ReasonStorageConflict).Inc()
			s.fail(d, ReasonStorageConflict, fmt.Errorf("%w %d", ErrStorageConflict, b.Height))
			return
		}
		s.metrics.CommittedHeight.Set(float64(b.Height))
		s.stream.emit(ctx, Event{Kind: EventCommit, Height: b.Height, Block: b, Round: d.Round})
	}
	s.logger.Info("committed", "height", d.Height, "round", d.Round, "hash", d.BlockHash)
	s.finish(d)
}

func (s *Synchronizer) finish(d Decision) {
	s.lastRound = d.Round
	s.hasApplied = true
	s.setStatus(StateIdle, "", &d)
}

func (s *Synchronizer) fail(d Decision, reason string, err error) {
	s.logger.Error("synchronization failed", "height", d.Height, "reason", reason, "error", err)
	s.setStatus(StateFailed, reason, &d)
}
