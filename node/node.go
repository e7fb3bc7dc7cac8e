// Package node wires a YAC peer: the transport, the consensus engine, the
// synchronizer and the block storage of one cluster member.
package node

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/algorand/go-deadlock"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/gitzhang10/yac/config"
	"github.com/gitzhang10/yac/conn"
	"github.com/gitzhang10/yac/metrics"
	"github.com/gitzhang10/yac/storage"
	"github.com/gitzhang10/yac/synchronizer"
	"github.com/gitzhang10/yac/types"
	"github.com/gitzhang10/yac/yac"
)

var (
	// ErrNotListening is returned when the transport has not been started.
	ErrNotListening = errors.New("networkTransport has not been created")
	// ErrUnknownSelf is returned when the node name is not in the cluster.
	ErrUnknownSelf = errors.New("node is not in the cluster")
	// ErrKeyMismatch is returned when the private key does not match the
	// public key the cluster knows the node by.
	ErrKeyMismatch = errors.New("private key does not match the cluster public key")
)

const (
	defaultMaxBlocksPerResponse = 64
	defaultVoteTimeout          = 3 * time.Second
)

type Node struct {
	name       string
	peers      *types.PeerSet
	listenPort int
	isFaulty   bool // true indicate this node drops every message
	logger     hclog.Logger

	maxPool int
	trans   *conn.NetworkTransport

	//Used for ED25519 signature
	privateKey ed25519.PrivateKey

	voteTimeout          time.Duration
	maxBlocksPerResponse int
	metricsAddr          string

	store   storage.BlockStorage
	engine  *yac.Engine
	sync    *synchronizer.Synchronizer
	fetcher *netFetcher
	metrics *metrics.Metrics

	lock       deadlock.Mutex
	candidates map[types.Round]*types.Block // local candidate voted for in a round
}

func NewNode(conf *config.Config) (*Node, error) {
	peers, err := conf.PeerSet()
	if err != nil {
		return nil, err
	}
	self, ok := peers.ByName(conf.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSelf, conf.Name)
	}
	if pub, ok := conf.PrivateKey.Public().(ed25519.PublicKey); !ok || !pub.Equal(self.PublicKey) {
		return nil, ErrKeyMismatch
	}

	n := &Node{
		name:                 conf.Name,
		peers:                peers,
		listenPort:           conf.ClusterPort[conf.Name],
		isFaulty:             conf.IsFaulty,
		maxPool:              conf.MaxPool,
		privateKey:           conf.PrivateKey,
		voteTimeout:          conf.VoteTimeout,
		maxBlocksPerResponse: conf.MaxBlocksPerResponse,
		metricsAddr:          conf.MetricsAddr,
		metrics:              metrics.New(),
		candidates:           make(map[types.Round]*types.Block),
	}
	if n.maxBlocksPerResponse <= 0 {
		n.maxBlocksPerResponse = defaultMaxBlocksPerResponse
	}
	if n.voteTimeout <= 0 {
		n.voteTimeout = defaultVoteTimeout
	}
	n.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "yac-node",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	}).With("node", conf.Name)

	n.store, err = storage.Open(conf.StorageBackend, conf.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open block storage: %w", err)
	}

	crypto := yac.NewKeyPairCrypto(conf.PrivateKey, conf.TsPublicKey, conf.TsPrivateKey, peers)
	n.engine, err = yac.NewEngine(yac.EngineConfig{
		DecidedCacheSize: conf.DecidedCacheSize,
		Metrics:          n.metrics,
	}, peers, crypto, n, n.logger)
	if err != nil {
		n.closeStorage()
		return nil, err
	}

	n.fetcher = newNetFetcher(n)
	n.sync, err = synchronizer.New(synchronizer.Config{
		Self:         conf.Name,
		FetchTimeout: conf.FetchTimeout,
		BackoffBase:  conf.SyncBackoffBase,
		BackoffMax:   conf.SyncBackoffMax,
		Metrics:      n.metrics,
	}, n.store, n.fetcher, n, peers, n.logger)
	if err != nil {
		n.closeStorage()
		return nil, err
	}
	return n, nil
}

// Run runs the consensus engine, the synchronizer and the message loops until
// ctx ends or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	if n.trans == nil {
		return ErrNotListening
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.engine.Run(ctx) })
	g.Go(func() error { return n.sync.Run(ctx) })
	g.Go(func() error {
		n.HandleMsgLoop(ctx)
		return nil
	})
	g.Go(func() error {
		n.OutcomeLoop(ctx)
		return nil
	})
	if n.metricsAddr != "" {
		g.Go(func() error { return n.metrics.Serve(ctx, n.metricsAddr) })
	}
	return g.Wait()
}

// Propose votes for block as the local candidate of round and waits for the
// round to be decided, abandoning it after the vote timeout.
func (n *Node) Propose(ctx context.Context, round types.Round, block *types.Block) (yac.Outcome, error) {
	n.lock.Lock()
	n.candidates[round] = block
	n.lock.Unlock()

	hash := yac.YacHash{Round: round, ProposalHash: block.Hash, BlockHash: block.Hash}
	if _, err := n.engine.Vote(ctx, hash); err != nil {
		return yac.Outcome{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, n.voteTimeout)
	defer cancel()
	return n.engine.Await(waitCtx, round)
}

// OutcomeLoop turns decided rounds into synchronizer decisions. The leader of
// a round also spreads its proof to the peers that missed the votes.
func (n *Node) OutcomeLoop(ctx context.Context) {
	outcomes := n.engine.Outcomes()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-outcomes:
			n.handleOutcome(ctx, o)
		}
	}
}

func (n *Node) handleOutcome(ctx context.Context, o yac.Outcome) {
	leader := n.peers.Leader(o.Round)
	candidate := n.takeCandidate(o.Round)

	switch o.Kind {
	case yac.OutcomeReject:
		n.logger.Info("round rejected", "round", o.Round, "timed_out", o.TimedOut)
		// a local timeout carries no quorum proof for the peers to check
		if leader.Name == n.name && o.Reject != nil && !o.TimedOut {
			go n.spread(RejectTag, *o.Reject, o.Round)
		}
		return
	case yac.OutcomeNothing:
		n.logger.Info("round committed no block", "round", o.Round)
	case yac.OutcomeCommit:
		n.logger.Info("round committed", "round", o.Round, "block", o.Hash.BlockHash, "own", o.Own)
	}
	if leader.Name == n.name && o.Commit != nil {
		go n.spread(CommitTag, *o.Commit, o.Round)
	}
	if o.Kind != yac.OutcomeCommit {
		return
	}

	d := synchronizer.Decision{
		Round:     o.Round,
		Height:    o.Round.BlockRound,
		BlockHash: o.Hash.BlockHash,
		Commit:    o.Commit,
		Peers:     []string{leader.Name},
	}
	if candidate != nil && candidate.Hash.Equal(o.Hash.BlockHash) {
		d.Block = candidate
	}
	if err := n.sync.Submit(ctx, d); err != nil {
		n.logger.Debug("decision not submitted", "round", o.Round, "error", err)
	}
}

func (n *Node) spread(msgType uint8, msg interface{}, round types.Round) {
	if err := n.broadcast(msgType, msg); err != nil {
		n.logger.Debug("round proof did not reach every peer", "round", round, "error", err)
	}
}

// takeCandidate returns the candidate of round and forgets every candidate of
// a round not after it.
func (n *Node) takeCandidate(round types.Round) *types.Block {
	n.lock.Lock()
	defer n.lock.Unlock()
	candidate := n.candidates[round]
	for r := range n.candidates {
		if !round.Less(r) {
			delete(n.candidates, r)
		}
	}
	return candidate
}

// Revert implements synchronizer.LedgerState. Blocks carry no executed state
// in this node, so a revert only needs recording.
func (n *Node) Revert(height uint64) error {
	n.logger.Warn("ledger reverted", "height", height)
	return nil
}

// Commits subscribes to the committed chain.
func (n *Node) Commits(buffer int) (<-chan synchronizer.Event, func()) {
	return n.sync.Subscribe(buffer)
}

func (n *Node) SyncStatus() synchronizer.Status {
	return n.sync.Status()
}

func (n *Node) Storage() storage.BlockStorage {
	return n.store
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) closeStorage() {
	if c, ok := n.store.(storage.Closer); ok {
		if err := c.Close(); err != nil {
			n.logger.Error("fail to close block storage", "error", err)
		}
	}
}

// Close stops the transport and closes the block storage. Run must have returned.
func (n *Node) Close() error {
	if n.trans != nil {
		_ = n.trans.Close()
	}
	n.closeStorage()
	return nil
}
