// Package yac implements the YAC voting protocol: peers sign votes for a
// candidate of a round and a candidate endorsed by a quorum of distinct peers
// is committed.
package yac

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gitzhang10/yac/metrics"
	"github.com/gitzhang10/yac/types"
)

// Network is how the engine reaches other peers. Implementations must be
// safe for concurrent use.
type Network interface {
	// Broadcast sends the local vote to every other peer.
	Broadcast(vote VoteMessage)
	// SendState sends the outcome of a decided round to a lagging peer.
	SendState(to types.Peer, outcome Outcome)
}

type EngineConfig struct {
	// DecidedCacheSize bounds both the decided rounds kept to answer late
	// votes and the undecided tallies kept in memory.
	DecidedCacheSize int
	InboxSize        int
	OutcomeBuffer    int
	Metrics          *metrics.Metrics
}

const (
	defaultDecidedCacheSize = 128
	defaultInboxSize        = 1024
	defaultOutcomeBuffer    = 64

	// maxOpenedPerSigner bounds the undecided rounds a peer may start a
	// tally for. Rounds holding the local vote do not count.
	maxOpenedPerSigner = 2
)

type voteInput struct {
	vote VoteMessage
	own  bool
}

type commitInput struct {
	commit *CommitMessage
}

type rejectInput struct {
	reject *RejectMessage
}

type timeoutInput struct {
	round types.Round
}

type awaitInput struct {
	round types.Round
	reply chan Outcome
}

type stateQuery struct {
	round types.Round
	reply chan State
}

// Engine runs the vote tally of every round as a single-writer actor. All
// inputs are queued on the inbox and applied one at a time by Run.
type Engine struct {
	peers   *types.PeerSet
	crypto  CryptoProvider
	network Network
	logger  hclog.Logger
	metrics *metrics.Metrics

	inbox    chan interface{}
	outcomes chan Outcome
	done     chan struct{}

	// owned by the Run goroutine
	tallies    *lru.Cache[types.Round, *roundTally]
	pinned     map[types.Round]*roundTally // tallies holding the local vote
	opened     map[string]int              // signer -> tallies in tallies it started
	own        *lru.Cache[types.Round, YacHash]
	decided    *lru.Cache[types.Round, Outcome]
	waiters    map[types.Round][]chan Outcome
	maxDecided types.Round
}

func NewEngine(cfg EngineConfig, peers *types.PeerSet, crypto CryptoProvider, network Network, logger hclog.Logger) (*Engine, error) {
	if cfg.DecidedCacheSize <= 0 {
		cfg.DecidedCacheSize = defaultDecidedCacheSize
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.OutcomeBuffer <= 0 {
		cfg.OutcomeBuffer = defaultOutcomeBuffer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	e := &Engine{
		peers:    peers,
		crypto:   crypto,
		network:  network,
		logger:   logger.Named("yac"),
		metrics:  cfg.Metrics,
		inbox:    make(chan interface{}, cfg.InboxSize),
		outcomes: make(chan Outcome, cfg.OutcomeBuffer),
		done:     make(chan struct{}),
		pinned:   make(map[types.Round]*roundTally),
		opened:   make(map[string]int),
		waiters:  make(map[types.Round][]chan Outcome),
	}
	// Every peer together can start at most maxOpenedPerSigner*N tallies, so
	// the cache never has to evict one still in use.
	size := cfg.DecidedCacheSize
	if limit := maxOpenedPerSigner*peers.Size() + 1; size < limit {
		size = limit
	}
	var err error
	e.tallies, err = lru.NewWithEvict[types.Round, *roundTally](size, func(_ types.Round, t *roundTally) {
		e.release(t)
	})
	if err != nil {
		return nil, err
	}
	e.own, err = lru.New[types.Round, YacHash](cfg.DecidedCacheSize)
	if err != nil {
		return nil, err
	}
	e.decided, err = lru.New[types.Round, Outcome](cfg.DecidedCacheSize)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Outcomes delivers one outcome per decided round. A round abandoned on
// timeout may later be followed by the commit the network reached for it.
func (e *Engine) Outcomes() <-chan Outcome {
	return e.outcomes
}

// Run applies queued inputs until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-e.inbox:
			e.apply(ctx, in)
		}
	}
}

func (e *Engine) send(in interface{}) error {
	select {
	case e.inbox <- in:
		return nil
	case <-e.done:
		return ErrEngineStopped
	}
}

// Vote signs hash, counts it as the local vote and broadcasts it.
func (e *Engine) Vote(ctx context.Context, hash YacHash) (VoteMessage, error) {
	vote, err := e.crypto.Sign(hash)
	if err != nil {
		return VoteMessage{}, fmt.Errorf("sign vote: %w", err)
	}
	select {
	case e.inbox <- voteInput{vote: vote, own: true}:
	case <-e.done:
		return VoteMessage{}, ErrEngineStopped
	case <-ctx.Done():
		return VoteMessage{}, ctx.Err()
	}
	e.network.Broadcast(vote)
	return vote, nil
}

// OnVote counts a vote received from the network. Invalid votes are dropped.
func (e *Engine) OnVote(vote VoteMessage) {
	if !e.crypto.Verify(vote) {
		e.drop(vote, dropBadSignature)
		return
	}
	_ = e.send(voteInput{vote: vote})
}

// OnCommit accepts a commit built by another peer after validating it
// independently. The returned error says why a commit was refused; the
// engine state is unaffected by refused commits.
func (e *Engine) OnCommit(commit *CommitMessage) error {
	if err := ValidateCommit(e.peers, e.crypto, commit); err != nil {
		e.logger.Warn("refused commit message", "round", commit.Round(), "error", err)
		e.metrics.DroppedVotes.WithLabelValues("invalid_commit").Inc()
		return err
	}
	return e.send(commitInput{commit: commit})
}

// OnReject accepts a reject proof built by another peer.
func (e *Engine) OnReject(reject *RejectMessage) error {
	if err := ValidateReject(e.peers, e.crypto, reject); err != nil {
		e.logger.Warn("refused reject message", "round", reject.Round(), "error", err)
		e.metrics.DroppedVotes.WithLabelValues("invalid_reject").Inc()
		return err
	}
	return e.send(rejectInput{reject: reject})
}

// Timeout abandons round if it is still undecided.
func (e *Engine) Timeout(round types.Round) {
	_ = e.send(timeoutInput{round: round})
}

// Await blocks until round is decided. When ctx ends first the round is
// abandoned and the resulting outcome returned.
func (e *Engine) Await(ctx context.Context, round types.Round) (Outcome, error) {
	reply := make(chan Outcome, 1)
	if err := e.send(awaitInput{round: round, reply: reply}); err != nil {
		return Outcome{}, err
	}
	select {
	case o := <-reply:
		return o, nil
	case <-ctx.Done():
	}
	if err := e.send(timeoutInput{round: round}); err != nil {
		return Outcome{}, err
	}
	select {
	case o := <-reply:
		return o, nil
	case <-e.done:
		return Outcome{}, ErrEngineStopped
	}
}

// State reports the progress of round.
func (e *Engine) State(round types.Round) (State, error) {
	reply := make(chan State, 1)
	if err := e.send(stateQuery{round: round, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-e.done:
		return nil, ErrEngineStopped
	}
}

func (e *Engine) apply(ctx context.Context, in interface{}) {
	switch in := in.(type) {
	case voteInput:
		e.handleVote(ctx, in.vote, in.own)
	case commitInput:
		e.handleCommit(ctx, in.commit)
	case rejectInput:
		e.decide(ctx, rejectOutcome(in.reject.Round(), in.reject, false))
	case timeoutInput:
		e.handleTimeout(ctx, in.round)
	case awaitInput:
		if o, ok := e.decided.Get(in.round); ok {
			in.reply <- o
			return
		}
		e.waiters[in.round] = append(e.waiters[in.round], in.reply)
	case stateQuery:
		in.reply <- e.state(in.round)
	default:
		e.logger.Error("unknown engine input", "type", fmt.Sprintf("%T", in))
	}
}

func (e *Engine) handleVote(ctx context.Context, vote VoteMessage, own bool) {
	round := vote.Hash.Round
	if own {
		e.own.Add(round, vote.Hash)
	}
	if o, ok := e.decided.Get(round); ok {
		if !own {
			e.answerLate(vote, o)
		}
		return
	}
	t, ok := e.tally(round)
	if !ok {
		if round.Less(e.maxDecided) {
			e.drop(vote, dropStale)
			return
		}
		if !own {
			if _, known := e.peers.ByPublicKey(vote.PublicKey); !known {
				e.drop(vote, dropUnknownSigner)
				return
			}
			if e.opened[vote.signer()] >= maxOpenedPerSigner {
				e.drop(vote, dropTooManyRounds)
				return
			}
		}
		t = newRoundTally(round, e.peers)
		if own {
			e.pinned[round] = t
		} else {
			t.opener = vote.signer()
			e.opened[t.opener]++
			e.tallies.Add(round, t)
		}
	} else if own {
		e.pin(round, t)
	}
	if reason := t.add(vote); reason != "" {
		e.drop(vote, reason)
		return
	}
	if !t.decided() {
		return
	}
	if t.commit != nil {
		if len(t.commit.Votes[0].ThresholdShare) > 0 {
			cert, err := e.crypto.Aggregate(t.commit.Hash(), t.commit.Votes)
			if err != nil {
				e.logger.Debug("commit without certificate", "round", round, "error", err)
			} else {
				t.commit.Certificate = cert
			}
		}
		e.decide(ctx, commitOutcome(t.commit, e.isOwn(t.commit.Hash())))
		return
	}
	e.decide(ctx, rejectOutcome(round, t.reject, false))
}

func (e *Engine) handleCommit(ctx context.Context, commit *CommitMessage) {
	e.decide(ctx, commitOutcome(commit, e.isOwn(commit.Hash())))
}

func (e *Engine) handleTimeout(ctx context.Context, round types.Round) {
	if _, ok := e.decided.Get(round); ok {
		return
	}
	reject := &RejectMessage{}
	if t, ok := e.tally(round); ok {
		reject = t.snapshot()
	}
	e.logger.Debug("round timed out", "round", round, "votes", len(reject.Votes))
	e.decide(ctx, rejectOutcome(round, reject, true))
}

// tally returns the undecided tally of round, if any.
func (e *Engine) tally(round types.Round) (*roundTally, bool) {
	if t, ok := e.pinned[round]; ok {
		return t, true
	}
	return e.tallies.Get(round)
}

// pin moves a tally the local vote joined out of the cache. It stays until
// the round is decided or pruned.
func (e *Engine) pin(round types.Round, t *roundTally) {
	if _, ok := e.pinned[round]; ok {
		return
	}
	e.tallies.Remove(round)
	e.pinned[round] = t
}

// release stops counting t against the peer that started it.
func (e *Engine) release(t *roundTally) {
	if t.opener == "" {
		return
	}
	if e.opened[t.opener]--; e.opened[t.opener] <= 0 {
		delete(e.opened, t.opener)
	}
	t.opener = ""
}

// forget drops the tally of round and of every undecided round before
// maxDecided, since votes for them are no longer counted.
func (e *Engine) forget(round types.Round) {
	delete(e.pinned, round)
	e.tallies.Remove(round)
	for r := range e.pinned {
		if r.Less(e.maxDecided) {
			delete(e.pinned, r)
		}
	}
	for _, r := range e.tallies.Keys() {
		if r.Less(e.maxDecided) {
			e.tallies.Remove(r)
		}
	}
}

func (e *Engine) isOwn(hash YacHash) bool {
	own, ok := e.own.Get(hash.Round)
	return ok && own.Equal(hash)
}

// decide records the first outcome of a round. A later commit may only
// replace a local timeout; any other second decision is ignored, and a
// different commit is reported as a safety violation.
func (e *Engine) decide(ctx context.Context, o Outcome) {
	if prev, ok := e.decided.Get(o.Round); ok {
		if prev.Kind == OutcomeReject && prev.TimedOut && o.Kind != OutcomeReject {
			e.logger.Info("commit reached after local timeout", "round", o.Round, "hash", o.Hash)
		} else {
			if o.Kind != OutcomeReject && (prev.Kind == OutcomeReject || !prev.Hash.Equal(o.Hash)) {
				e.logger.Error("invariant violation", "error", ErrConflictingCommit,
					"round", o.Round, "decided", prev.Kind, "decided_hash", prev.Hash, "received_hash", o.Hash)
				e.metrics.InvariantViolations.WithLabelValues("conflicting_commit").Inc()
			}
			return
		}
	}
	e.decided.Add(o.Round, o)
	if e.maxDecided.Less(o.Round) {
		e.maxDecided = o.Round
	}
	e.forget(o.Round)
	e.metrics.Decisions.WithLabelValues(o.Kind.String()).Inc()
	e.logger.Debug("round decided", "round", o.Round, "kind", o.Kind, "hash", o.Hash, "own", o.Own)

	for _, w := range e.waiters[o.Round] {
		w <- o
	}
	delete(e.waiters, o.Round)

	select {
	case e.outcomes <- o:
	case <-ctx.Done():
	}
}

// answerLate sends a decided round to a peer still voting in it.
func (e *Engine) answerLate(vote VoteMessage, o Outcome) {
	if o.TimedOut {
		return
	}
	peer, ok := e.peers.ByPublicKey(vote.PublicKey)
	if !ok {
		return
	}
	e.logger.Debug("answering late vote", "round", o.Round, "peer", peer.Name)
	go e.network.SendState(peer, o)
}

func (e *Engine) state(round types.Round) State {
	if o, ok := e.decided.Get(round); ok {
		return o.state()
	}
	if t, ok := e.tally(round); ok {
		return t.state()
	}
	return WaitingProposal{}
}

func (e *Engine) drop(vote VoteMessage, reason string) {
	e.metrics.DroppedVotes.WithLabelValues(reason).Inc()
	e.logger.Debug("dropped vote", "round", vote.Hash.Round, "reason", reason)
}
