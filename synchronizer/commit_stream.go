package synchronizer

import (
	"context"

	"github.com/algorand/go-deadlock"

	"github.com/gitzhang10/yac/types"
)

type EventKind int

const (
	// EventCommit announces a newly persisted height.
	EventCommit EventKind = iota
	// EventRollback announces that every height above Height was removed.
	// Commit events for the replacing blocks follow.
	EventRollback
)

func (k EventKind) String() string {
	if k == EventRollback {
		return "rollback"
	}
	return "commit"
}

// Event is one entry of the commit stream. Between two rollbacks the heights
// of commit events are strictly increasing and without gaps.
type Event struct {
	Kind   EventKind
	Height uint64
	Block  *types.Block
	Round  types.Round
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// commitStream fans events out to subscribers. Delivery is lossless: a slow
// subscriber slows the synchronizer down.
type commitStream struct {
	mu     deadlock.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

func newCommitStream() *commitStream {
	return &commitStream{subs: make(map[int]*subscriber)}
}

func (cs *commitStream) subscribe(buffer int) (<-chan Event, func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	sub := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}
	if cs.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := cs.nextID
	cs.nextID++
	cs.subs[id] = sub
	return sub.ch, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if _, ok := cs.subs[id]; ok {
			delete(cs.subs, id)
			close(sub.done)
		}
	}
}

// emit only runs on the synchronizer loop.
func (cs *commitStream) emit(ctx context.Context, ev Event) {
	cs.mu.Lock()
	subs := make([]*subscriber, 0, len(cs.subs))
	for _, sub := range cs.subs {
		subs = append(subs, sub)
	}
	cs.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}

// close ends every remaining subscription. Called once the loop has exited.
func (cs *commitStream) close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.closed = true
	for id, sub := range cs.subs {
		close(sub.ch)
		delete(cs.subs, id)
	}
}
