package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/algorand/go-deadlock"

	"github.com/gitzhang10/yac/types"
)

// ErrRemoteFetch wraps the failure a peer reported for a block request.
var ErrRemoteFetch = errors.New("peer failed to serve blocks")

type pendingFetch struct {
	peer string
	ch   chan BlockResponse
}

// netFetcher implements synchronizer.BlockFetcher over the transport. Requests
// are matched to responses by ID and by the responding peer.
type netFetcher struct {
	n *Node

	lock    deadlock.Mutex
	nextID  uint64
	pending map[uint64]pendingFetch
}

func newNetFetcher(n *Node) *netFetcher {
	return &netFetcher{n: n, pending: make(map[uint64]pendingFetch)}
}

func (f *netFetcher) RequestBlocks(ctx context.Context, peer types.Peer, from, to uint64) ([]*types.Block, error) {
	f.lock.Lock()
	f.nextID++
	id := f.nextID
	ch := make(chan BlockResponse, 1)
	f.pending[id] = pendingFetch{peer: peer.Name, ch: ch}
	f.lock.Unlock()
	defer func() {
		f.lock.Lock()
		delete(f.pending, id)
		f.lock.Unlock()
	}()

	if err := f.n.sendTo(peer, BlockRequestTag, BlockRequest{ID: id, From: from, To: to}); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Err != "" {
			return resp.Blocks, fmt.Errorf("%w: %s", ErrRemoteFetch, resp.Err)
		}
		return resp.Blocks, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver hands a response to the request waiting for it. Unsolicited
// responses and responses from another peer are dropped.
func (f *netFetcher) deliver(sender string, resp BlockResponse) {
	f.lock.Lock()
	req, ok := f.pending[resp.ID]
	f.lock.Unlock()
	if !ok || req.peer != sender {
		f.n.logger.Debug("dropping unexpected block response", "id", resp.ID, "sender", sender)
		return
	}
	select {
	case req.ch <- resp:
	default:
	}
}

// serveBlocks answers a block request from local storage, at most
// maxBlocksPerResponse blocks, stopping at the first missing height.
func (n *Node) serveBlocks(sender string, req BlockRequest) {
	peer, ok := n.peers.ByName(sender)
	if !ok {
		return
	}
	resp := BlockResponse{ID: req.ID}
	if req.From == 0 || req.To < req.From {
		resp.Err = fmt.Sprintf("invalid range [%d..%d]", req.From, req.To)
	} else {
		to := req.To
		if limit := uint64(n.maxBlocksPerResponse); to-req.From >= limit {
			to = req.From + limit - 1
		}
		for h := req.From; h <= to; h++ {
			b, ok, err := n.store.Fetch(h)
			if err != nil {
				resp.Err = err.Error()
				break
			}
			if !ok {
				break
			}
			resp.Blocks = append(resp.Blocks, b)
		}
	}
	if err := n.sendTo(peer, BlockResponseTag, resp); err != nil {
		n.logger.Debug("fail to answer block request", "receiver", sender, "error", err)
	}
}
