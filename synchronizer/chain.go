package synchronizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitzhang10/yac/types"
)

// fetchRange asks peer for [from..to] until every height arrived, continuing
// partial responses from the last received height. Blocks are verified and
// linked to each other, not to anything local.
func (s *Synchronizer) fetchRange(ctx context.Context, peer types.Peer, from, to uint64) ([]*types.Block, error) {
	out := make([]*types.Block, 0, to-from+1)
	next := from
	for next <= to {
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		got, err := s.fetcher.RequestBlocks(reqCtx, peer, next, to)
		cancel()
		if err != nil && len(got) == 0 {
			return nil, err
		}
		if len(got) == 0 {
			return nil, ErrNoProgress
		}
		s.metrics.FetchedBlocks.Add(float64(len(got)))
		for _, b := range got {
			if b == nil || b.Height != next {
				return nil, fmt.Errorf("%w: wanted %d", ErrUnexpectedBlock, next)
			}
			if err := b.Verify(); err != nil {
				return nil, err
			}
			if len(out) > 0 && !b.Extends(out[len(out)-1]) {
				return nil, fmt.Errorf("%w: at height %d", ErrBrokenLinkage, b.Height)
			}
			out = append(out, b)
			next++
			if next > to {
				break
			}
		}
		if err != nil {
			// partial response followed by a failure: keep asking from here
			s.logger.Debug("partial block response", "peer", peer.Name, "next", next, "error", err)
		}
	}
	return out, nil
}

// fetchChain builds the chain ending at the decided block and anchored on the
// local chain. When the fetched segment does not extend the local block below
// it, the local tail has diverged and the segment is extended downwards,
// doubling the step, possibly down to genesis.
func (s *Synchronizer) fetchChain(ctx context.Context, peer types.Peer, from uint64, d Decision) ([]*types.Block, error) {
	chain, err := s.fetchRange(ctx, peer, from, d.Height)
	if err != nil {
		return nil, err
	}
	if !chain[len(chain)-1].Hash.Equal(d.BlockHash) {
		return nil, fmt.Errorf("%w: got %s want %s", ErrTargetMismatch, chain[len(chain)-1].Hash, d.BlockHash)
	}
	step := uint64(1)
	for {
		lo := chain[0].Height
		anchored, err := s.anchors(chain[0])
		if err != nil {
			return nil, err
		}
		if anchored {
			return chain, nil
		}
		if lo == 1 {
			return nil, fmt.Errorf("%w: genesis has a previous hash", ErrBrokenLinkage)
		}
		newLo := uint64(1)
		if lo > step {
			newLo = lo - step
		}
		step *= 2
		s.logger.Debug("local chain diverged, walking back", "peer", peer.Name, "from", newLo, "to", lo-1)
		prefix, err := s.fetchRange(ctx, peer, newLo, lo-1)
		if err != nil {
			return nil, err
		}
		if !chain[0].Extends(prefix[len(prefix)-1]) {
			return nil, fmt.Errorf("%w: at height %d", ErrBrokenLinkage, lo)
		}
		chain = append(prefix, chain...)
	}
}

// anchors reports whether first directly extends the local block below it.
func (s *Synchronizer) anchors(first *types.Block) (bool, error) {
	if first.Height == 1 {
		return first.Extends(nil), nil
	}
	parent, ok, err := s.storage.Fetch(first.Height - 1)
	if err != nil {
		return false, err
	}
	return ok && first.Extends(parent), nil
}

// isInvalidData separates peers that served bad data from peers that merely failed.
func isInvalidData(err error) bool {
	return errors.Is(err, ErrBrokenLinkage) ||
		errors.Is(err, ErrTargetMismatch) ||
		errors.Is(err, ErrUnexpectedBlock) ||
		errors.Is(err, types.ErrBlockHashMismatch) ||
		errors.Is(err, types.ErrInvalidHeight)
}
