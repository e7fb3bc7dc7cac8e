package types

import "fmt"

// Round identifies one consensus attempt. BlockRound is the height being agreed
// on and RejectRound counts failed attempts at that height.
type Round struct {
	BlockRound  uint64
	RejectRound uint64
}

// Compare orders rounds lexicographically by (BlockRound, RejectRound).
func (r Round) Compare(o Round) int {
	switch {
	case r.BlockRound < o.BlockRound:
		return -1
	case r.BlockRound > o.BlockRound:
		return 1
	case r.RejectRound < o.RejectRound:
		return -1
	case r.RejectRound > o.RejectRound:
		return 1
	}
	return 0
}

// Less reports whether r is strictly before o.
func (r Round) Less(o Round) bool {
	return r.Compare(o) < 0
}

// NextReject is the round that follows a failed agreement at the same height.
func (r Round) NextReject() Round {
	return Round{BlockRound: r.BlockRound, RejectRound: r.RejectRound + 1}
}

// NextBlock is the first round of the next height.
func (r Round) NextBlock() Round {
	return Round{BlockRound: r.BlockRound + 1}
}

func (r Round) String() string {
	return fmt.Sprintf("(%d, %d)", r.BlockRound, r.RejectRound)
}
