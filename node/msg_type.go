package node

import (
	"reflect"

	"github.com/gitzhang10/yac/types"
	"github.com/gitzhang10/yac/yac"
)

const (
	VoteTag uint8 = iota
	CommitTag
	RejectTag
	BlockRequestTag
	BlockResponseTag
)

// BlockRequest asks a peer for the stored blocks [From..To].
type BlockRequest struct {
	ID   uint64
	From uint64
	To   uint64
}

// BlockResponse answers the request with the same ID. Blocks is a prefix of
// the requested range, possibly empty; Err is set when the peer failed.
type BlockResponse struct {
	ID     uint64
	Blocks []*types.Block
	Err    string
}

var reflectedTypesMap = map[uint8]reflect.Type{
	VoteTag:          reflect.TypeOf(yac.VoteMessage{}),
	CommitTag:        reflect.TypeOf(yac.CommitMessage{}),
	RejectTag:        reflect.TypeOf(yac.RejectMessage{}),
	BlockRequestTag:  reflect.TypeOf(BlockRequest{}),
	BlockResponseTag: reflect.TypeOf(BlockResponse{}),
}
