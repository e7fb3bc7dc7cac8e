// Package storage keeps committed blocks keyed by height.
package storage

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/gitzhang10/yac/types"
)

var (
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")
	// ErrCorruptBlock is returned when a persisted block fails to decode or verify.
	ErrCorruptBlock = errors.New("corrupt block in storage")
	// ErrStopIteration may be returned by a ForEach visitor to stop early without error.
	ErrStopIteration = errors.New("stop iteration")
)

// BlockStorage is a keyed map from block height to block. An id holds at most
// one block; once stored it is never replaced by Insert.
type BlockStorage interface {
	// Insert stores the block iff id is absent and reports whether it did.
	Insert(id uint64, block *types.Block) (bool, error)
	// Fetch returns the block at id. A miss is (nil, false, nil).
	Fetch(id uint64) (*types.Block, bool, error)
	Size() (int, error)
	Clear() error
	// ForEach visits every entry in ascending id order. A visitor error stops
	// the walk and is returned, except ErrStopIteration which ends it quietly.
	ForEach(fn func(id uint64, block *types.Block) error) error
}

// Truncator is implemented by storages that can drop a tail of entries.
type Truncator interface {
	// TruncateFrom removes every entry whose id is >= id.
	TruncateFrom(id uint64) error
}

// Closer is implemented by the durable variants.
type Closer interface {
	Close() error
}

// Top returns the highest stored id, 0 when empty.
func Top(s BlockStorage) (uint64, error) {
	if t, ok := s.(interface{ top() (uint64, error) }); ok {
		return t.top()
	}
	var top uint64
	err := s.ForEach(func(id uint64, _ *types.Block) error {
		top = id
		return nil
	})
	return top, err
}

// Truncate removes every entry with id >= from. Storages without Truncator
// are snapshotted, cleared and refilled with the kept prefix.
func Truncate(s BlockStorage, from uint64) error {
	if t, ok := s.(Truncator); ok {
		return t.TruncateFrom(from)
	}
	type entry struct {
		id    uint64
		block *types.Block
	}
	var keep []entry
	err := s.ForEach(func(id uint64, block *types.Block) error {
		if id >= from {
			return ErrStopIteration
		}
		keep = append(keep, entry{id, block})
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.Clear(); err != nil {
		return err
	}
	for _, e := range keep {
		if _, err := s.Insert(e.id, e.block); err != nil {
			return err
		}
	}
	return nil
}

// Open builds the storage named by backend. path is ignored for "memory".
func Open(backend, path string) (BlockStorage, error) {
	switch backend {
	case "", "memory":
		return NewMemoryBlockStorage(), nil
	case "pebble":
		return NewPebbleBlockStorage(path, false)
	case "sqlite":
		return NewSQLiteBlockStorage(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func encodeBlock(block *types.Block) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{}).Encode(block); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeBlock(id uint64, data []byte) (*types.Block, error) {
	block := new(types.Block)
	if err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(block); err != nil {
		return nil, fmt.Errorf("%w: id %d: %v", ErrCorruptBlock, id, err)
	}
	if err := block.Verify(); err != nil {
		return nil, fmt.Errorf("%w: id %d: %v", ErrCorruptBlock, id, err)
	}
	return block, nil
}

func forEachStop(err error) error {
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}
