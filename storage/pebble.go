package storage

import (
	"encoding/binary"
	"errors"

	"github.com/algorand/go-deadlock"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/gitzhang10/yac/types"
)

var blockPrefix = []byte("blk/")

// PebbleBlockStorage keeps blocks in a pebble LSM under big-endian height keys,
// so pebble's byte order is ascending height order.
type PebbleBlockStorage struct {
	mu    deadlock.Mutex
	db    *pebble.DB
	wo    *pebble.WriteOptions
	count int
}

// NewPebbleBlockStorage opens (or creates) the store in dir. inMem keeps
// everything on an in-memory filesystem.
func NewPebbleBlockStorage(dir string, inMem bool) (*PebbleBlockStorage, error) {
	opts := &pebble.Options{}
	if inMem {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	s := &PebbleBlockStorage{db: db, wo: pebble.Sync}
	iter := db.NewIter(s.bounds())
	for iter.First(); iter.Valid(); iter.Next() {
		s.count++
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func pebbleKey(id uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], id)
	return key
}

func (s *PebbleBlockStorage) bounds() *pebble.IterOptions {
	upper := append([]byte(nil), blockPrefix...)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: blockPrefix, UpperBound: upper}
}

func (s *PebbleBlockStorage) get(id uint64) ([]byte, bool, error) {
	val, closer, err := s.db.Get(pebbleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ret := make([]byte, len(val))
	copy(ret, val)
	closer.Close()
	return ret, true, nil
}

func (s *PebbleBlockStorage) Insert(id uint64, block *types.Block) (bool, error) {
	data, err := encodeBlock(block)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.get(id)
	if err != nil || ok {
		return false, err
	}
	if err := s.db.Set(pebbleKey(id), data, s.wo); err != nil {
		return false, err
	}
	s.count++
	return true, nil
}

func (s *PebbleBlockStorage) Fetch(id uint64) (*types.Block, bool, error) {
	data, ok, err := s.get(id)
	if err != nil || !ok {
		return nil, false, err
	}
	block, err := decodeBlock(id, data)
	if err != nil {
		return nil, false, err
	}
	return block, true, nil
}

func (s *PebbleBlockStorage) Size() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

func (s *PebbleBlockStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bounds()
	if err := s.db.DeleteRange(b.LowerBound, b.UpperBound, s.wo); err != nil {
		return err
	}
	s.count = 0
	return nil
}

func (s *PebbleBlockStorage) TruncateFrom(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bounds()
	iter := s.db.NewIter(&pebble.IterOptions{LowerBound: pebbleKey(id), UpperBound: b.UpperBound})
	dropped := 0
	for iter.First(); iter.Valid(); iter.Next() {
		dropped++
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if dropped == 0 {
		return nil
	}
	if err := s.db.DeleteRange(pebbleKey(id), b.UpperBound, s.wo); err != nil {
		return err
	}
	s.count -= dropped
	return nil
}

// ForEach iterates over a pebble snapshot-consistent iterator.
func (s *PebbleBlockStorage) ForEach(fn func(id uint64, block *types.Block) error) error {
	iter := s.db.NewIter(s.bounds())
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		id := binary.BigEndian.Uint64(iter.Key()[len(blockPrefix):])
		block, err := decodeBlock(id, append([]byte(nil), iter.Value()...))
		if err != nil {
			return err
		}
		if err := fn(id, block); err != nil {
			return forEachStop(err)
		}
	}
	return iter.Error()
}

func (s *PebbleBlockStorage) top() (uint64, error) {
	iter := s.db.NewIter(s.bounds())
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return binary.BigEndian.Uint64(iter.Key()[len(blockPrefix):]), nil
}

func (s *PebbleBlockStorage) Close() error {
	return s.db.Close()
}
