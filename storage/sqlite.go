package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/gitzhang10/yac/types"
)

// Ids are 8-byte big-endian blobs so that bytewise order is uint64 order.
var blockSchema = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		id BLOB PRIMARY KEY NOT NULL,
		hash BLOB,
		data BLOB)`,
}

type blockRow struct {
	ID   []byte `db:"id"`
	Hash []byte `db:"hash"`
	Data []byte `db:"data"`
}

// SQLiteBlockStorage keeps blocks in a sqlite table keyed by height.
type SQLiteBlockStorage struct {
	db *sqlx.DB
}

func NewSQLiteBlockStorage(path string) (*SQLiteBlockStorage, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps every statement on the same database, including ":memory:"
	db.SetMaxOpenConns(1)
	for _, stmt := range blockSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite storage could not create table: %w", err)
		}
	}
	return &SQLiteBlockStorage{db: db}, nil
}

func sqliteKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func sqliteID(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("%w: malformed id column %x", ErrCorruptBlock, key)
	}
	return binary.BigEndian.Uint64(key), nil
}

func (s *SQLiteBlockStorage) Insert(id uint64, block *types.Block) (bool, error) {
	data, err := encodeBlock(block)
	if err != nil {
		return false, err
	}
	_, err = s.db.Exec("INSERT INTO blocks (id, hash, data) VALUES (?, ?, ?)", sqliteKey(id), []byte(block.Hash), data)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SQLiteBlockStorage) Fetch(id uint64) (*types.Block, bool, error) {
	var row blockRow
	err := s.db.Get(&row, "SELECT id, hash, data FROM blocks WHERE id=?", sqliteKey(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	block, err := s.decodeRow(row)
	if err != nil {
		return nil, false, err
	}
	return block, true, nil
}

func (s *SQLiteBlockStorage) decodeRow(row blockRow) (*types.Block, error) {
	id, err := sqliteID(row.ID)
	if err != nil {
		return nil, err
	}
	block, err := decodeBlock(id, row.Data)
	if err != nil {
		return nil, err
	}
	if !block.Hash.Equal(row.Hash) {
		return nil, fmt.Errorf("%w: id %d: hash column mismatch", ErrCorruptBlock, id)
	}
	return block, nil
}

func (s *SQLiteBlockStorage) Size() (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM blocks")
	return n, err
}

func (s *SQLiteBlockStorage) Clear() error {
	_, err := s.db.Exec("DELETE FROM blocks")
	return err
}

func (s *SQLiteBlockStorage) TruncateFrom(id uint64) error {
	_, err := s.db.Exec("DELETE FROM blocks WHERE id>=?", sqliteKey(id))
	return err
}

// ForEach loads the rows first so fn is free to call back into the storage.
func (s *SQLiteBlockStorage) ForEach(fn func(id uint64, block *types.Block) error) error {
	var rows []blockRow
	if err := s.db.Select(&rows, "SELECT id, hash, data FROM blocks ORDER BY id ASC"); err != nil {
		return err
	}
	for _, row := range rows {
		block, err := s.decodeRow(row)
		if err != nil {
			return err
		}
		id, _ := sqliteID(row.ID)
		if err := fn(id, block); err != nil {
			return forEachStop(err)
		}
	}
	return nil
}

func (s *SQLiteBlockStorage) top() (uint64, error) {
	var top []byte
	if err := s.db.Get(&top, "SELECT MAX(id) FROM blocks"); err != nil {
		return 0, err
	}
	if top == nil {
		return 0, nil
	}
	return sqliteID(top)
}

func (s *SQLiteBlockStorage) Close() error {
	return s.db.Close()
}
