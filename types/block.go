package types

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrBlockHashMismatch is returned by Verify when the stored hash does not match the payload.
	ErrBlockHashMismatch = errors.New("block hash does not match its payload")
	// ErrInvalidHeight is returned by Verify for a zero height.
	ErrInvalidHeight = errors.New("block height must be positive")
)

// Signature is a peer's signature over a block hash.
type Signature struct {
	PublicKey ed25519.PublicKey
	Value     []byte
}

// Block is a committed unit of the ledger. Blocks are shared by pointer and must
// not be modified after construction.
type Block struct {
	Height       uint64
	PrevHash     Hash
	Hash         Hash
	Transactions [][]byte
	Signatures   []Signature
	CreatedTime  int64
}

// NewBlock builds a block and computes its hash. Genesis (height 1) has an empty PrevHash.
func NewBlock(height uint64, prevHash Hash, txs [][]byte, createdTime int64) *Block {
	b := &Block{
		Height:       height,
		PrevHash:     prevHash,
		Transactions: txs,
		CreatedTime:  createdTime,
	}
	b.Hash = b.computeHash()
	return b
}

// WithSignatures returns a copy of the block carrying the given signatures.
// The hash is unaffected: peers sign the payload hash.
func (b *Block) WithSignatures(sigs ...Signature) *Block {
	c := *b
	c.Signatures = append(append([]Signature(nil), b.Signatures...), sigs...)
	return &c
}

// Sign produces this key's signature over the block hash.
func (b *Block) Sign(priv ed25519.PrivateKey) Signature {
	return Signature{
		PublicKey: priv.Public().(ed25519.PublicKey),
		Value:     ed25519.Sign(priv, b.Hash),
	}
}

// Verify recomputes the hash from the payload.
func (b *Block) Verify() error {
	if b.Height == 0 {
		return ErrInvalidHeight
	}
	if !b.computeHash().Equal(b.Hash) {
		return fmt.Errorf("%w: height %d", ErrBlockHashMismatch, b.Height)
	}
	return nil
}

// Extends reports whether b directly follows parent. A nil parent stands for the
// empty chain, which only a genesis block extends.
func (b *Block) Extends(parent *Block) bool {
	if parent == nil {
		return b.Height == 1 && b.PrevHash.IsEmpty()
	}
	return b.Height == parent.Height+1 && b.PrevHash.Equal(parent.Hash)
}

// payload is the canonical byte layout the hash covers: height, created time,
// length-prefixed prev hash, then each length-prefixed transaction.
func (b *Block) payload() []byte {
	size := 8 + 8 + 4 + len(b.PrevHash) + 4
	for _, tx := range b.Transactions {
		size += 4 + len(tx)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint64(buf, b.Height)
	buf = binary.BigEndian.AppendUint64(buf, uint64(b.CreatedTime))
	buf = appendBytes(buf, b.PrevHash)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		buf = appendBytes(buf, tx)
	}
	return buf
}

func (b *Block) computeHash() Hash {
	return HashBytes(b.payload())
}

func (b *Block) String() string {
	return fmt.Sprintf("block{height: %d, hash: %s, prev: %s}", b.Height, b.Hash, b.PrevHash)
}

func appendBytes(buf []byte, data []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}
