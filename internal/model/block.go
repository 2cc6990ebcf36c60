package model

import (
	"strings"
	"time"
)

// ZeroHash is the genesis block's prevHash: 64 hex zeros (32 zero bytes,
// SHA-256 output width).
var ZeroHash = strings.Repeat("0", 64)

// Block is a sealed, hash-linked entry in the Proof-of-Judgment chain.
// See SPEC_FULL.md §3 and §4.5.
type Block struct {
	Slot        int64     `json:"slot"`
	PrevHash    string    `json:"prevHash"`
	MerkleRoot  string    `json:"merkleRoot"`
	JudgmentIDs []string  `json:"judgmentIds"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsGenesis reports whether b is the chain's genesis block.
func (b Block) IsGenesis() bool {
	return b.Slot == 0
}
