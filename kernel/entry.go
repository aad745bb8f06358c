package kernel

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockTreeEntry identifies one block within the validated block tree.
// Entries are borrowed views: they are obtained from a chain, a manager
// lookup or a parent-link traversal, and become invalid once the owning
// manager is closed.
type BlockTreeEntry struct {
	m        *ChainstateManager
	hash     chainhash.Hash
	height   int32
	prevHash chainhash.Hash
}

// Height returns the entry's height in the tree; genesis is 0.
func (e *BlockTreeEntry) Height() int32 { return e.height }

// BlockHash returns the hash of the block this entry represents.
func (e *BlockTreeEntry) BlockHash() chainhash.Hash { return e.hash }

// Previous returns the parent entry, or ErrNoParent at genesis.
func (e *BlockTreeEntry) Previous() (*BlockTreeEntry, error) {
	if e.height == 0 {
		return nil, ErrNoParent
	}
	return e.m.entryByHash(e.prevHash)
}

// Equal reports whether both entries identify the same block, defined as
// (height, hash) equality.
func (e *BlockTreeEntry) Equal(other *BlockTreeEntry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.height == other.height && e.hash == other.hash
}

func (e *BlockTreeEntry) String() string {
	return fmt.Sprintf("<BlockTreeEntry height=%d hash=%s>", e.height, e.hash)
}
