package kernel

import (
	"fmt"
)

// Chain is a live, height-indexed view onto the currently-best chain. It
// reads through to the owning manager on every access: contents may change
// between two accesses when blocks are processed concurrently. Callers
// needing a consistent sweep must serialize block processing against chain
// reads.
type Chain struct {
	m *ChainstateManager
}

// Height returns the current tip height. Valid heights for Get are
// 0..Height() inclusive; the chain length is Height()+1.
func (c *Chain) Height() (int32, error) {
	tip, err := c.m.tipEntry()
	if err != nil {
		return 0, err
	}
	return tip.height, nil
}

// Tip returns the entry at the current tip.
func (c *Chain) Tip() (*BlockTreeEntry, error) {
	return c.m.tipEntry()
}

// Genesis returns the entry at height 0.
func (c *Chain) Genesis() (*BlockTreeEntry, error) {
	return c.Get(0)
}

// Get returns the entry at the given height, or ErrOutOfRange when height
// is outside [0, Height()].
func (c *Chain) Get(height int32) (*BlockTreeEntry, error) {
	if err := c.m.checkOpen(); err != nil {
		return nil, err
	}
	tipHeight, err := c.Height()
	if err != nil {
		return nil, err
	}
	if height < 0 || height > tipHeight {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrOutOfRange, height, tipHeight)
	}
	hash, ok, err := c.m.db.CanonicalHash(height)
	if err != nil {
		return nil, &IOError{Op: "read canonical chain", Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("%w: no canonical block at height %d", ErrNotFound, height)
	}
	return c.m.entryByHash(hash)
}

// Contains reports whether the entry is part of the active chain.
func (c *Chain) Contains(entry *BlockTreeEntry) (bool, error) {
	if err := c.m.checkOpen(); err != nil {
		return false, err
	}
	hash, ok, err := c.m.db.CanonicalHash(entry.height)
	if err != nil {
		return false, &IOError{Op: "read canonical chain", Err: err}
	}
	return ok && hash == entry.hash, nil
}

// Next returns the active-chain successor of entry. ok is false at the tip
// and for entries not on the active chain.
func (c *Chain) Next(entry *BlockTreeEntry) (*BlockTreeEntry, bool, error) {
	onChain, err := c.Contains(entry)
	if err != nil {
		return nil, false, err
	}
	if !onChain {
		return nil, false, nil
	}
	tipHeight, err := c.Height()
	if err != nil {
		return nil, false, err
	}
	if entry.height >= tipHeight {
		return nil, false, nil
	}
	next, err := c.Get(entry.height + 1)
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}
