package kernel

import (
	"fmt"
	"iter"
)

// EntryRange returns a lazy sequence of block tree entries from start to
// end, both inclusive. Negative positions count back from the tip: -1 is
// the tip, -2 the block before it. Direction is inferred: ascending when
// the resolved start height is <= the end height, descending otherwise.
//
// Position resolution happens before any iteration; out-of-range
// positions (after negative resolution) fail with ErrOutOfRange here
// rather than mid-iteration.
//
// The sequence reads through the live chain and is not safe to consume
// across concurrent block processing.
func (c *Chain) EntryRange(start, end int) (iter.Seq2[*BlockTreeEntry, error], error) {
	startEntry, err := c.resolvePosition(start)
	if err != nil {
		return nil, err
	}
	endEntry, err := c.resolvePosition(end)
	if err != nil {
		return nil, err
	}
	return c.EntryRangeBetween(startEntry, endEntry), nil
}

// EntryRangeBetween is EntryRange for explicitly resolved entries.
func (c *Chain) EntryRangeBetween(start, end *BlockTreeEntry) iter.Seq2[*BlockTreeEntry, error] {
	ascending := start.Height() <= end.Height()
	return func(yield func(*BlockTreeEntry, error) bool) {
		next := start
		for next != nil {
			if !yield(next, nil) {
				return
			}
			if next.Equal(end) {
				return
			}
			var (
				succ *BlockTreeEntry
				ok   bool
				err  error
			)
			if ascending {
				succ, ok, err = c.Next(next)
				if err == nil && !ok {
					err = fmt.Errorf("%w: chain ended before reaching %s", ErrNotFound, end)
				}
			} else {
				succ, err = next.Previous()
			}
			if err != nil {
				yield(nil, err)
				return
			}
			next = succ
		}
	}
}

// resolvePosition turns a possibly-negative chain position into an entry.
func (c *Chain) resolvePosition(pos int) (*BlockTreeEntry, error) {
	tipHeight, err := c.Height()
	if err != nil {
		return nil, err
	}
	resolved := pos
	if pos < 0 {
		resolved = int(tipHeight) + pos + 1
	}
	if resolved < 0 || resolved > int(tipHeight) {
		return nil, fmt.Errorf("%w: position %d resolves to %d, valid range [0, %d]",
			ErrOutOfRange, pos, resolved, tipHeight)
	}
	return c.Get(int32(resolved))
}
