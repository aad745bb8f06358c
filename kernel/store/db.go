// Package store persists the block tree, active chain, UTXO set and undo
// data for a chainstate manager. Layout:
//
//	<datadir>/blocktree.db   block index entries by hash
//	<datadir>/chainstate.db  utxo set, canonical chain, manager metadata
//	<blocksdir>/blocks.db    raw block bytes and undo records by hash
//
// Each file is a bbolt database and carries its own exclusive file lock, so
// at most one open store exists per data directory at a time.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketIndex     = []byte("block_index_by_hash")
	bucketUtxo      = []byte("utxo_by_outpoint")
	bucketCanonical = []byte("canonical_by_height")
	bucketMeta      = []byte("meta")
	bucketBlocks    = []byte("blocks_by_hash")
	bucketUndo      = []byte("undo_by_block_hash")

	keyTipHash = []byte("tip_hash")
)

// ErrLocked reports that another store holds the lock on one of the
// database files.
var ErrLocked = errors.New("store: database locked by another process")

type BlockStatus byte

const (
	BlockStatusUnknown BlockStatus = 0
	BlockStatusValid   BlockStatus = 1
	BlockStatusInvalid BlockStatus = 2
)

// IndexEntry is one node of the persisted block tree.
type IndexEntry struct {
	Height int32
	Prev   chainhash.Hash
	Status BlockStatus
	Work   *big.Int // cumulative, non-negative
}

// Options control where the store lives and which parts are rebuilt or
// kept off disk.
type Options struct {
	DataDir   string
	BlocksDir string

	WipeBlockTree  bool
	WipeChainstate bool

	BlockTreeInMemory  bool
	ChainstateInMemory bool
}

type DB struct {
	dataDir   string
	blocksDir string

	blockTree  *bolt.DB
	chainstate *bolt.DB
	blocks     *bolt.DB

	tmpDirs []string
	closed  bool
}

// Open opens (creating if necessary) the three databases. In-memory parts
// are backed by a throwaway temp directory removed on Close.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("store: datadir required")
	}
	if opts.BlocksDir == "" {
		opts.BlocksDir = filepath.Join(opts.DataDir, "blocks")
	}
	for _, dir := range []string{opts.DataDir, opts.BlocksDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}

	d := &DB{dataDir: opts.DataDir, blocksDir: opts.BlocksDir}

	blockTreePath, err := d.resolvePath(opts.DataDir, "blocktree.db", opts.BlockTreeInMemory)
	if err != nil {
		return nil, err
	}
	chainstatePath, err := d.resolvePath(opts.DataDir, "chainstate.db", opts.ChainstateInMemory)
	if err != nil {
		d.cleanupTmp()
		return nil, err
	}
	blocksPath := filepath.Join(opts.BlocksDir, "blocks.db")

	if d.blockTree, err = openBolt(blockTreePath); err != nil {
		d.cleanupTmp()
		return nil, err
	}
	if d.chainstate, err = openBolt(chainstatePath); err != nil {
		_ = d.blockTree.Close()
		d.cleanupTmp()
		return nil, err
	}
	if d.blocks, err = openBolt(blocksPath); err != nil {
		_ = d.blockTree.Close()
		_ = d.chainstate.Close()
		d.cleanupTmp()
		return nil, err
	}

	if err := d.initBuckets(opts.WipeBlockTree, opts.WipeChainstate); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) resolvePath(dir, name string, inMemory bool) (string, error) {
	if !inMemory {
		return filepath.Join(dir, name), nil
	}
	tmp, err := os.MkdirTemp("", "kernelstore")
	if err != nil {
		return "", err
	}
	d.tmpDirs = append(d.tmpDirs, tmp)
	return filepath.Join(tmp, name), nil
}

func openBolt(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return db, nil
}

func (d *DB) initBuckets(wipeBlockTree, wipeChainstate bool) error {
	ensure := func(db *bolt.DB, wipe bool, buckets ...[]byte) error {
		return db.Update(func(tx *bolt.Tx) error {
			for _, b := range buckets {
				if wipe {
					if err := tx.DeleteBucket(b); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
						return err
					}
				}
				if _, err := tx.CreateBucketIfNotExists(b); err != nil {
					return fmt.Errorf("create bucket %s: %w", string(b), err)
				}
			}
			return nil
		})
	}
	if err := ensure(d.blockTree, wipeBlockTree, bucketIndex); err != nil {
		return err
	}
	if err := ensure(d.chainstate, wipeChainstate, bucketUtxo, bucketCanonical, bucketMeta); err != nil {
		return err
	}
	// Raw blocks are content addressed and never wiped; a rebuild reconnects
	// them against a fresh index.
	return ensure(d.blocks, false, bucketBlocks, bucketUndo)
}

// DataDir returns the directory the store was opened on.
func (d *DB) DataDir() string { return d.dataDir }

// Close releases the databases and any temp-backed in-memory parts.
// Safe to call more than once.
func (d *DB) Close() error {
	if d == nil || d.closed {
		return nil
	}
	d.closed = true
	var firstErr error
	for _, db := range []*bolt.DB{d.blockTree, d.chainstate, d.blocks} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.cleanupTmp()
	return firstErr
}

func (d *DB) cleanupTmp() {
	for _, dir := range d.tmpDirs {
		_ = os.RemoveAll(dir)
	}
	d.tmpDirs = nil
}

func (d *DB) PutIndexEntry(hash chainhash.Hash, e IndexEntry) error {
	raw, err := encodeIndexEntry(e)
	if err != nil {
		return err
	}
	return d.blockTree.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).Put(hash[:], raw)
	})
}

func (d *DB) GetIndexEntry(hash chainhash.Hash) (*IndexEntry, bool, error) {
	var out *IndexEntry
	err := d.blockTree.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIndex).Get(hash[:])
		if v == nil {
			return nil
		}
		e, err := decodeIndexEntry(v)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (d *DB) GetBlock(hash chainhash.Hash) ([]byte, bool, error) {
	var out []byte
	err := d.blocks.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(hash[:])
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (d *DB) GetUndo(hash chainhash.Hash) (*UndoRecord, bool, error) {
	var out *UndoRecord
	err := d.blocks.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUndo).Get(hash[:])
		if v == nil {
			return nil
		}
		u, err := decodeUndoRecord(v)
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (d *DB) GetCoin(point wire.OutPoint) (*CoinRecord, bool, error) {
	var out *CoinRecord
	key := encodeOutpointKey(point)
	err := d.chainstate.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUtxo).Get(key)
		if v == nil {
			return nil
		}
		c, err := decodeCoinRecord(v)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (d *DB) CanonicalHash(height int32) (chainhash.Hash, bool, error) {
	var out chainhash.Hash
	var ok bool
	err := d.chainstate.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCanonical).Get(encodeHeightKey(height))
		if len(v) == chainhash.HashSize {
			copy(out[:], v)
			ok = true
		}
		return nil
	})
	return out, ok, err
}

// Tip returns the hash of the active chain tip, if any chain is active.
func (d *DB) Tip() (chainhash.Hash, bool, error) {
	var out chainhash.Hash
	var ok bool
	err := d.chainstate.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyTipHash)
		if len(v) == chainhash.HashSize {
			copy(out[:], v)
			ok = true
		}
		return nil
	})
	return out, ok, err
}

// CreatedCoin pairs a fresh outpoint with its coin record.
type CreatedCoin struct {
	Point wire.OutPoint
	Coin  CoinRecord
}

// ConnectData is everything needed to persist one block as the new active
// tip.
type ConnectData struct {
	Hash     chainhash.Hash
	Entry    IndexEntry
	RawBlock []byte
	Undo     UndoRecord
	Spent    []wire.OutPoint
	Created  []CreatedCoin
}

// ConnectBlock persists a block as the new tip. Raw block and undo data go
// in first (content addressed, harmless if orphaned by a crash), then the
// index entry, then the chainstate delta in a single transaction.
func (d *DB) ConnectBlock(c ConnectData) error {
	undoBytes, err := encodeUndoRecord(c.Undo)
	if err != nil {
		return err
	}
	entryBytes, err := encodeIndexEntry(c.Entry)
	if err != nil {
		return err
	}
	if err := d.blocks.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlocks).Put(c.Hash[:], c.RawBlock); err != nil {
			return err
		}
		return tx.Bucket(bucketUndo).Put(c.Hash[:], undoBytes)
	}); err != nil {
		return err
	}
	if err := d.blockTree.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).Put(c.Hash[:], entryBytes)
	}); err != nil {
		return err
	}
	return d.chainstate.Update(func(tx *bolt.Tx) error {
		bu := tx.Bucket(bucketUtxo)
		for _, p := range c.Spent {
			if err := bu.Delete(encodeOutpointKey(p)); err != nil {
				return err
			}
		}
		for _, cc := range c.Created {
			raw, err := encodeCoinRecord(cc.Coin)
			if err != nil {
				return err
			}
			if err := bu.Put(encodeOutpointKey(cc.Point), raw); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketCanonical).Put(encodeHeightKey(c.Entry.Height), c.Hash[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyTipHash, c.Hash[:])
	})
}

// PutSideBlock stores a block that is valid but not (yet) on the active
// chain: raw bytes plus its index entry, with no chainstate delta.
func (d *DB) PutSideBlock(hash chainhash.Hash, entry IndexEntry, rawBlock []byte) error {
	entryBytes, err := encodeIndexEntry(entry)
	if err != nil {
		return err
	}
	if err := d.blocks.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(hash[:], rawBlock)
	}); err != nil {
		return err
	}
	return d.blockTree.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).Put(hash[:], entryBytes)
	})
}

// DisconnectData describes the rollback of the current tip to its parent.
type DisconnectData struct {
	Hash     chainhash.Hash
	Height   int32
	PrevHash chainhash.Hash
	// Removed are the outpoints created by the disconnected block.
	Removed []wire.OutPoint
	// Restored are the coins its inputs had consumed.
	Restored []CreatedCoin
}

// DisconnectTip rolls the chainstate back by one block. The block and its
// undo record stay on disk; only the chainstate delta is reverted.
func (d *DB) DisconnectTip(dd DisconnectData) error {
	return d.chainstate.Update(func(tx *bolt.Tx) error {
		bu := tx.Bucket(bucketUtxo)
		for _, p := range dd.Removed {
			if err := bu.Delete(encodeOutpointKey(p)); err != nil {
				return err
			}
		}
		for _, rc := range dd.Restored {
			raw, err := encodeCoinRecord(rc.Coin)
			if err != nil {
				return err
			}
			if err := bu.Put(encodeOutpointKey(rc.Point), raw); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketCanonical).Delete(encodeHeightKey(dd.Height)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyTipHash, dd.PrevHash[:])
	})
}

func encodeHeightKey(height int32) []byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], uint32(height)) // #nosec G115 -- heights are non-negative.
	return out[:]
}

func encodeIndexEntry(e IndexEntry) ([]byte, error) {
	if e.Work == nil || e.Work.Sign() < 0 {
		return nil, fmt.Errorf("index: cumulative work required")
	}
	if e.Height < 0 {
		return nil, fmt.Errorf("index: negative height")
	}
	work := e.Work.Bytes()
	if len(work) > 0xffff {
		return nil, fmt.Errorf("index: cumulative work too large")
	}
	// Layout:
	// height u32le | prev_hash 32 | status u8 | work_len u16le | work_bytes
	out := make([]byte, 4+32+1+2+len(work))
	binary.LittleEndian.PutUint32(out[0:4], uint32(e.Height))
	copy(out[4:36], e.Prev[:])
	out[36] = byte(e.Status)
	binary.LittleEndian.PutUint16(out[37:39], uint16(len(work))) // #nosec G115 -- len(work) checked against 0xffff above.
	copy(out[39:], work)
	return out, nil
}

func decodeIndexEntry(b []byte) (*IndexEntry, error) {
	if len(b) < 4+32+1+2 {
		return nil, fmt.Errorf("index: truncated")
	}
	height := binary.LittleEndian.Uint32(b[0:4])
	var prev chainhash.Hash
	copy(prev[:], b[4:36])
	status := BlockStatus(b[36])
	workLen := int(binary.LittleEndian.Uint16(b[37:39]))
	if 39+workLen != len(b) {
		return nil, fmt.Errorf("index: bad work len")
	}
	return &IndexEntry{
		Height: int32(height), // #nosec G115 -- encoded from a non-negative int32.
		Prev:   prev,
		Status: status,
		Work:   new(big.Int).SetBytes(b[39:]),
	}, nil
}
