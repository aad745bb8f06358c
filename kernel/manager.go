package kernel

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/stickies-v/go-bitcoinkernel/internal/metrics"
	"github.com/stickies-v/go-bitcoinkernel/kernel/store"
	"github.com/stickies-v/go-bitcoinkernel/kernellog"
)

// connectScriptFlags are the rules enforced when connecting a block to the
// active chain.
const connectScriptFlags = txscript.ScriptBip16 |
	txscript.ScriptVerifyDERSignatures |
	txscript.ScriptStrictMultiSig |
	txscript.ScriptVerifyCheckLockTimeVerify |
	txscript.ScriptVerifyCheckSequenceVerify |
	txscript.ScriptVerifyWitness |
	txscript.ScriptVerifyTaproot

// ChainstateManager is the top-level validation and indexing authority: it
// maintains the block tree, the active chain and the UTXO set, and serves
// disk-backed reads keyed by block tree entries.
//
// A manager requires exclusive access to its data directory; constructing
// a second manager over the same directory fails. Core operations are safe
// for concurrent use from multiple goroutines. Close must only be called
// once no other call is in flight.
type ChainstateManager struct {
	ctx           *Context
	db            *store.DB
	workerThreads int

	timeSource blockchain.MedianTimeSource
	sigCache   *txscript.SigCache

	closed    atomic.Bool
	importing atomic.Bool
	// mu serializes all chain mutations (process, import, reorg).
	mu sync.Mutex
	// invalidChainWork is the cumulative work of the heaviest known invalid
	// chain while the large-work warning is raised. Guarded by mu.
	invalidChainWork *big.Int
}

// NewChainstateManager opens or creates the chainstate at opts.DataDir.
// This may block for a long time when wipe flags request a rebuild.
func NewChainstateManager(ctx *Context, opts *ChainstateManagerOptions) (*ChainstateManager, error) {
	if ctx == nil {
		return nil, &InitializationError{Msg: "context is required"}
	}
	if opts == nil {
		return nil, &InitializationError{Msg: "options are required"}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	db, err := store.Open(store.Options{
		DataDir:            opts.DataDir,
		BlocksDir:          opts.blocksDir(),
		WipeBlockTree:      opts.WipeBlockTreeDB,
		WipeChainstate:     opts.WipeChainstateDB,
		BlockTreeInMemory:  opts.BlockTreeDBInMemory,
		ChainstateInMemory: opts.ChainstateDBInMemory,
	})
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, &InitializationError{Msg: "data directory is locked by another chainstate manager", Err: err}
		}
		return nil, &InitializationError{Msg: "open store", Err: err}
	}

	m := &ChainstateManager{
		ctx:           ctx,
		db:            db,
		workerThreads: opts.workerThreads(),
		timeSource:    blockchain.NewMedianTime(),
		sigCache:      txscript.NewSigCache(50000),
	}
	if err := m.ensureGenesis(); err != nil {
		_ = db.Close()
		return nil, &InitializationError{Msg: "initialize genesis", Err: err}
	}
	if opts.WipeBlockTreeDB || opts.WipeChainstateDB {
		m.ctx.notify(func(n *Notifications) {
			if n.BlockTip == nil {
				return
			}
			if tip, err := m.tipEntry(); err == nil {
				n.BlockTip(SyncStateInitReindex, tip)
			}
		})
	}
	kernellog.Logf(kernellog.CategoryKernel, kernellog.LevelInfo,
		"chainstate manager loaded, datadir=%s chain=%s", opts.DataDir, ctx.ChainParams().ChainType())
	return m, nil
}

// LoadChainstateManager composes context and options construction for the
// common open-or-create case.
func LoadChainstateManager(dataDir string, chainType ChainType) (*ChainstateManager, error) {
	params, err := NewChainParameters(chainType)
	if err != nil {
		return nil, err
	}
	ctxOpts := NewContextOptions()
	ctxOpts.SetChainParams(params)
	ctx, err := NewContext(ctxOpts)
	if err != nil {
		return nil, err
	}
	return NewChainstateManager(ctx, &ChainstateManagerOptions{DataDir: dataDir})
}

// Close releases the manager. All chains and block tree entries obtained
// from it become invalid and fail with ErrClosed. Safe to call more than
// once.
func (m *ChainstateManager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.db.Close()
}

// Context returns the context the manager was constructed with.
func (m *ChainstateManager) Context() *Context { return m.ctx }

func (m *ChainstateManager) checkOpen() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ActiveChain returns a live view of the currently-best chain. It is not a
// snapshot: see Chain.
func (m *ChainstateManager) ActiveChain() *Chain {
	return &Chain{m: m}
}

// BlockTreeEntryByHash looks the block hash up in the index.
func (m *ChainstateManager) BlockTreeEntryByHash(hash chainhash.Hash) (*BlockTreeEntry, error) {
	return m.entryByHash(hash)
}

func (m *ChainstateManager) entryByHash(hash chainhash.Hash) (*BlockTreeEntry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	e, ok, err := m.db.GetIndexEntry(hash)
	if err != nil {
		return nil, &IOError{Op: "read block index", Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return &BlockTreeEntry{m: m, hash: hash, height: e.Height, prevHash: e.Prev}, nil
}

func (m *ChainstateManager) tipEntry() (*BlockTreeEntry, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	hash, ok, err := m.db.Tip()
	if err != nil {
		return nil, &IOError{Op: "read chain tip", Err: err}
	}
	if !ok {
		return nil, &IOError{Op: "read chain tip", Err: errors.New("no active tip")}
	}
	return m.entryByHash(hash)
}

// ReadBlock reads the block for the given entry from disk.
func (m *ChainstateManager) ReadBlock(entry *BlockTreeEntry) (*Block, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	raw, ok, err := m.db.GetBlock(entry.hash)
	metrics.ObserveBlockRead(err == nil && ok)
	if err != nil {
		return nil, &IOError{Op: "read block", Err: err}
	}
	if !ok {
		return nil, &IOError{Op: "read block", Err: fmt.Errorf("no block data for %s", entry.hash)}
	}
	block, err := NewBlockFromBytes(raw)
	if err != nil {
		return nil, &IOError{Op: "read block", Err: err}
	}
	return block, nil
}

// ReadSpentOutputs reads the undo data for the given entry from disk.
// Genesis has no spent outputs by construction; requesting them fails with
// ErrNoUndoData before any read is attempted.
func (m *ChainstateManager) ReadSpentOutputs(entry *BlockTreeEntry) (*SpentOutputs, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if entry.height == 0 {
		return nil, ErrNoUndoData
	}
	undo, ok, err := m.db.GetUndo(entry.hash)
	metrics.ObserveUndoRead(err == nil && ok)
	if err != nil {
		return nil, &IOError{Op: "read undo data", Err: err}
	}
	if !ok {
		return nil, &IOError{Op: "read undo data", Err: fmt.Errorf("no undo data for %s", entry.hash)}
	}
	txs := make([][]Coin, len(undo.Txs))
	for i, coins := range undo.Txs {
		txs[i] = make([]Coin, len(coins))
		for j, c := range coins {
			txs[i][j] = Coin{
				Output:     NewTransactionOutput(ScriptPubkey{data: c.PkScript}, c.Value),
				Height:     c.Height,
				IsCoinbase: c.IsCoinbase,
			}
		}
	}
	return NewSpentOutputs(txs), nil
}

// ProcessBlock submits a block for full validation: structural checks,
// linkage, UTXO and script validation, persistence and chain extension.
//
// The returned bool reports whether the block was new: resubmitting a block
// that was already accepted returns (false, nil) and is never an error.
// Resubmitting a block previously marked invalid fails with a
// *ProcessBlockError carrying ResultCachedInvalid, without re-validation.
// Genuine validation failures return a *ProcessBlockError.
func (m *ChainstateManager) ProcessBlock(block *Block) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	if block == nil {
		return false, errors.New("nil block")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hash := block.Hash()
	if existing, ok, err := m.db.GetIndexEntry(hash); err != nil {
		return false, &IOError{Op: "read block index", Err: err}
	} else if ok {
		if existing.Status == store.BlockStatusInvalid {
			cachedErr := &ProcessBlockError{
				Result: ResultCachedInvalid,
				Msg:    fmt.Sprintf("block %s was previously rejected", hash),
			}
			metrics.ObserveProcessBlock(cachedErr)
			return false, cachedErr
		}
		kernellog.Logf(kernellog.CategoryValidation, kernellog.LevelDebug,
			"duplicate block %s ignored", hash)
		return false, nil
	}

	err := m.acceptBlock(block)
	m.reportBlockChecked(block, err)
	metrics.ObserveProcessBlock(err)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *ChainstateManager) reportBlockChecked(block *Block, err error) {
	v := m.ctx.validation
	if v == nil || v.BlockChecked == nil {
		return
	}
	state := BlockValidationState{Mode: ValidationModeValid, Result: ResultUnset}
	var pbe *ProcessBlockError
	switch {
	case err == nil:
	case errors.As(err, &pbe):
		state = BlockValidationState{Mode: ValidationModeInvalid, Result: pbe.Result}
	default:
		state = BlockValidationState{Mode: ValidationModeInternalError, Result: ResultUnset}
	}
	v.BlockChecked(block, state)
}

// acceptBlock validates a new block and either extends the active chain,
// stores it as a side-chain candidate, or triggers a reorganization when
// the side chain carries more work. Caller holds m.mu.
func (m *ChainstateManager) acceptBlock(block *Block) error {
	params := m.ctx.chainParams.params

	if err := blockchain.CheckBlockSanity(block.b, params.PowLimit, m.timeSource); err != nil {
		return ruleErrorToProcessBlockError(err)
	}
	if err := blockchain.ValidateWitnessCommitment(block.b); err != nil {
		return &ProcessBlockError{Result: ResultMutated, Msg: err.Error()}
	}

	header := block.Header()
	prev, ok, err := m.db.GetIndexEntry(header.PrevBlock)
	if err != nil {
		return &IOError{Op: "read block index", Err: err}
	}
	if !ok {
		return &ProcessBlockError{Result: ResultMissingPrev, Msg: fmt.Sprintf("previous block %s not found", header.PrevBlock)}
	}
	if prev.Status == store.BlockStatusInvalid {
		return &ProcessBlockError{Result: ResultInvalidPrev, Msg: fmt.Sprintf("previous block %s is invalid", header.PrevBlock)}
	}

	hash := block.Hash()
	height := prev.Height + 1
	entry := store.IndexEntry{
		Height: height,
		Prev:   header.PrevBlock,
		Status: store.BlockStatusValid,
		Work:   new(big.Int).Add(prev.Work, blockchain.CalcWork(header.Bits)),
	}

	tipHash, _, err := m.db.Tip()
	if err != nil {
		return &IOError{Op: "read chain tip", Err: err}
	}
	if header.PrevBlock == tipHash {
		if err := m.connectBlock(block, hash, entry); err != nil {
			// Only a consensus failure condemns the block; IO errors and
			// interrupts leave it unjudged.
			var pbe *ProcessBlockError
			if errors.As(err, &pbe) {
				m.markInvalid(hash, entry)
			}
			return err
		}
		m.maybeClearLargeWorkWarning(entry.Work)
		m.notifyTip(hash, header.Timestamp)
		return nil
	}

	// Side chain. Store the block and its index entry; switch over only
	// when it carries more cumulative work than the active tip.
	raw, err := block.Bytes()
	if err != nil {
		return err
	}
	sideEntry := entry
	sideEntry.Status = store.BlockStatusUnknown
	if err := m.db.PutSideBlock(hash, sideEntry, raw); err != nil {
		return &IOError{Op: "store side-chain block", Err: err}
	}
	tip, tok, err := m.db.GetIndexEntry(tipHash)
	if err != nil || !tok {
		return &IOError{Op: "read chain tip entry", Err: err}
	}
	if entry.Work.Cmp(tip.Work) <= 0 {
		kernellog.Logf(kernellog.CategoryValidation, kernellog.LevelDebug,
			"side-chain block %s stored at height %d", hash, height)
		return nil
	}
	kernellog.Logf(kernellog.CategoryValidation, kernellog.LevelInfo,
		"side chain at %s overtakes active tip, reorganizing", hash)
	if err := m.reorganizeTo(hash); err != nil {
		return err
	}
	m.maybeClearLargeWorkWarning(entry.Work)
	m.notifyTip(hash, header.Timestamp)
	return nil
}

func (m *ChainstateManager) markInvalid(hash chainhash.Hash, entry store.IndexEntry) {
	entry.Status = store.BlockStatusInvalid
	if err := m.db.PutIndexEntry(hash, entry); err != nil {
		m.ctx.notify(func(n *Notifications) {
			if n.FlushError != nil {
				n.FlushError(fmt.Sprintf("persist invalid status for %s: %v", hash, err))
			}
		})
	}
}

func (m *ChainstateManager) notifyTip(hash chainhash.Hash, timestamp time.Time) {
	state := SyncStatePostInit
	if m.importing.Load() {
		state = SyncStateInitDownload
	}
	m.ctx.notify(func(n *Notifications) {
		if n.BlockTip == nil && n.HeaderTip == nil {
			return
		}
		entry, err := m.entryByHash(hash)
		if err != nil {
			return
		}
		if n.BlockTip != nil {
			n.BlockTip(state, entry)
		}
		// Headers and blocks arrive together here, so the header tip tracks
		// the block tip and presync never applies.
		if n.HeaderTip != nil {
			n.HeaderTip(state, int64(entry.Height()), timestamp.Unix(), false)
		}
	})
}

// warnLargeWorkInvalid raises the large-work warning after a side chain
// with more work than the active tip failed validation. Caller holds m.mu.
func (m *ChainstateManager) warnLargeWorkInvalid(tip chainhash.Hash) {
	entry, ok, err := m.db.GetIndexEntry(tip)
	if err != nil || !ok {
		return
	}
	m.invalidChainWork = entry.Work
	m.ctx.notify(func(n *Notifications) {
		if n.WarningSet != nil {
			n.WarningSet(WarningLargeWorkInvalidChain,
				fmt.Sprintf("chain ending at %s has more work than the active tip but failed validation", tip))
		}
	})
}

// maybeClearLargeWorkWarning lowers the warning once the active tip has at
// least as much work as the recorded invalid chain. Caller holds m.mu.
func (m *ChainstateManager) maybeClearLargeWorkWarning(tipWork *big.Int) {
	if m.invalidChainWork == nil || tipWork.Cmp(m.invalidChainWork) < 0 {
		return
	}
	m.invalidChainWork = nil
	m.ctx.notify(func(n *Notifications) {
		if n.WarningUnset != nil {
			n.WarningUnset(WarningLargeWorkInvalidChain)
		}
	})
}

// ImportBlocks ingests block files into the index. Each file holds
// hex-encoded blocks, one per line. An empty path list is a valid no-op.
func (m *ChainstateManager) ImportBlocks(paths []string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.importing.Store(true)
	defer m.importing.Store(false)
	for i, path := range paths {
		if m.ctx.isInterrupted() {
			return ErrInterrupted
		}
		m.ctx.notify(func(n *Notifications) {
			if n.Progress != nil {
				n.Progress("Importing blocks", i*100/len(paths), true)
			}
		})
		if err := m.importBlockFile(path); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
	}
	return nil
}

func (m *ChainstateManager) importBlockFile(path string) error {
	f, err := os.Open(path) // #nosec G304 -- caller-supplied import path.
	if err != nil {
		return &IOError{Op: "open block file", Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 64<<20)
	line := 0
	for scanner.Scan() {
		line++
		if m.ctx.isInterrupted() {
			return ErrInterrupted
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		raw, err := hex.DecodeString(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		block, err := NewBlockFromBytes(raw)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := m.ProcessBlock(block); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return &IOError{Op: "read block file", Err: err}
	}
	return nil
}

// ensureGenesis seeds the store with the chain's genesis block when the
// chainstate is empty. The genesis coinbase is unspendable and never
// enters the UTXO set.
func (m *ChainstateManager) ensureGenesis() error {
	_, ok, err := m.db.Tip()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	params := m.ctx.chainParams.params
	genesis := newBlockFromMsg(params.GenesisBlock)
	raw, err := genesis.Bytes()
	if err != nil {
		return err
	}
	hash := genesis.Hash()
	if hash != *params.GenesisHash {
		return fmt.Errorf("genesis hash mismatch: got %s, want %s", hash, params.GenesisHash)
	}
	return m.db.ConnectBlock(store.ConnectData{
		Hash: hash,
		Entry: store.IndexEntry{
			Height: 0,
			Status: store.BlockStatusValid,
			Work:   blockchain.CalcWork(params.GenesisBlock.Header.Bits),
		},
		RawBlock: raw,
		Undo:     store.UndoRecord{},
	})
}

func ruleErrorToProcessBlockError(err error) error {
	var ruleErr blockchain.RuleError
	if !errors.As(err, &ruleErr) {
		return &ProcessBlockError{Result: ResultConsensus, Msg: err.Error()}
	}
	result := ResultConsensus
	switch ruleErr.ErrorCode {
	case blockchain.ErrBadMerkleRoot:
		result = ResultMutated
	case blockchain.ErrHighHash:
		result = ResultInvalidHeader
	case blockchain.ErrTimeTooNew:
		result = ResultTimeFuture
	}
	return &ProcessBlockError{Result: result, Msg: ruleErr.Description}
}

// scriptJob is one input script check queued for the verification pool.
type scriptJob struct {
	tx     *btcutil.Tx
	idx    int
	script []byte
	amount int64
}

// connectBlock fully validates block against the current UTXO set and, on
// success, persists it as the new active tip. Caller holds m.mu and has
// verified that the block extends the current tip.
func (m *ChainstateManager) connectBlock(block *Block, hash chainhash.Hash, entry store.IndexEntry) error {
	params := m.ctx.chainParams.params
	height := entry.Height
	txs := block.b.Transactions()

	// Coins created by this block, keyed by outpoint. Entries spent by a
	// later transaction in the same block are consumed in place.
	created := make(map[wire.OutPoint]store.CoinRecord)
	// Coins fetched from the chainstate and spent by this block.
	var spent []wire.OutPoint
	spentSet := make(map[wire.OutPoint]struct{})
	undo := store.UndoRecord{Txs: make([][]store.CoinRecord, 0, len(txs)-1)}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)

	var jobs []scriptJob
	var totalFees int64

	for i, tx := range txs {
		if m.ctx.isInterrupted() {
			return ErrInterrupted
		}
		msgTx := tx.MsgTx()
		if !blockchain.IsFinalizedTransaction(tx, height, block.Header().Timestamp) {
			return &ProcessBlockError{Result: ResultConsensus, Msg: fmt.Sprintf("tx %s is not finalized", tx.Hash())}
		}
		if i > 0 {
			coins := make([]store.CoinRecord, 0, len(msgTx.TxIn))
			var inValue int64
			for idx, in := range msgTx.TxIn {
				op := in.PreviousOutPoint
				coin, ok := created[op]
				if ok {
					delete(created, op)
				} else {
					if _, dup := spentSet[op]; dup {
						return &ProcessBlockError{Result: ResultConsensus, Msg: fmt.Sprintf("outpoint %s spent twice", op)}
					}
					dbCoin, found, err := m.db.GetCoin(op)
					if err != nil {
						return &IOError{Op: "read utxo", Err: err}
					}
					if !found {
						return &ProcessBlockError{Result: ResultConsensus, Msg: fmt.Sprintf("input %s missing or already spent", op)}
					}
					coin = *dbCoin
					spentSet[op] = struct{}{}
					spent = append(spent, op)
				}
				if coin.IsCoinbase && height-coin.Height < int32(params.CoinbaseMaturity) {
					return &ProcessBlockError{Result: ResultConsensus, Msg: fmt.Sprintf("immature coinbase spend at %s", op)}
				}
				inValue += coin.Value
				coins = append(coins, coin)
				fetcher.AddPrevOut(op, wire.NewTxOut(coin.Value, coin.PkScript))
				jobs = append(jobs, scriptJob{tx: tx, idx: idx, script: coin.PkScript, amount: coin.Value})
			}
			var outValue int64
			for _, out := range msgTx.TxOut {
				outValue += out.Value
			}
			if outValue > inValue {
				return &ProcessBlockError{Result: ResultConsensus, Msg: fmt.Sprintf("tx %s spends more than its inputs", tx.Hash())}
			}
			totalFees += inValue - outValue
			undo.Txs = append(undo.Txs, coins)
		}
		for vout, out := range msgTx.TxOut {
			op := wire.OutPoint{Hash: *tx.Hash(), Index: uint32(vout)} // #nosec G115 -- output counts are bounded by block size.
			created[op] = store.CoinRecord{
				Value:      out.Value,
				PkScript:   out.PkScript,
				Height:     height,
				IsCoinbase: i == 0,
			}
		}
	}

	var coinbaseValue int64
	for _, out := range txs[0].MsgTx().TxOut {
		coinbaseValue += out.Value
	}
	if maxValue := blockchain.CalcBlockSubsidy(height, params) + totalFees; coinbaseValue > maxValue {
		return &ProcessBlockError{Result: ResultConsensus,
			Msg: fmt.Sprintf("coinbase pays %d, limit %d", coinbaseValue, maxValue)}
	}

	if err := m.verifyScripts(jobs, fetcher); err != nil {
		return err
	}

	raw, err := block.Bytes()
	if err != nil {
		return err
	}
	createdList := make([]store.CreatedCoin, 0, len(created))
	for op, coin := range created {
		createdList = append(createdList, store.CreatedCoin{Point: op, Coin: coin})
	}
	if err := m.db.ConnectBlock(store.ConnectData{
		Hash:     hash,
		Entry:    entry,
		RawBlock: raw,
		Undo:     undo,
		Spent:    spent,
		Created:  createdList,
	}); err != nil {
		m.ctx.notify(func(n *Notifications) {
			if n.FlushError != nil {
				n.FlushError(fmt.Sprintf("connect block %s: %v", hash, err))
			}
		})
		return &IOError{Op: "connect block", Err: err}
	}
	kernellog.Logf(kernellog.CategoryValidation, kernellog.LevelDebug,
		"connected block %s at height %d, %d txs", hash, height, len(txs))
	if v := m.ctx.validation; v != nil && v.BlockConnected != nil {
		v.BlockConnected(block, height)
	}
	return nil
}

// verifyScripts runs every input script check, fanning out across the
// worker pool when one is configured.
func (m *ChainstateManager) verifyScripts(jobs []scriptJob, fetcher *txscript.MultiPrevOutFetcher) error {
	metrics.ObserveScriptChecks(len(jobs))
	run := func(j scriptJob) error {
		sigHashes := txscript.NewTxSigHashes(j.tx.MsgTx(), fetcher)
		vm, err := txscript.NewEngine(j.script, j.tx.MsgTx(), j.idx, connectScriptFlags,
			m.sigCache, sigHashes, j.amount, fetcher)
		if err != nil {
			return &ProcessBlockError{Result: ResultConsensus,
				Msg: fmt.Sprintf("tx %s input %d: %v", j.tx.Hash(), j.idx, err)}
		}
		if err := vm.Execute(); err != nil {
			return &ProcessBlockError{Result: ResultConsensus,
				Msg: fmt.Sprintf("tx %s input %d: %v", j.tx.Hash(), j.idx, err)}
		}
		return nil
	}

	if m.workerThreads == 0 {
		for _, j := range jobs {
			if err := run(j); err != nil {
				return err
			}
		}
		return nil
	}
	g := new(errgroup.Group)
	g.SetLimit(m.workerThreads)
	for _, j := range jobs {
		g.Go(func() error { return run(j) })
	}
	return g.Wait()
}

// disconnectTip rolls the active tip back by one block, restoring the
// coins it spent from its undo record. Caller holds m.mu.
func (m *ChainstateManager) disconnectTip() (chainhash.Hash, error) {
	tipHash, ok, err := m.db.Tip()
	if err != nil || !ok {
		return chainhash.Hash{}, &IOError{Op: "read chain tip", Err: err}
	}
	entry, ok, err := m.db.GetIndexEntry(tipHash)
	if err != nil || !ok {
		return chainhash.Hash{}, &IOError{Op: "read block index", Err: err}
	}
	if entry.Height == 0 {
		return chainhash.Hash{}, errors.New("cannot disconnect genesis")
	}
	raw, ok, err := m.db.GetBlock(tipHash)
	if err != nil || !ok {
		return chainhash.Hash{}, &IOError{Op: "read block", Err: err}
	}
	block, err := NewBlockFromBytes(raw)
	if err != nil {
		return chainhash.Hash{}, &IOError{Op: "read block", Err: err}
	}
	undo, ok, err := m.db.GetUndo(tipHash)
	if err != nil || !ok {
		return chainhash.Hash{}, &IOError{Op: "read undo data", Err: err}
	}

	txs := block.b.Transactions()
	if len(undo.Txs) != len(txs)-1 {
		return chainhash.Hash{}, fmt.Errorf("undo record for %s misaligned: %d entries for %d txs",
			tipHash, len(undo.Txs), len(txs))
	}

	blockTxids := make(map[chainhash.Hash]struct{}, len(txs))
	for _, tx := range txs {
		blockTxids[*tx.Hash()] = struct{}{}
	}

	var removed []wire.OutPoint
	var restored []store.CreatedCoin
	for i, tx := range txs {
		for vout := range tx.MsgTx().TxOut {
			removed = append(removed, wire.OutPoint{Hash: *tx.Hash(), Index: uint32(vout)}) // #nosec G115 -- output counts are bounded by block size.
		}
		if i == 0 {
			continue
		}
		for j, in := range tx.MsgTx().TxIn {
			op := in.PreviousOutPoint
			// Coins created and spent within this block never entered the
			// chainstate; do not restore them.
			if _, inBlock := blockTxids[op.Hash]; inBlock {
				continue
			}
			restored = append(restored, store.CreatedCoin{Point: op, Coin: undo.Txs[i-1][j]})
		}
	}

	if err := m.db.DisconnectTip(store.DisconnectData{
		Hash:     tipHash,
		Height:   entry.Height,
		PrevHash: entry.Prev,
		Removed:  removed,
		Restored: restored,
	}); err != nil {
		return chainhash.Hash{}, &IOError{Op: "disconnect tip", Err: err}
	}
	kernellog.Logf(kernellog.CategoryValidation, kernellog.LevelDebug,
		"disconnected block %s at height %d", tipHash, entry.Height)
	if v := m.ctx.validation; v != nil && v.BlockDisconnected != nil {
		v.BlockDisconnected(block, entry.Height)
	}
	return tipHash, nil
}

// reorganizeTo moves the active chain to newTip: disconnect back to the
// fork point, then connect the new branch. On a connect failure the
// offending block is marked invalid, the partially connected new branch is
// unwound back to the fork, and the previously active branch is
// reconnected. Caller holds m.mu.
func (m *ChainstateManager) reorganizeTo(newTip chainhash.Hash) error {
	oldTip, _, err := m.db.Tip()
	if err != nil {
		return &IOError{Op: "read chain tip", Err: err}
	}
	fork, err := m.findForkPoint(oldTip, newTip)
	if err != nil {
		return err
	}

	var disconnected []chainhash.Hash
	for {
		tipHash, _, err := m.db.Tip()
		if err != nil {
			return &IOError{Op: "read chain tip", Err: err}
		}
		if tipHash == fork {
			break
		}
		h, err := m.disconnectTip()
		if err != nil {
			return err
		}
		disconnected = append(disconnected, h)
	}

	path, err := m.pathFromAncestor(fork, newTip)
	if err != nil {
		return err
	}
	for _, h := range path {
		if err := m.connectStored(h); err != nil {
			var pbe *ProcessBlockError
			if entry, ok, ierr := m.db.GetIndexEntry(h); ierr == nil && ok && errors.As(err, &pbe) {
				m.markInvalid(h, *entry)
			}
			// Unwind the part of the new branch that already connected so
			// its coins leave the chainstate, then restore the old branch.
			if rerr := m.rewindTo(fork); rerr != nil {
				m.ctx.notify(func(n *Notifications) {
					if n.FatalError != nil {
						n.FatalError(fmt.Sprintf("reorg unwind to fork %s failed: %v", fork, rerr))
					}
				})
				return err
			}
			for i := len(disconnected) - 1; i >= 0; i-- {
				if rerr := m.connectStored(disconnected[i]); rerr != nil {
					m.ctx.notify(func(n *Notifications) {
						if n.FatalError != nil {
							n.FatalError(fmt.Sprintf("reorg rollback failed at %s: %v", disconnected[i], rerr))
						}
					})
					break
				}
			}
			if errors.As(err, &pbe) {
				m.warnLargeWorkInvalid(newTip)
			}
			return err
		}
	}
	return nil
}

// rewindTo disconnects active tips until the tip equals ancestor. Caller
// holds m.mu.
func (m *ChainstateManager) rewindTo(ancestor chainhash.Hash) error {
	for {
		tipHash, _, err := m.db.Tip()
		if err != nil {
			return &IOError{Op: "read chain tip", Err: err}
		}
		if tipHash == ancestor {
			return nil
		}
		if _, err := m.disconnectTip(); err != nil {
			return err
		}
	}
}

// connectStored connects a block already present in the block store to the
// current tip.
func (m *ChainstateManager) connectStored(hash chainhash.Hash) error {
	raw, ok, err := m.db.GetBlock(hash)
	if err != nil || !ok {
		return &IOError{Op: "read block", Err: err}
	}
	block, err := NewBlockFromBytes(raw)
	if err != nil {
		return &IOError{Op: "read block", Err: err}
	}
	entry, ok, err := m.db.GetIndexEntry(hash)
	if err != nil || !ok {
		return &IOError{Op: "read block index", Err: err}
	}
	connected := *entry
	connected.Status = store.BlockStatusValid
	return m.connectBlock(block, hash, connected)
}

func (m *ChainstateManager) findForkPoint(a, b chainhash.Hash) (chainhash.Hash, error) {
	ea, ok, err := m.db.GetIndexEntry(a)
	if err != nil || !ok {
		return chainhash.Hash{}, &IOError{Op: "read block index", Err: err}
	}
	eb, ok, err := m.db.GetIndexEntry(b)
	if err != nil || !ok {
		return chainhash.Hash{}, &IOError{Op: "read block index", Err: err}
	}
	step := func(e *store.IndexEntry) (chainhash.Hash, *store.IndexEntry, error) {
		parent := e.Prev
		pe, ok, err := m.db.GetIndexEntry(parent)
		if err != nil || !ok {
			return chainhash.Hash{}, nil, &IOError{Op: "read block index", Err: err}
		}
		return parent, pe, nil
	}
	for ea.Height > eb.Height {
		if a, ea, err = step(ea); err != nil {
			return chainhash.Hash{}, err
		}
	}
	for eb.Height > ea.Height {
		if b, eb, err = step(eb); err != nil {
			return chainhash.Hash{}, err
		}
	}
	for a != b {
		if a, ea, err = step(ea); err != nil {
			return chainhash.Hash{}, err
		}
		if b, eb, err = step(eb); err != nil {
			return chainhash.Hash{}, err
		}
	}
	return a, nil
}

// pathFromAncestor lists the hashes from ancestor's child up to tip in
// ascending height order.
func (m *ChainstateManager) pathFromAncestor(ancestor, tip chainhash.Hash) ([]chainhash.Hash, error) {
	var out []chainhash.Hash
	cur := tip
	for cur != ancestor {
		out = append(out, cur)
		e, ok, err := m.db.GetIndexEntry(cur)
		if err != nil || !ok {
			return nil, &IOError{Op: "read block index", Err: err}
		}
		if e.Height == 0 {
			return nil, fmt.Errorf("%w: ancestor %s not reachable from %s", ErrNotFound, ancestor, tip)
		}
		cur = e.Prev
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
