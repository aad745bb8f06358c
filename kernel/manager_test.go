package kernel

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestNewManagerSeedsGenesis(t *testing.T) {
	m := newTestManager(t)

	chain := m.ActiveChain()
	height, err := chain.Height()
	require.NoError(t, err)
	require.Equal(t, int32(0), height)

	genesis, err := chain.Genesis()
	require.NoError(t, err)
	require.Equal(t, *chaincfg.RegressionNetParams.GenesisHash, genesis.BlockHash())

	tip, err := chain.Tip()
	require.NoError(t, err)
	require.True(t, tip.Equal(genesis))

	_, err = genesis.Previous()
	require.ErrorIs(t, err, ErrNoParent)
}

func TestProcessBlockExtendsChain(t *testing.T) {
	m := newTestManager(t)

	var mined []*Block
	for i := 0; i < 3; i++ {
		mined = append(mined, extendTip(t, m))
	}

	chain := m.ActiveChain()
	height, err := chain.Height()
	require.NoError(t, err)
	require.Equal(t, int32(3), height)

	for i, block := range mined {
		entry, err := chain.Get(int32(i + 1))
		require.NoError(t, err)
		require.Equal(t, block.Hash(), entry.BlockHash())
		require.Equal(t, int32(i+1), entry.Height())

		onChain, err := chain.Contains(entry)
		require.NoError(t, err)
		require.True(t, onChain)

		byHash, err := m.BlockTreeEntryByHash(block.Hash())
		require.NoError(t, err)
		require.True(t, entry.Equal(byHash))
	}

	// Parent links walk back to genesis.
	tip, err := chain.Tip()
	require.NoError(t, err)
	for i := int32(3); i > 0; i-- {
		require.Equal(t, i, tip.Height())
		tip, err = tip.Previous()
		require.NoError(t, err)
	}
	require.Equal(t, int32(0), tip.Height())
}

func TestProcessBlockDuplicate(t *testing.T) {
	m := newTestManager(t)
	block := extendTip(t, m)

	isNew, err := m.ProcessBlock(block)
	require.NoError(t, err)
	require.False(t, isNew)

	height, err := m.ActiveChain().Height()
	require.NoError(t, err)
	require.Equal(t, int32(1), height)
}

func TestProcessBlockMutated(t *testing.T) {
	m := newTestManager(t)
	tip, err := m.ActiveChain().Tip()
	require.NoError(t, err)

	block := mineBlock(t, tip.BlockHash(), 1, 0, 0)
	// Tampering with a transaction breaks the merkle commitment while the
	// header, and thus its proof of work, stays intact.
	msg := block.b.MsgBlock()
	msg.Transactions[0].TxOut[0].Value--

	_, err = m.ProcessBlock(newBlockFromMsg(msg))
	var pbe *ProcessBlockError
	require.ErrorAs(t, err, &pbe)
	require.Equal(t, ResultMutated, pbe.Result)
}

func TestProcessBlockMissingPrev(t *testing.T) {
	m := newTestManager(t)

	orphanPrev := chainhash.Hash{0xde, 0xad}
	block := mineBlock(t, orphanPrev, 1, 0, 0)
	_, err := m.ProcessBlock(block)
	var pbe *ProcessBlockError
	require.ErrorAs(t, err, &pbe)
	require.Equal(t, ResultMissingPrev, pbe.Result)
}

func TestProcessBlockCallbacks(t *testing.T) {
	params, err := NewChainParameters(ChainTypeRegtest)
	require.NoError(t, err)

	var checked []BlockValidationState
	var connected []int32
	var tips []int32
	var headerTips []int64
	opts := NewContextOptions()
	opts.SetChainParams(params)
	opts.SetValidationCallbacks(&ValidationCallbacks{
		BlockChecked:   func(_ *Block, state BlockValidationState) { checked = append(checked, state) },
		BlockConnected: func(_ *Block, height int32) { connected = append(connected, height) },
	})
	opts.SetNotifications(&Notifications{
		BlockTip: func(_ SynchronizationState, entry *BlockTreeEntry) { tips = append(tips, entry.Height()) },
		HeaderTip: func(_ SynchronizationState, height int64, timestamp int64, presync bool) {
			require.False(t, presync)
			require.NotZero(t, timestamp)
			headerTips = append(headerTips, height)
		},
	})
	ctx, err := NewContext(opts)
	require.NoError(t, err)
	m, err := NewChainstateManager(ctx, &ChainstateManagerOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer m.Close()

	extendTip(t, m)
	extendTip(t, m)

	require.Equal(t, []int32{1, 2}, connected)
	require.Equal(t, []int32{1, 2}, tips)
	require.Equal(t, []int64{1, 2}, headerTips)
	require.Len(t, checked, 2)
	for _, state := range checked {
		require.Equal(t, ValidationModeValid, state.Mode)
		require.Equal(t, ResultUnset, state.Result)
	}
}

func TestReadBlockRoundTrip(t *testing.T) {
	m := newTestManager(t)
	block := extendTip(t, m)

	entry, err := m.BlockTreeEntryByHash(block.Hash())
	require.NoError(t, err)
	got, err := m.ReadBlock(entry)
	require.NoError(t, err)

	wantBytes, err := block.Bytes()
	require.NoError(t, err)
	gotBytes, err := got.Bytes()
	require.NoError(t, err)
	require.Equal(t, wantBytes, gotBytes)
	require.Equal(t, block.Hash(), got.Hash())
}

func TestReadSpentOutputsGenesis(t *testing.T) {
	m := newTestManager(t)
	genesis, err := m.ActiveChain().Genesis()
	require.NoError(t, err)

	_, err = m.ReadSpentOutputs(genesis)
	require.ErrorIs(t, err, ErrNoUndoData)
}

func TestSpendAndReadSpentOutputs(t *testing.T) {
	m := newTestManager(t)

	first := extendTip(t, m)
	// Mature the coinbase of block 1.
	for i := 0; i < 100; i++ {
		extendTip(t, m)
	}

	const fee = 10_000
	coinbase := first.b.MsgBlock().Transactions[0]
	spend := spendTx(t, coinbase, 0, fee)
	tip, err := m.ActiveChain().Tip()
	require.NoError(t, err)
	block := mineBlock(t, tip.BlockHash(), tip.Height()+1, fee, 0, spend)

	isNew, err := m.ProcessBlock(block)
	require.NoError(t, err)
	require.True(t, isNew)

	entry, err := m.ActiveChain().Tip()
	require.NoError(t, err)
	require.Equal(t, block.Hash(), entry.BlockHash())

	spent, err := m.ReadSpentOutputs(entry)
	require.NoError(t, err)
	txs := spent.Transactions()
	require.Len(t, txs, len(block.Transactions())-1)
	require.Len(t, txs[0], 1)

	coin := txs[0][0]
	require.Equal(t, int32(1), coin.Height)
	require.True(t, coin.IsCoinbase)
	require.Equal(t, coinbase.TxOut[0].Value, coin.Output.Amount())
	require.Equal(t, coinbase.TxOut[0].PkScript, coin.Output.ScriptPubkey().Bytes())
}

func TestImmatureCoinbaseSpendRejected(t *testing.T) {
	m := newTestManager(t)

	first := extendTip(t, m)
	extendTip(t, m)

	const fee = 10_000
	spend := spendTx(t, first.b.MsgBlock().Transactions[0], 0, fee)
	tip, err := m.ActiveChain().Tip()
	require.NoError(t, err)
	block := mineBlock(t, tip.BlockHash(), tip.Height()+1, fee, 0, spend)

	_, err = m.ProcessBlock(block)
	var pbe *ProcessBlockError
	require.ErrorAs(t, err, &pbe)
	require.Equal(t, ResultConsensus, pbe.Result)
	require.Contains(t, pbe.Msg, "immature")
}

func TestMissingInputRejected(t *testing.T) {
	m := newTestManager(t)
	first := extendTip(t, m)
	for i := 0; i < 100; i++ {
		extendTip(t, m)
	}

	const fee = 10_000
	spend := spendTx(t, first.b.MsgBlock().Transactions[0], 0, fee)
	tip, err := m.ActiveChain().Tip()
	require.NoError(t, err)

	// Connect the spend, then try to spend the same coinbase again.
	block := mineBlock(t, tip.BlockHash(), tip.Height()+1, fee, 0, spend)
	_, err = m.ProcessBlock(block)
	require.NoError(t, err)

	double := spendTx(t, first.b.MsgBlock().Transactions[0], 0, fee*2)
	tip, err = m.ActiveChain().Tip()
	require.NoError(t, err)
	block2 := mineBlock(t, tip.BlockHash(), tip.Height()+1, fee*2, 0, double)
	_, err = m.ProcessBlock(block2)
	var pbe *ProcessBlockError
	require.ErrorAs(t, err, &pbe)
	require.Equal(t, ResultConsensus, pbe.Result)
}

func TestReorganization(t *testing.T) {
	m := newTestManager(t)
	genesis, err := m.ActiveChain().Genesis()
	require.NoError(t, err)

	a1 := extendTip(t, m)
	a2 := extendTip(t, m)

	// A competing branch from genesis: equal work at the same length keeps
	// the current tip, one more block flips it.
	b1 := mineBlock(t, genesis.BlockHash(), 1, 0, 10)
	isNew, err := m.ProcessBlock(b1)
	require.NoError(t, err)
	require.True(t, isNew)

	b2 := mineBlock(t, b1.Hash(), 2, 0, 10)
	_, err = m.ProcessBlock(b2)
	require.NoError(t, err)

	tip, err := m.ActiveChain().Tip()
	require.NoError(t, err)
	require.Equal(t, a2.Hash(), tip.BlockHash())

	b3 := mineBlock(t, b2.Hash(), 3, 0, 10)
	_, err = m.ProcessBlock(b3)
	require.NoError(t, err)

	chain := m.ActiveChain()
	tip, err = chain.Tip()
	require.NoError(t, err)
	require.Equal(t, b3.Hash(), tip.BlockHash())
	require.Equal(t, int32(3), tip.Height())

	for height, want := range map[int32]chainhash.Hash{1: b1.Hash(), 2: b2.Hash(), 3: b3.Hash()} {
		entry, err := chain.Get(height)
		require.NoError(t, err)
		require.Equal(t, want, entry.BlockHash())
	}

	a1Entry, err := m.BlockTreeEntryByHash(a1.Hash())
	require.NoError(t, err)
	onChain, err := chain.Contains(a1Entry)
	require.NoError(t, err)
	require.False(t, onChain)
}

func TestProcessBlockCachedInvalid(t *testing.T) {
	m := newTestManager(t)
	first := extendTip(t, m)
	extendTip(t, m)

	const fee = 10_000
	spend := spendTx(t, first.b.MsgBlock().Transactions[0], 0, fee)
	tip, err := m.ActiveChain().Tip()
	require.NoError(t, err)
	block := mineBlock(t, tip.BlockHash(), tip.Height()+1, fee, 0, spend)

	_, err = m.ProcessBlock(block)
	var pbe *ProcessBlockError
	require.ErrorAs(t, err, &pbe)
	require.Equal(t, ResultConsensus, pbe.Result)

	// Resubmitting a rejected block fails from the index, without another
	// validation pass, and is distinguishable from a benign duplicate.
	isNew, err := m.ProcessBlock(block)
	require.False(t, isNew)
	pbe = nil
	require.ErrorAs(t, err, &pbe)
	require.Equal(t, ResultCachedInvalid, pbe.Result)

	height, err := m.ActiveChain().Height()
	require.NoError(t, err)
	require.Equal(t, int32(2), height)
}

func TestReorganizationFailureRollsBack(t *testing.T) {
	params, err := NewChainParameters(ChainTypeRegtest)
	require.NoError(t, err)
	var warningsSet []Warning
	var warningsUnset []Warning
	opts := NewContextOptions()
	opts.SetChainParams(params)
	opts.SetNotifications(&Notifications{
		WarningSet:   func(w Warning, _ string) { warningsSet = append(warningsSet, w) },
		WarningUnset: func(w Warning) { warningsUnset = append(warningsUnset, w) },
	})
	ctx, err := NewContext(opts)
	require.NoError(t, err)
	m, err := NewChainstateManager(ctx, &ChainstateManagerOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer m.Close()

	genesis, err := m.ActiveChain().Genesis()
	require.NoError(t, err)
	a1 := extendTip(t, m)

	// Competing branch with more work whose second block spends its first
	// block's immature coinbase: connecting it mid-reorg must fail.
	const fee = 10_000
	b1 := mineBlock(t, genesis.BlockHash(), 1, 0, 10)
	isNew, err := m.ProcessBlock(b1)
	require.NoError(t, err)
	require.True(t, isNew)

	spend := spendTx(t, b1.b.MsgBlock().Transactions[0], 0, fee)
	b2 := mineBlock(t, b1.Hash(), 2, fee, 10, spend)
	_, err = m.ProcessBlock(b2)
	var pbe *ProcessBlockError
	require.ErrorAs(t, err, &pbe)
	require.Equal(t, ResultConsensus, pbe.Result)

	// The previously active branch is back.
	chain := m.ActiveChain()
	tip, err := chain.Tip()
	require.NoError(t, err)
	require.Equal(t, a1.Hash(), tip.BlockHash())
	require.Equal(t, int32(1), tip.Height())

	b1Entry, err := m.BlockTreeEntryByHash(b1.Hash())
	require.NoError(t, err)
	onChain, err := chain.Contains(b1Entry)
	require.NoError(t, err)
	require.False(t, onChain)

	// Coins created on the abandoned branch must not linger in the
	// chainstate, and the active branch's coins must survive the rollback.
	b1Coinbase := b1.b.MsgBlock().Transactions[0]
	_, found, err := m.db.GetCoin(wire.OutPoint{Hash: b1Coinbase.TxHash(), Index: 0})
	require.NoError(t, err)
	require.False(t, found)
	a1Coinbase := a1.b.MsgBlock().Transactions[0]
	_, found, err = m.db.GetCoin(wire.OutPoint{Hash: a1Coinbase.TxHash(), Index: 0})
	require.NoError(t, err)
	require.True(t, found)

	require.Equal(t, []Warning{WarningLargeWorkInvalidChain}, warningsSet)
	require.Empty(t, warningsUnset)

	// The chain stays usable, and the warning lifts once the active tip
	// carries at least as much work as the failed branch did.
	extendTip(t, m)
	require.Equal(t, []Warning{WarningLargeWorkInvalidChain}, warningsUnset)
}

func TestImportBlocks(t *testing.T) {
	source := newTestManager(t)
	var lines []string
	for i := 0; i < 5; i++ {
		block := extendTip(t, source)
		raw, err := block.Bytes()
		require.NoError(t, err)
		lines = append(lines, hex.EncodeToString(raw))
	}

	path := filepath.Join(t.TempDir(), "blocks.hex")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	m := newTestManager(t)
	require.NoError(t, m.ImportBlocks([]string{path}))
	height, err := m.ActiveChain().Height()
	require.NoError(t, err)
	require.Equal(t, int32(5), height)

	// Empty list is a no-op, not an error.
	require.NoError(t, m.ImportBlocks(nil))
}

func TestImportBlocksReportsDownloadState(t *testing.T) {
	source := newTestManager(t)
	var lines []string
	for i := 0; i < 3; i++ {
		block := extendTip(t, source)
		raw, err := block.Bytes()
		require.NoError(t, err)
		lines = append(lines, hex.EncodeToString(raw))
	}
	path := filepath.Join(t.TempDir(), "blocks.hex")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	params, err := NewChainParameters(ChainTypeRegtest)
	require.NoError(t, err)
	var states []SynchronizationState
	opts := NewContextOptions()
	opts.SetChainParams(params)
	opts.SetNotifications(&Notifications{
		BlockTip: func(s SynchronizationState, _ *BlockTreeEntry) { states = append(states, s) },
	})
	ctx, err := NewContext(opts)
	require.NoError(t, err)
	m, err := NewChainstateManager(ctx, &ChainstateManagerOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.ImportBlocks([]string{path}))
	require.Equal(t, []SynchronizationState{
		SyncStateInitDownload, SyncStateInitDownload, SyncStateInitDownload,
	}, states)

	// Direct submission afterwards reports steady state again.
	extendTip(t, m)
	require.Equal(t, SyncStatePostInit, states[len(states)-1])
}

func TestWipeReportsReindexState(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadChainstateManager(dir, ChainTypeRegtest)
	require.NoError(t, err)
	extendTip(t, m)
	require.NoError(t, m.Close())

	params, err := NewChainParameters(ChainTypeRegtest)
	require.NoError(t, err)
	var states []SynchronizationState
	opts := NewContextOptions()
	opts.SetChainParams(params)
	opts.SetNotifications(&Notifications{
		BlockTip: func(s SynchronizationState, _ *BlockTreeEntry) { states = append(states, s) },
	})
	ctx, err := NewContext(opts)
	require.NoError(t, err)
	reopened, err := NewChainstateManager(ctx, &ChainstateManagerOptions{
		DataDir:          dir,
		WipeBlockTreeDB:  true,
		WipeChainstateDB: true,
	})
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, []SynchronizationState{SyncStateInitReindex}, states)
	height, err := reopened.ActiveChain().Height()
	require.NoError(t, err)
	require.Equal(t, int32(0), height)
}

func TestImportBlocksInterrupted(t *testing.T) {
	m := newTestManager(t)
	m.Context().Interrupt()
	err := m.ImportBlocks([]string{"unused"})
	require.ErrorIs(t, err, ErrInterrupted)

	m.Context().ResetInterrupt()
	require.NoError(t, m.ImportBlocks(nil))
}

func TestCloseInvalidatesViews(t *testing.T) {
	m := newTestManager(t)
	chain := m.ActiveChain()
	tip, err := chain.Tip()
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = chain.Height()
	require.ErrorIs(t, err, ErrClosed)
	_, err = chain.Get(0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = m.ReadBlock(tip)
	require.ErrorIs(t, err, ErrClosed)
	_, err = m.ProcessBlock(nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = tip.Previous()
	require.ErrorIs(t, err, ErrClosed)
}

func TestOptionsValidation(t *testing.T) {
	params, err := NewChainParameters(ChainTypeRegtest)
	require.NoError(t, err)
	opts := NewContextOptions()
	opts.SetChainParams(params)
	ctx, err := NewContext(opts)
	require.NoError(t, err)

	var initErr *InitializationError
	_, err = NewChainstateManager(ctx, &ChainstateManagerOptions{})
	require.ErrorAs(t, err, &initErr)

	_, err = NewChainstateManager(ctx, &ChainstateManagerOptions{
		DataDir:         t.TempDir(),
		WipeBlockTreeDB: true,
	})
	require.ErrorAs(t, err, &initErr)

	// Wiping both is allowed.
	m, err := NewChainstateManager(ctx, &ChainstateManagerOptions{
		DataDir:          t.TempDir(),
		WipeBlockTreeDB:  true,
		WipeChainstateDB: true,
	})
	require.NoError(t, err)
	require.NoError(t, m.Close())
}

func TestDataDirExclusive(t *testing.T) {
	m := newTestManager(t)

	params, err := NewChainParameters(ChainTypeRegtest)
	require.NoError(t, err)
	opts := NewContextOptions()
	opts.SetChainParams(params)
	ctx, err := NewContext(opts)
	require.NoError(t, err)

	var initErr *InitializationError
	_, err = NewChainstateManager(ctx, &ChainstateManagerOptions{DataDir: m.db.DataDir()})
	require.ErrorAs(t, err, &initErr)
}

func TestManagerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadChainstateManager(dir, ChainTypeRegtest)
	require.NoError(t, err)
	// LoadChainstateManager defaults to regtest genesis only; extend it.
	block := extendTip(t, m)
	require.NoError(t, m.Close())

	reopened, err := LoadChainstateManager(dir, ChainTypeRegtest)
	require.NoError(t, err)
	defer reopened.Close()

	tip, err := reopened.ActiveChain().Tip()
	require.NoError(t, err)
	require.Equal(t, block.Hash(), tip.BlockHash())
	require.Equal(t, int32(1), tip.Height())
}

func TestInMemoryDatabasesLeaveNoState(t *testing.T) {
	dir := t.TempDir()
	params, err := NewChainParameters(ChainTypeRegtest)
	require.NoError(t, err)
	opts := NewContextOptions()
	opts.SetChainParams(params)
	ctx, err := NewContext(opts)
	require.NoError(t, err)

	m, err := NewChainstateManager(ctx, &ChainstateManagerOptions{
		DataDir:              dir,
		BlockTreeDBInMemory:  true,
		ChainstateDBInMemory: true,
	})
	require.NoError(t, err)
	extendTip(t, m)
	require.NoError(t, m.Close())

	_, err = os.Stat(filepath.Join(dir, "blocktree.db"))
	require.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(dir, "chainstate.db"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}
