package kernel

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ripemd160"
)

// testKey is a fixed key so coinbase scripts stay deterministic across runs.
var testKey = func() *btcec.PrivateKey {
	seed := sha256.Sum256([]byte("kernel test key"))
	priv, _ := btcec.PrivKeyFromBytes(seed[:])
	return priv
}()

func hash160(b []byte) []byte {
	sha := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}

func testPayScript(t *testing.T) []byte {
	t.Helper()
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(hash160(testKey.PubKey().SerializeCompressed())).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)
	return script
}

func newTestManager(t *testing.T) *ChainstateManager {
	t.Helper()
	params, err := NewChainParameters(ChainTypeRegtest)
	require.NoError(t, err)
	opts := NewContextOptions()
	opts.SetChainParams(params)
	ctx, err := NewContext(opts)
	require.NoError(t, err)

	m, err := NewChainstateManager(ctx, &ChainstateManagerOptions{
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// makeCoinbase pays the block subsidy plus fees to the test key. extra
// disambiguates coinbases of same-height sibling blocks.
func makeCoinbase(t *testing.T, height int32, fees int64, extra byte) *wire.MsgTx {
	t.Helper()
	sigScript, err := txscript.NewScriptBuilder().
		AddInt64(int64(height)).
		AddData([]byte{extra}).
		Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  sigScript,
		Sequence:         0xffffffff,
	})
	subsidy := blockchain.CalcBlockSubsidy(height, &chaincfg.RegressionNetParams)
	tx.AddTxOut(wire.NewTxOut(subsidy+fees, testPayScript(t)))
	return tx
}

// mineBlock assembles and solves a regtest block on top of prev. txs are the
// non-coinbase transactions, fees their combined fee.
func mineBlock(t *testing.T, prev chainhash.Hash, height int32, fees int64, extra byte, txs ...*wire.MsgTx) *Block {
	t.Helper()
	all := append([]*wire.MsgTx{makeCoinbase(t, height, fees, extra)}, txs...)
	utilTxs := make([]*btcutil.Tx, len(all))
	for i, tx := range all {
		utilTxs[i] = btcutil.NewTx(tx)
	}

	header := wire.BlockHeader{
		Version:    4,
		PrevBlock:  prev,
		MerkleRoot: blockchain.CalcMerkleRoot(utilTxs, false),
		Timestamp:  time.Now().Truncate(time.Second),
		Bits:       chaincfg.RegressionNetParams.PowLimitBits,
	}
	target := blockchain.CompactToBig(header.Bits)
	for nonce := uint32(0); ; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			break
		}
		require.Less(t, nonce, uint32(1<<22), "no solution found")
	}

	msg := &wire.MsgBlock{Header: header}
	for _, tx := range all {
		require.NoError(t, msg.AddTransaction(tx))
	}
	return newBlockFromMsg(msg)
}

// extendTip mines one empty block on the current tip and processes it.
func extendTip(t *testing.T, m *ChainstateManager) *Block {
	t.Helper()
	tip, err := m.ActiveChain().Tip()
	require.NoError(t, err)
	block := mineBlock(t, tip.BlockHash(), tip.Height()+1, 0, 0)
	isNew, err := m.ProcessBlock(block)
	require.NoError(t, err)
	require.True(t, isNew)
	return block
}

// spendTx spends output vout of prevTx back to the test key, paying fee.
func spendTx(t *testing.T, prevTx *wire.MsgTx, vout uint32, fee int64) *wire.MsgTx {
	t.Helper()
	prevOut := prevTx.TxOut[vout]
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prevTx.TxHash(), Index: vout},
		Sequence:         0xffffffff,
	})
	tx.AddTxOut(wire.NewTxOut(prevOut.Value-fee, testPayScript(t)))

	sigScript, err := txscript.SignatureScript(tx, 0, prevOut.PkScript, txscript.SigHashAll, testKey, true)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript
	return tx
}
