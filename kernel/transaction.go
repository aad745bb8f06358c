package kernel

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Transaction is an immutable, fully deserialized transaction.
type Transaction struct {
	tx *btcutil.Tx
}

// NewTransactionFromBytes deserializes a transaction from consensus wire
// format.
func NewTransactionFromBytes(raw []byte) (*Transaction, error) {
	tx, err := btcutil.NewTxFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("transaction decode failed: %w", err)
	}
	return &Transaction{tx: tx}, nil
}

func newTransaction(tx *btcutil.Tx) *Transaction {
	return &Transaction{tx: tx}
}

// Txid returns the transaction identifier (hash without witness data).
func (t *Transaction) Txid() chainhash.Hash {
	return *t.tx.Hash()
}

// InputCount returns the number of inputs.
func (t *Transaction) InputCount() int {
	return len(t.tx.MsgTx().TxIn)
}

// OutputCount returns the number of outputs.
func (t *Transaction) OutputCount() int {
	return len(t.tx.MsgTx().TxOut)
}

// Output returns the output at index i.
func (t *Transaction) Output(i int) (TransactionOutput, error) {
	outs := t.tx.MsgTx().TxOut
	if i < 0 || i >= len(outs) {
		return TransactionOutput{}, fmt.Errorf("output index %d out of range [0,%d)", i, len(outs))
	}
	return TransactionOutput{
		amount: outs[i].Value,
		script: ScriptPubkey{data: append([]byte(nil), outs[i].PkScript...)},
	}, nil
}

// MsgTx exposes the underlying wire transaction.
func (t *Transaction) MsgTx() *wire.MsgTx {
	return t.tx.MsgTx()
}

// Serialize streams the transaction in consensus wire format into w.
func (t *Transaction) Serialize(w io.Writer) error {
	return t.tx.MsgTx().Serialize(w)
}

// Bytes returns the serialized transaction.
func (t *Transaction) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Transaction) String() string {
	return fmt.Sprintf("<Transaction txid=%s in=%d out=%d>", t.tx.Hash(), t.InputCount(), t.OutputCount())
}

// TransactionOutput is one spendable output: an amount and the script that
// locks it.
type TransactionOutput struct {
	amount int64
	script ScriptPubkey
}

// NewTransactionOutput pairs a locking script with an amount in satoshis.
func NewTransactionOutput(script ScriptPubkey, amount int64) TransactionOutput {
	return TransactionOutput{amount: amount, script: script}
}

func (o TransactionOutput) Amount() int64 { return o.amount }

func (o TransactionOutput) ScriptPubkey() ScriptPubkey { return o.script }

func (o TransactionOutput) txOut() *wire.TxOut {
	return wire.NewTxOut(o.amount, o.script.Bytes())
}
