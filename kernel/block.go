package kernel

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Block is an immutable, fully deserialized block. The hash is a digest of
// the header only.
type Block struct {
	b *btcutil.Block
}

// NewBlockFromBytes deserializes a block from consensus wire format. A
// decode failure never yields a partially valid block.
func NewBlockFromBytes(raw []byte) (*Block, error) {
	b, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("block decode failed: %w", err)
	}
	return &Block{b: b}, nil
}

func newBlockFromMsg(msg *wire.MsgBlock) *Block {
	return &Block{b: btcutil.NewBlock(msg)}
}

// Hash returns the double-SHA256 digest of the block header.
func (b *Block) Hash() chainhash.Hash {
	return *b.b.Hash()
}

// Header returns a copy of the block header.
func (b *Block) Header() wire.BlockHeader {
	return b.b.MsgBlock().Header
}

// Serialize streams the block in consensus wire format into w. The first
// write error aborts serialization and is returned unchanged, so a sink can
// propagate its own failure through the call.
func (b *Block) Serialize(w io.Writer) error {
	return b.b.MsgBlock().Serialize(w)
}

// Bytes returns the serialized block. The result round-trips through
// NewBlockFromBytes.
func (b *Block) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Transactions returns all transactions in the block, coinbase first.
func (b *Block) Transactions() []*Transaction {
	txs := b.b.Transactions()
	out := make([]*Transaction, len(txs))
	for i, tx := range txs {
		out[i] = &Transaction{tx: tx}
	}
	return out
}

func (b *Block) String() string {
	return fmt.Sprintf("<Block hash=%s txs=%d>", b.b.Hash(), len(b.b.Transactions()))
}

// Coin is one unspent output consumed by a transaction input, together
// with the metadata needed to restore it during a disconnect.
type Coin struct {
	Output     TransactionOutput
	Height     int32
	IsCoinbase bool
}

// SpentOutputs is the per-block undo data: for every non-coinbase
// transaction, the coins consumed by its inputs in input order.
type SpentOutputs struct {
	txs [][]Coin
}

// NewSpentOutputs wraps per-transaction coin lists. The coinbase is
// excluded by construction.
func NewSpentOutputs(txs [][]Coin) *SpentOutputs {
	return &SpentOutputs{txs: txs}
}

// Transactions returns the spent outputs for each non-coinbase transaction
// in block order. len(Transactions()) equals the block's transaction count
// minus one.
func (s *SpentOutputs) Transactions() [][]Coin {
	return s.txs
}

func (s *SpentOutputs) String() string {
	return fmt.Sprintf("<SpentOutputs txs=%d>", len(s.txs))
}
