package store

import (
	"encoding/binary"
	"fmt"
)

// UndoRecord holds, for every non-coinbase transaction of a block, the
// coins its inputs consumed, in input order. Restored outpoints are not
// stored; a disconnect recovers them from the block itself.
type UndoRecord struct {
	Txs [][]CoinRecord
}

func encodeUndoRecord(u UndoRecord) ([]byte, error) {
	if len(u.Txs) > 0xffffffff {
		return nil, fmt.Errorf("undo: too many transactions")
	}
	// Layout:
	// tx_count u32le
	//   coin_count u32le
	//     (coin_len u32le | coin_bytes) * coin_count
	out := make([]byte, 0, 4+len(u.Txs)*64)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(u.Txs))) // #nosec G115 -- len checked against 0xffffffff above.
	out = append(out, tmp4[:]...)

	for _, coins := range u.Txs {
		if len(coins) > 0xffffffff {
			return nil, fmt.Errorf("undo: too many coins")
		}
		binary.LittleEndian.PutUint32(tmp4[:], uint32(len(coins))) // #nosec G115 -- len checked against 0xffffffff above.
		out = append(out, tmp4[:]...)
		for _, c := range coins {
			raw, err := encodeCoinRecord(c)
			if err != nil {
				return nil, err
			}
			binary.LittleEndian.PutUint32(tmp4[:], uint32(len(raw))) // #nosec G115 -- coin encoding is bounded by its script length check.
			out = append(out, tmp4[:]...)
			out = append(out, raw...)
		}
	}
	return out, nil
}

func decodeUndoRecord(b []byte) (*UndoRecord, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("undo: truncated")
	}
	off := 0
	readU32 := func() (uint32, error) {
		if off+4 > len(b) {
			return 0, fmt.Errorf("undo: truncated u32")
		}
		v := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		return v, nil
	}

	txN, err := readU32()
	if err != nil {
		return nil, err
	}
	txs := make([][]CoinRecord, 0, txN)
	for i := uint32(0); i < txN; i++ {
		coinN, err := readU32()
		if err != nil {
			return nil, err
		}
		coins := make([]CoinRecord, 0, coinN)
		for j := uint32(0); j < coinN; j++ {
			coinLen, err := readU32()
			if err != nil {
				return nil, err
			}
			if coinLen > uint32(len(b)-off) { // #nosec G115 -- len(b)-off is non-negative by prior bounds checks.
				return nil, fmt.Errorf("undo: truncated coin bytes")
			}
			c, err := decodeCoinRecord(b[off : off+int(coinLen)])
			if err != nil {
				return nil, err
			}
			off += int(coinLen)
			coins = append(coins, *c)
		}
		txs = append(txs, coins)
	}
	if off != len(b) {
		return nil, fmt.Errorf("undo: trailing bytes")
	}
	return &UndoRecord{Txs: txs}, nil
}
