package store

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const outpointKeyLen = chainhash.HashSize + 4

// CoinRecord is one unspent output as stored in the utxo bucket.
type CoinRecord struct {
	Value      int64
	PkScript   []byte
	Height     int32
	IsCoinbase bool
}

func encodeOutpointKey(p wire.OutPoint) []byte {
	out := make([]byte, outpointKeyLen)
	copy(out[:chainhash.HashSize], p.Hash[:])
	binary.LittleEndian.PutUint32(out[chainhash.HashSize:], p.Index)
	return out
}

func decodeOutpointKey(b []byte) (wire.OutPoint, error) {
	var p wire.OutPoint
	if len(b) != outpointKeyLen {
		return p, fmt.Errorf("outpoint key: expected %d bytes, got %d", outpointKeyLen, len(b))
	}
	copy(p.Hash[:], b[:chainhash.HashSize])
	p.Index = binary.LittleEndian.Uint32(b[chainhash.HashSize:])
	return p, nil
}

func encodeCoinRecord(c CoinRecord) ([]byte, error) {
	if c.Value < 0 {
		return nil, fmt.Errorf("coin: negative value")
	}
	if c.Height < 0 {
		return nil, fmt.Errorf("coin: negative height")
	}
	if len(c.PkScript) > 0xffffffff {
		return nil, fmt.Errorf("coin: script too large")
	}
	// Layout:
	// value u64le | height u32le | coinbase u8 | script_len u32le | script
	out := make([]byte, 8+4+1+4+len(c.PkScript))
	binary.LittleEndian.PutUint64(out[0:8], uint64(c.Value))
	binary.LittleEndian.PutUint32(out[8:12], uint32(c.Height))
	if c.IsCoinbase {
		out[12] = 1
	}
	binary.LittleEndian.PutUint32(out[13:17], uint32(len(c.PkScript))) // #nosec G115 -- len checked against 0xffffffff above.
	copy(out[17:], c.PkScript)
	return out, nil
}

func decodeCoinRecord(b []byte) (*CoinRecord, error) {
	if len(b) < 8+4+1+4 {
		return nil, fmt.Errorf("coin: truncated")
	}
	value := binary.LittleEndian.Uint64(b[0:8])
	height := binary.LittleEndian.Uint32(b[8:12])
	coinbase := b[12]
	if coinbase > 1 {
		return nil, fmt.Errorf("coin: bad coinbase flag")
	}
	scriptLen := int(binary.LittleEndian.Uint32(b[13:17]))
	if 17+scriptLen != len(b) {
		return nil, fmt.Errorf("coin: bad script len")
	}
	return &CoinRecord{
		Value:      int64(value),  // #nosec G115 -- encoded from a non-negative int64.
		Height:     int32(height), // #nosec G115 -- encoded from a non-negative int32.
		IsCoinbase: coinbase == 1,
		PkScript:   append([]byte(nil), b[17:]...),
	}, nil
}
