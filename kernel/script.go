package kernel

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ScriptFlags select which validation rules are enforced during script
// verification. Flags compose with bitwise OR. Bit positions follow the
// consensus engine's interface.
type ScriptFlags uint32

const (
	ScriptFlagsNone ScriptFlags = 0
	// ScriptFlagsP2SH evaluates P2SH subscripts (BIP16).
	ScriptFlagsP2SH ScriptFlags = 1 << 0
	// ScriptFlagsDERSig enforces strict DER signature encoding (BIP66).
	ScriptFlagsDERSig ScriptFlags = 1 << 2
	// ScriptFlagsNullDummy enforces the NULLDUMMY rule (BIP147).
	ScriptFlagsNullDummy ScriptFlags = 1 << 4
	// ScriptFlagsCheckLockTimeVerify enables OP_CHECKLOCKTIMEVERIFY (BIP65).
	ScriptFlagsCheckLockTimeVerify ScriptFlags = 1 << 9
	// ScriptFlagsCheckSequenceVerify enables OP_CHECKSEQUENCEVERIFY (BIP112).
	ScriptFlagsCheckSequenceVerify ScriptFlags = 1 << 10
	// ScriptFlagsWitness enables segregated witness validation (BIP141).
	ScriptFlagsWitness ScriptFlags = 1 << 11
	// ScriptFlagsTaproot enables taproot validation (BIP341, BIP342).
	ScriptFlagsTaproot ScriptFlags = 1 << 17

	ScriptFlagsAll = ScriptFlagsP2SH |
		ScriptFlagsDERSig |
		ScriptFlagsNullDummy |
		ScriptFlagsCheckLockTimeVerify |
		ScriptFlagsCheckSequenceVerify |
		ScriptFlagsWitness |
		ScriptFlagsTaproot
)

// ScriptVerifyStatus reports why a verification call was rejected before
// the script was even executed. StatusOK accompanies both successful
// validation and a plain "script did not validate" result.
type ScriptVerifyStatus int

const (
	StatusOK ScriptVerifyStatus = iota
	// StatusErrorInvalidFlags: flag bits outside the supported set.
	StatusErrorInvalidFlags
	// StatusErrorInvalidFlagsCombination: the flags were combined in an
	// invalid way (e.g. witness without P2SH).
	StatusErrorInvalidFlagsCombination
	// StatusErrorSpentOutputsRequired: the taproot flag requires spent
	// outputs to be provided.
	StatusErrorSpentOutputsRequired
	// StatusErrorSpentOutputsMismatch: spent outputs count differs from the
	// transaction's input count.
	StatusErrorSpentOutputsMismatch
	// StatusErrorTxInputIndex: the input index is out of bounds.
	StatusErrorTxInputIndex
)

func (s ScriptVerifyStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusErrorInvalidFlags:
		return "invalid_flags"
	case StatusErrorInvalidFlagsCombination:
		return "invalid_flags_combination"
	case StatusErrorSpentOutputsRequired:
		return "spent_outputs_required"
	case StatusErrorSpentOutputsMismatch:
		return "spent_outputs_mismatch"
	case StatusErrorTxInputIndex:
		return "tx_input_index"
	default:
		return "unknown"
	}
}

// ScriptPubkey is a locking script defining the spending conditions of an
// output.
type ScriptPubkey struct {
	data []byte
}

// NewScriptPubkey wraps raw script bytes. The bytes are copied; an empty
// script is valid (anyone-can-spend under pre-P2SH rules).
func NewScriptPubkey(data []byte) (ScriptPubkey, error) {
	if data == nil {
		return ScriptPubkey{}, errors.New("nil script data")
	}
	return ScriptPubkey{data: append([]byte(nil), data...)}, nil
}

// Bytes returns a copy of the raw script.
func (s ScriptPubkey) Bytes() []byte {
	return append([]byte(nil), s.data...)
}

func (s ScriptPubkey) String() string {
	return fmt.Sprintf("%x", s.data)
}

// Verify checks that input inputIndex of tx correctly spends this script
// under the given flags.
//
// amount is the value of the output being spent; it is committed to by the
// signature hash only when the witness flag is set. spentOutputs must list
// the output spent by every input of tx (in input order) when the taproot
// flag is set, and may be nil otherwise.
//
// The three outcomes are distinct: (true, nil) means the script validated,
// (false, nil) means the script cleanly failed to validate, and a non-nil
// *ScriptVerifyError reports a misuse of the call itself.
func (s ScriptPubkey) Verify(
	amount int64,
	tx *Transaction,
	spentOutputs []TransactionOutput,
	inputIndex uint32,
	flags ScriptFlags,
) (bool, error) {
	if tx == nil {
		return false, errors.New("nil transaction")
	}
	if flags&^ScriptFlagsAll != 0 {
		return false, &ScriptVerifyError{Status: StatusErrorInvalidFlags}
	}
	if flags&ScriptFlagsWitness != 0 && flags&ScriptFlagsP2SH == 0 {
		return false, &ScriptVerifyError{Status: StatusErrorInvalidFlagsCombination}
	}
	if flags&ScriptFlagsTaproot != 0 && len(spentOutputs) == 0 {
		return false, &ScriptVerifyError{Status: StatusErrorSpentOutputsRequired}
	}
	msgTx := tx.MsgTx()
	if len(spentOutputs) > 0 && len(spentOutputs) != len(msgTx.TxIn) {
		return false, &ScriptVerifyError{Status: StatusErrorSpentOutputsMismatch}
	}
	if int(inputIndex) >= len(msgTx.TxIn) {
		return false, &ScriptVerifyError{Status: StatusErrorTxInputIndex}
	}

	fetcher := prevOutFetcher(s.data, amount, msgTx, spentOutputs, inputIndex)
	sigHashes := txscript.NewTxSigHashes(msgTx, fetcher)
	vm, err := txscript.NewEngine(
		s.data, msgTx, int(inputIndex), engineFlags(flags), nil, sigHashes, amount, fetcher,
	)
	if err != nil {
		// Malformed script or unsatisfiable setup: a plain validation
		// failure, status stays OK.
		return false, nil
	}
	if err := vm.Execute(); err != nil {
		return false, nil
	}
	return true, nil
}

func prevOutFetcher(
	script []byte,
	amount int64,
	msgTx *wire.MsgTx,
	spentOutputs []TransactionOutput,
	inputIndex uint32,
) txscript.PrevOutputFetcher {
	if len(spentOutputs) == 0 {
		return txscript.NewCannedPrevOutputFetcher(script, amount)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range msgTx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, spentOutputs[i].txOut())
	}
	// The verified input spends this script pubkey regardless of what the
	// caller supplied for it.
	fetcher.AddPrevOut(msgTx.TxIn[inputIndex].PreviousOutPoint, wire.NewTxOut(amount, script))
	return fetcher
}

func engineFlags(flags ScriptFlags) txscript.ScriptFlags {
	var out txscript.ScriptFlags
	if flags&ScriptFlagsP2SH != 0 {
		out |= txscript.ScriptBip16
	}
	if flags&ScriptFlagsDERSig != 0 {
		out |= txscript.ScriptVerifyDERSignatures
	}
	if flags&ScriptFlagsNullDummy != 0 {
		out |= txscript.ScriptStrictMultiSig
	}
	if flags&ScriptFlagsCheckLockTimeVerify != 0 {
		out |= txscript.ScriptVerifyCheckLockTimeVerify
	}
	if flags&ScriptFlagsCheckSequenceVerify != 0 {
		out |= txscript.ScriptVerifyCheckSequenceVerify
	}
	if flags&ScriptFlagsWitness != 0 {
		out |= txscript.ScriptVerifyWitness
	}
	if flags&ScriptFlagsTaproot != 0 {
		out |= txscript.ScriptVerifyTaproot
	}
	return out
}
