package kernel

// ValidationMode is the coarse result of validating a block.
type ValidationMode int

const (
	ValidationModeValid ValidationMode = iota
	ValidationModeInvalid
	ValidationModeInternalError
)

func (m ValidationMode) String() string {
	switch m {
	case ValidationModeValid:
		return "valid"
	case ValidationModeInvalid:
		return "invalid"
	case ValidationModeInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// BlockValidationResult narrows down why a block failed validation.
type BlockValidationResult int

const (
	// ResultUnset: the block has not been rejected.
	ResultUnset BlockValidationResult = iota
	// ResultConsensus: invalid by consensus rules not covered by a more
	// specific reason below.
	ResultConsensus
	// ResultCachedInvalid: the block was previously cached as invalid.
	ResultCachedInvalid
	// ResultInvalidHeader: invalid proof of work or timestamp too old.
	ResultInvalidHeader
	// ResultMutated: the block data did not match its header commitment.
	ResultMutated
	// ResultMissingPrev: the previous block is not available.
	ResultMissingPrev
	// ResultInvalidPrev: a block this one builds on is invalid.
	ResultInvalidPrev
	// ResultTimeFuture: the block timestamp is too far in the future.
	ResultTimeFuture
	// ResultHeaderLowWork: the header chain carries too little work.
	ResultHeaderLowWork
)

func (r BlockValidationResult) String() string {
	switch r {
	case ResultUnset:
		return "unset"
	case ResultConsensus:
		return "consensus"
	case ResultCachedInvalid:
		return "cached_invalid"
	case ResultInvalidHeader:
		return "invalid_header"
	case ResultMutated:
		return "mutated"
	case ResultMissingPrev:
		return "missing_prev"
	case ResultInvalidPrev:
		return "invalid_prev"
	case ResultTimeFuture:
		return "time_future"
	case ResultHeaderLowWork:
		return "header_low_work"
	default:
		return "unknown"
	}
}

// BlockValidationState is handed to validation callbacks once a block has
// been fully checked.
type BlockValidationState struct {
	Mode   ValidationMode
	Result BlockValidationResult
}

// ValidationCallbacks receive validation events. Invoked synchronously
// during validation; they block further validation until they return.
// Nil fields are skipped.
type ValidationCallbacks struct {
	// BlockChecked fires when a block has been fully validated.
	BlockChecked func(block *Block, state BlockValidationState)
	// BlockConnected fires when a block was connected to the active chain.
	BlockConnected func(block *Block, height int32)
	// BlockDisconnected fires when a block was disconnected during a
	// reorganization.
	BlockDisconnected func(block *Block, height int32)
}
