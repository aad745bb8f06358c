package kernel

// SynchronizationState describes how far along the manager is when a tip
// notification fires.
type SynchronizationState int

const (
	// SyncStateInitReindex indicates the manager is rebuilding its databases.
	SyncStateInitReindex SynchronizationState = iota
	// SyncStateInitDownload indicates the manager is catching up on blocks.
	SyncStateInitDownload
	// SyncStatePostInit indicates steady-state operation.
	SyncStatePostInit
)

func (s SynchronizationState) String() string {
	switch s {
	case SyncStateInitReindex:
		return "init_reindex"
	case SyncStateInitDownload:
		return "init_download"
	case SyncStatePostInit:
		return "post_init"
	default:
		return "unknown"
	}
}

// Warning identifies a condition the manager wants the caller to know about.
type Warning int

const (
	// WarningUnknownNewRulesActivated fires when unknown consensus rules
	// appear to have activated on the network.
	WarningUnknownNewRulesActivated Warning = iota
	// WarningLargeWorkInvalidChain fires when a high-work invalid chain is
	// observed.
	WarningLargeWorkInvalidChain
)

// Notifications carries the optional callbacks a manager invokes while it
// mutates the chain. All callbacks are invoked synchronously from the
// goroutine performing the mutation and block further progress until they
// return, so they should execute quickly. Nil fields are skipped.
type Notifications struct {
	// BlockTip fires after the active chain tip advanced to entry.
	BlockTip func(state SynchronizationState, entry *BlockTreeEntry)
	// HeaderTip fires when the best known header changed.
	HeaderTip func(state SynchronizationState, height int64, timestamp int64, presync bool)
	// Progress reports long-running operations such as imports.
	Progress func(title string, percent int, resumePossible bool)
	// WarningSet and WarningUnset report warning state transitions.
	WarningSet   func(warning Warning, message string)
	WarningUnset func(warning Warning)
	// FlushError reports a failure to persist state to disk.
	FlushError func(message string)
	// FatalError reports an unrecoverable internal failure.
	FatalError func(message string)
}
