package kernel

import (
	"path/filepath"
	"strings"
)

const (
	// MaxWorkerThreads caps the script verification worker pool.
	MaxWorkerThreads = 15
)

// ChainstateManagerOptions are the immutable construction parameters for a
// chainstate manager.
type ChainstateManagerOptions struct {
	// DataDir holds the block tree and chainstate databases. The manager
	// requires exclusive access to it.
	DataDir string
	// BlocksDir holds raw block data. Defaults to DataDir/blocks.
	BlocksDir string

	// WipeBlockTreeDB rebuilds the block index from stored blocks.
	// Requires WipeChainstateDB: wiping the index while keeping the
	// chainstate is inconsistent.
	WipeBlockTreeDB bool
	// WipeChainstateDB rebuilds the UTXO set and active chain.
	WipeChainstateDB bool

	// BlockTreeDBInMemory and ChainstateDBInMemory keep the respective
	// database off the data directory, discarded on Close.
	BlockTreeDBInMemory  bool
	ChainstateDBInMemory bool

	// WorkerThreads is the script verification parallelism, clamped to
	// [0, MaxWorkerThreads]. 0 disables parallel verification.
	WorkerThreads int
}

func (o *ChainstateManagerOptions) validate() error {
	if strings.TrimSpace(o.DataDir) == "" {
		return &InitializationError{Msg: "data directory is required"}
	}
	if o.WipeBlockTreeDB && !o.WipeChainstateDB {
		return &InitializationError{Msg: "wiping the block tree db requires wiping the chainstate db"}
	}
	return nil
}

func (o *ChainstateManagerOptions) blocksDir() string {
	if o.BlocksDir != "" {
		return o.BlocksDir
	}
	return filepath.Join(o.DataDir, "blocks")
}

func (o *ChainstateManagerOptions) workerThreads() int {
	if o.WorkerThreads < 0 {
		return 0
	}
	if o.WorkerThreads > MaxWorkerThreads {
		return MaxWorkerThreads
	}
	return o.WorkerThreads
}
