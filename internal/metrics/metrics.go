// Package metrics exposes Prometheus counters for kernel activity. All
// collectors register on the default registry at init.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bitcoinkernel",
		Name:      "blocks_processed_total",
		Help:      "Blocks submitted for validation, by outcome.",
	}, []string{"outcome"})

	blockReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bitcoinkernel",
		Name:      "block_reads_total",
		Help:      "Raw block reads from the block store, by status.",
	}, []string{"status"})

	undoReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bitcoinkernel",
		Name:      "undo_reads_total",
		Help:      "Undo data reads from the block store, by status.",
	}, []string{"status"})

	scriptChecks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bitcoinkernel",
		Name:      "script_checks_total",
		Help:      "Input scripts verified during block connection.",
	})
)

// resulter is implemented by validation errors that carry a narrow reason.
type resulter interface {
	ResultLabel() string
}

// ObserveProcessBlock records the outcome of one ProcessBlock call.
func ObserveProcessBlock(err error) {
	outcome := "accepted"
	if err != nil {
		outcome = "error"
		var r resulter
		if errors.As(err, &r) {
			outcome = r.ResultLabel()
		}
	}
	blocksProcessed.WithLabelValues(outcome).Inc()
}

// ObserveBlockRead records one raw block read.
func ObserveBlockRead(ok bool) {
	blockReads.WithLabelValues(status(ok)).Inc()
}

// ObserveUndoRead records one undo data read.
func ObserveUndoRead(ok bool) {
	undoReads.WithLabelValues(status(ok)).Inc()
}

// ObserveScriptChecks records a batch of script verifications.
func ObserveScriptChecks(n int) {
	scriptChecks.Add(float64(n))
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
