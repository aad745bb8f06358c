package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeResultErr struct{ label string }

func (e *fakeResultErr) Error() string       { return e.label }
func (e *fakeResultErr) ResultLabel() string { return e.label }

func TestObserveProcessBlock(t *testing.T) {
	before := testutil.ToFloat64(blocksProcessed.WithLabelValues("accepted"))
	ObserveProcessBlock(nil)
	require.Equal(t, before+1, testutil.ToFloat64(blocksProcessed.WithLabelValues("accepted")))

	before = testutil.ToFloat64(blocksProcessed.WithLabelValues("mutated"))
	ObserveProcessBlock(&fakeResultErr{label: "mutated"})
	require.Equal(t, before+1, testutil.ToFloat64(blocksProcessed.WithLabelValues("mutated")))

	before = testutil.ToFloat64(blocksProcessed.WithLabelValues("error"))
	ObserveProcessBlock(errors.New("disk failure"))
	require.Equal(t, before+1, testutil.ToFloat64(blocksProcessed.WithLabelValues("error")))
}

func TestObserveReads(t *testing.T) {
	before := testutil.ToFloat64(blockReads.WithLabelValues("ok"))
	ObserveBlockRead(true)
	require.Equal(t, before+1, testutil.ToFloat64(blockReads.WithLabelValues("ok")))

	before = testutil.ToFloat64(undoReads.WithLabelValues("failed"))
	ObserveUndoRead(false)
	require.Equal(t, before+1, testutil.ToFloat64(undoReads.WithLabelValues("failed")))
}

func TestObserveScriptChecks(t *testing.T) {
	before := testutil.ToFloat64(scriptChecks)
	ObserveScriptChecks(7)
	require.Equal(t, before+7, testutil.ToFloat64(scriptChecks))
}
