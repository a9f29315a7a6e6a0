package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/placeflow"
)

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)

	o.TransitionApplied("tmpl", "go", 20*time.Millisecond, false)
	o.TransitionApplied("tmpl", "go", 10*time.Millisecond, true)
	o.TransitionApplied("tmpl", "go", 10*time.Millisecond, false)
	o.ToolCalled("fetch", time.Millisecond, nil)
	o.ToolCalled("fetch", time.Millisecond, errors.New("boom"))
	o.InstanceHalted("tmpl", placeflow.OutcomeSuspended)
	o.DocumentCreated("report/v1", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(o.transitions.WithLabelValues("tmpl", "go", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.transitions.WithLabelValues("tmpl", "go", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.toolCalls.WithLabelValues("fetch", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.halts.WithLabelValues("tmpl", placeflow.OutcomeSuspended)))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.documents.WithLabelValues("report/v1", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(o.toolDuration))
}

func TestNewObserver_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewObserver(reg)
	require.NoError(t, err)

	_, err = NewObserver(reg)
	assert.Error(t, err)
}
