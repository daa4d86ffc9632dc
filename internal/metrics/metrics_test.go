package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localmodeld/internal/manager"
)

func TestDownloadHooks(t *testing.T) {
	m := New(prometheus.NewRegistry())
	h := m.DownloadHooks()

	h.Started("a.gguf")
	h.Started("b.gguf")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.downloadsActive))

	h.Finished("a.gguf", 1000, 2*time.Second, nil)
	h.Finished("b.gguf", 10, time.Second, context.Canceled)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.downloadsActive))
	assert.Equal(t, 1010.0, testutil.ToFloat64(m.downloadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloadsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloadsTotal.WithLabelValues("canceled")))
}

func TestPublish(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Publish(manager.Event{Name: manager.EventLoadDone, ModelID: "a", Fields: map[string]any{"elapsed": time.Second}})
	m.Publish(manager.Event{Name: manager.EventLoadFailed, ModelID: "b"})
	m.Publish(manager.Event{Name: manager.EventEvict, ModelID: "a"})
	m.Publish(manager.Event{Name: manager.EventUnloadDone, ModelID: "a"})
	m.Publish(manager.Event{Name: manager.EventWorkerExit})
	m.Publish(manager.Event{Name: "unknown"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.loadsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loadsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unloads))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerExits))
	assert.Equal(t, 1, testutil.CollectAndCount(m.loadDuration))
}

func TestObserveEstimate(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveEstimate(time.Millisecond, nil)
	m.ObserveEstimate(time.Millisecond, errors.New("404"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.estimateTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.estimateTotal.WithLabelValues("error")))
}

func TestRegisterResidency(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterResidency(reg, func() (int, float64) { return 2, 6144 })

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, f := range families {
		got[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, 2.0, got["localmodeld_model_resident"])
	assert.Equal(t, 6144.0, got["localmodeld_model_resident_memory_mb"])
}
