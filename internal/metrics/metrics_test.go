package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/simlink/internal/domain"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Command("outer", "VERSION", nil)
	m.Command("outer", "VERSION", nil)
	m.Command("outer", "RUN", errors.New("already running"))
	m.Paused(domain.PauseOwnerAgent)
	m.FramingError()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("outer", "VERSION", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("outer", "RUN", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pauses.WithLabelValues("agent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framing))
}

func TestStateGauge(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("idling")))

	m.SetState(domain.RunStateRunning)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("idling")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("running")))

	m.SetFields(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.fields))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Command("outer", "STATE", nil)
	m.SetState(domain.RunStateError)
	m.RunCompleted(domain.RunStateFinished)
}
