package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.Notification("validator", "insert")
		c.ApplyError("relay")
		c.RetireNoMatch("relay")
		c.SubscriptionFailure("validator")
		c.SupervisorState(true)
		c.CountError()
		c.WorkerStarted()
		c.WorkerStopped()
		c.Send("w1", false)
	})
}

func TestCollectorRegistersAndCounts(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	c.Notification("validator", "insert")
	c.Notification("validator", "insert")
	c.SupervisorState(true)
	c.Send("w1", true)
	c.Send("w1", false)

	require.Equal(t, 2.0, testutil.ToFloat64(c.notifications.WithLabelValues("validator", "insert")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.supervisorActive))
	require.Equal(t, 1.0, testutil.ToFloat64(c.sends.WithLabelValues("w1", "error")))

	c.SupervisorState(false)
	require.Equal(t, 0.0, testutil.ToFloat64(c.supervisorActive))
	require.Equal(t, 1.0, testutil.ToFloat64(c.supervisorTransition.WithLabelValues("idle")))
}
