package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.AddEnqueued(3)
	c.AddReserved(2)
	c.ObserveOutcome(true)
	c.ObserveOutcome(false)
	c.ObserveOutcome(false)
	c.DispatchStarted()
	c.DispatchStarted()
	c.DispatchFinished()

	assert.Equal(t, 3.0, testutil.ToFloat64(c.Enqueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Reserved))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Succeeded))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Failed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.InFlight))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.AddEnqueued(1)
	c.AddReserved(1)
	c.ObserveOutcome(true)
	c.ObserveOutcome(false)
	c.DispatchStarted()
	c.DispatchFinished()
}
