package pipeline

import "time"

const latencyAlpha = 0.1

// Metrics is a point-in-time view of pipeline counters.
type Metrics struct {
	Processed int64
	Succeeded int64
	Failed    int64
	Retried   int64
	Dropped   int64
	Invalid   int64

	ConflictsDetected int64
	ConflictsResolved int64

	// AvgLatency is an exponentially weighted moving average (alpha 0.1)
	// of per-operation processing time.
	AvgLatency time.Duration
	// Throughput is processed operations per second of busy time.
	Throughput float64
	// Health is the success rate over the rolling result window.
	Health float64

	QueueDepth int
	InFlight   int
	Workers    int
}

// counters is guarded by Pipeline.mu.
type counters struct {
	Metrics

	ewma      float64
	hasSample bool

	window    []bool
	windowPos int
	windowLen int
	windowOK  int

	busySince time.Time
	busyTotal time.Duration
}

func newCounters(window int) *counters {
	return &counters{window: make([]bool, window)}
}

func (c *counters) observeLatency(d time.Duration) {
	x := float64(d)
	if !c.hasSample {
		c.ewma = x
		c.hasSample = true
		return
	}
	c.ewma = latencyAlpha*x + (1-latencyAlpha)*c.ewma
}

// observeResult records an apply outcome in the rolling window.
func (c *counters) observeResult(ok bool) {
	if len(c.window) == 0 {
		return
	}
	if c.windowLen == len(c.window) {
		if c.window[c.windowPos] {
			c.windowOK--
		}
	} else {
		c.windowLen++
	}
	c.window[c.windowPos] = ok
	if ok {
		c.windowOK++
	}
	c.windowPos = (c.windowPos + 1) % len(c.window)
}

func (c *counters) health() float64 {
	if c.windowLen == 0 {
		return 1.0
	}
	return float64(c.windowOK) / float64(c.windowLen)
}

func (c *counters) busy(now time.Time) time.Duration {
	total := c.busyTotal
	if !c.busySince.IsZero() {
		total += now.Sub(c.busySince)
	}
	return total
}

func (c *counters) snapshot(now time.Time) Metrics {
	m := c.Metrics
	m.AvgLatency = time.Duration(c.ewma)
	m.Health = c.health()
	if busy := c.busy(now); busy > 0 {
		m.Throughput = float64(c.Processed) / busy.Seconds()
	}
	return m
}
