package writer

import "time"

// Metrics is a point-in-time view of writer counters.
type Metrics struct {
	RequestsTotal     int64
	RequestsSucceeded int64
	RequestsFailed    int64
	// RequestsRejected counts requests that failed validation. They are
	// not part of the success rate.
	RequestsRejected int64

	TransactionsCommitted  int64
	TransactionsRolledBack int64
	TransactionsFailed     int64
	TransactionsRecovered  int64

	AvgWriteLatency    time.Duration
	AvgRollbackLatency time.Duration

	// SuccessRate is succeeded requests over finished requests, 1.0 before
	// the first request finishes.
	SuccessRate float64

	ActiveTransactions int
}

type mean struct {
	total time.Duration
	n     int64
}

func (m *mean) add(d time.Duration) {
	m.total += d
	m.n++
}

func (m mean) value() time.Duration {
	if m.n == 0 {
		return 0
	}
	return m.total / time.Duration(m.n)
}

// counters is guarded by Writer.mu.
type counters struct {
	Metrics
	write    mean
	rollback mean
}

func (c *counters) snapshot() Metrics {
	m := c.Metrics
	m.AvgWriteLatency = c.write.value()
	m.AvgRollbackLatency = c.rollback.value()
	m.SuccessRate = 1.0
	if done := c.RequestsSucceeded + c.RequestsFailed; done > 0 {
		m.SuccessRate = float64(c.RequestsSucceeded) / float64(done)
	}
	return m
}
