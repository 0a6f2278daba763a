package xtask

import (
	"sync/atomic"
	"time"
)

type stats struct {
	cycles         atomic.Int64
	claimed        atomic.Int64
	skipped        atomic.Int64
	executed       atomic.Int64
	completed      atomic.Int64
	cancelled      atomic.Int64
	aborted        atomic.Int64
	abandonedSwept atomic.Int64
	recurrentFired atomic.Int64
	lastCycleAt    atomic.Int64
}

func (s *stats) finished(status Status) {
	switch status {
	case StatusCompleted:
		s.completed.Add(1)
	case StatusCompletedCancelled:
		s.cancelled.Add(1)
	case StatusCompletedAborted:
		s.aborted.Add(1)
	}
}

// Stats 监听器统计快照
type Stats struct {
	State          string `json:"state"`
	Cycles         int64  `json:"cycles"`
	Claimed        int64  `json:"claimed"`
	Skipped        int64  `json:"skipped"`
	Executed       int64  `json:"executed"`
	Completed      int64  `json:"completed"`
	Cancelled      int64  `json:"cancelled"`
	Aborted        int64  `json:"aborted"`
	AbandonedSwept int64  `json:"abandoned_swept"`
	RecurrentFired int64  `json:"recurrent_fired"`

	LastCycleAt time.Time `json:"last_cycle_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Stats 返回统计快照
func (m *Manager) Stats() Stats {
	s := Stats{
		State:          m.ListenerState().String(),
		Cycles:         m.stats.cycles.Load(),
		Claimed:        m.stats.claimed.Load(),
		Skipped:        m.stats.skipped.Load(),
		Executed:       m.stats.executed.Load(),
		Completed:      m.stats.completed.Load(),
		Cancelled:      m.stats.cancelled.Load(),
		Aborted:        m.stats.aborted.Load(),
		AbandonedSwept: m.stats.abandonedSwept.Load(),
		RecurrentFired: m.stats.recurrentFired.Load(),
	}
	if ns := m.stats.lastCycleAt.Load(); ns != 0 {
		s.LastCycleAt = time.Unix(0, ns).UTC()
	}
	if err := m.LatestListenerError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}
