package storageopt

import "sync/atomic"

// QueryCounter 查询计数
type QueryCounter struct {
	queries atomic.Int64
	errors  atomic.Int64
}

// Record 记录一次查询及其结果
func (q *QueryCounter) Record(err error) {
	q.queries.Add(1)
	if err != nil {
		q.errors.Add(1)
	}
}

func (q *QueryCounter) Queries() int64 { return q.queries.Load() }
func (q *QueryCounter) Errors() int64  { return q.errors.Load() }

// SlowQueryCounter 慢查询计数
type SlowQueryCounter struct {
	count atomic.Int64
}

func (s *SlowQueryCounter) Inc()         { s.count.Add(1) }
func (s *SlowQueryCounter) Count() int64 { return s.count.Load() }

// HealthCounter 健康检查计数
type HealthCounter struct {
	pings  atomic.Int64
	errors atomic.Int64
}

// Record 记录一次 ping 及其结果
func (h *HealthCounter) Record(err error) {
	h.pings.Add(1)
	if err != nil {
		h.errors.Add(1)
	}
}

func (h *HealthCounter) Pings() int64  { return h.pings.Load() }
func (h *HealthCounter) Errors() int64 { return h.errors.Load() }
