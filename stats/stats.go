// Package stats exposes expvar based counters and gauges that are
// periodically reported by each component.
package stats

import (
	"context"
	"expvar"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

type Stats struct {
	*expvar.Map
	interval   time.Duration
	reportfunc func(m *expvar.Map)
	logger     log.Logger
}

// Run calls the report function of Stats using the specified interval.
// It shuts down when the provided context is cancelled
func (s *Stats) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			level.Debug(s.logger).Log("msg", "Stats Daemon Exiting")
			return
		case <-tick.C:
			s.reportfunc(s.Map)
		}
	}
}

// New returns a Stats reporting the expvar Map published as id. The map is
// published on first use and shared by every Stats of the same id.
func New(id string, interval time.Duration, logger log.Logger, report func(*expvar.Map)) *Stats {
	m, ok := expvar.Get(id).(*expvar.Map)
	if !ok {
		m = expvar.NewMap(id)
	}
	return &Stats{Map: m, interval: interval, reportfunc: report, logger: logger}
}

// Value returns the current value of the int var key, 0 if it is not set.
func (s *Stats) Value(key string) int64 {
	if v, ok := s.Get(key).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}
