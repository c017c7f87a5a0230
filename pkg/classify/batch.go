package classify

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/tagflow/pkg/confidence"
	"github.com/codeGROOVE-dev/tagflow/pkg/hmm"
	"github.com/codeGROOVE-dev/tagflow/pkg/metrics"
	"github.com/codeGROOVE-dev/tagflow/pkg/tag"
)

// DayResult is the classification of one employee-day.
type DayResult struct {
	WorkDate   time.Time                         `json:"work_date"`
	Err        error                             `json:"-"`
	EmployeeID string                            `json:"employee_id"`
	Events     []tag.Event                       `json:"-"`
	States     []*confidence.StateWithConfidence `json:"states"`
	Validation Validation                        `json:"validation"`
}

// ClassifyBatch classifies days with up to workers goroutines (GOMAXPROCS
// when workers ≤ 0). A failing day is reported in its own DayResult and does
// not stop the others. Days not started before ctx is done carry ctx's error.
func (c *Classifier) ClassifyBatch(ctx context.Context, days []tag.Day, workers int) []DayResult {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]DayResult, len(days))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, d := range days {
		out[i] = DayResult{WorkDate: d.WorkDate, EmployeeID: d.EmployeeID, Events: d.Events}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				out[i].Err = err
				return nil
			}
			states, err := c.ClassifySequence(gctx, d.Events, d.Shift)
			if err != nil {
				out[i].Err = fmt.Errorf("employee %s on %s: %w", d.EmployeeID, d.WorkDate.Format(time.DateOnly), err)
				return nil
			}
			out[i].States = states
			out[i].Validation = c.ValidateSequence(d.Events, states)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers report errors per day

	failed := 0
	for _, r := range out {
		if r.Err != nil {
			failed++
		}
	}
	c.logger.Info("batch classified", "days", len(days), "failed", failed, "workers", workers)
	return out
}

// instrumentedCache counts hits and misses of a decode cache.
type instrumentedCache struct {
	hmm.Cache
	metrics *metrics.Metrics
}

// InstrumentCache wraps cache so every lookup is counted on m.
func InstrumentCache(cache hmm.Cache, m *metrics.Metrics) hmm.Cache {
	return instrumentedCache{Cache: cache, metrics: m}
}

func (c instrumentedCache) Get(raw string) (hmm.Result, bool) {
	r, ok := c.Cache.Get(raw)
	c.metrics.CacheLookup(ok)
	return r, ok
}
