// Package dispatch fans batches of aggregation requests out across the query
// worker pool and stitches results back in submission order.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/factline/factline/pkg/ipc"
	"github.com/factline/factline/pkg/procpool"
)

var (
	metricQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "factline",
		Name:      "dispatch_queries_total",
		Help:      "Queries routed through the dispatcher, by outcome.",
	}, []string{"outcome"})
	metricExecTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "factline",
		Name:      "dispatch_exec_duration_seconds",
		Help:      "Wall time of one executeQueries call.",
		Buckets:   prometheus.ExponentialBuckets(.001, 2, 14),
	})
	metricResultBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "factline",
		Name:      "dispatch_result_bytes_total",
		Help:      "Total result payload bytes returned by workers.",
	})
)

const errMissingResult = "missing result"

// Pool is the slice of the process pool the dispatcher depends on.
type Pool interface {
	ExecuteBatches(ctx context.Context, batches []ipc.Batch, opts procpool.ExecOptions) []procpool.BatchResult
	AwaitRunning(ctx context.Context) error
	WorkerCount() int
	MinWorkers() int
}

// Summary aggregates one ExecuteQueries call.
type Summary struct {
	TotalQueries   int
	Errors         int
	QueryTime      time.Duration
	ResultBytes    int
	PoolInitWait   time.Duration
	BatchExecTime  time.Duration
}

// Totals is the dispatcher's rolling view across calls.
type Totals struct {
	TotalQueries    int64
	TotalErrors     int64
	TotalQueryTime  time.Duration
	TotalResultSize int64
}

// Outcome is the dispatcher's answer: per-request results in submission
// order plus the call summary.
type Outcome struct {
	Results []ipc.Result
	Summary Summary
}

type Dispatcher struct {
	pool   Pool
	logger log.Logger

	initOnce sync.Once
	initErr  error

	totalQueries    atomic.Int64
	totalErrors     atomic.Int64
	totalQueryTime  atomic.Int64
	totalResultSize atomic.Int64
}

func New(pool Pool, logger log.Logger) *Dispatcher {
	return &Dispatcher{pool: pool, logger: logger}
}

// WorkerCount exposes the pool width so callers can decide whether routing
// through the pool is worthwhile.
func (d *Dispatcher) WorkerCount() int { return d.pool.WorkerCount() }

// ExecuteQueries routes the requests across the worker pool: consecutive
// requests are partitioned into at most min(minWorkers, len) batches, batches
// run concurrently on whichever workers free up first, and results are
// restored to submission order. A request whose reply went missing gets a
// fabricated error result instead of hanging the call.
func (d *Dispatcher) ExecuteQueries(ctx context.Context, requests []ipc.Request) (*Outcome, error) {
	if len(requests) == 0 {
		return &Outcome{}, nil
	}

	// first call pays the pool init wait; later calls pass straight through
	initStart := time.Now()
	d.initOnce.Do(func() { d.initErr = d.pool.AwaitRunning(ctx) })
	if d.initErr != nil {
		return nil, d.initErr
	}
	initWait := time.Since(initStart)

	for i := range requests {
		if requests[i].ID == "" {
			requests[i].ID = uuid.NewString()
		}
	}

	batches := partition(requests, d.pool.MinWorkers())
	execStart := time.Now()
	batchResults := d.pool.ExecuteBatches(ctx, batches, procpool.ExecOptions{})
	execTime := time.Since(execStart)
	metricExecTime.Observe(execTime.Seconds())

	byID := make(map[string]ipc.Result, len(requests))
	for _, br := range batchResults {
		if br.Err != nil {
			level.Warn(d.logger).Log("msg", "batch failed", "batch", br.BatchID, "err", br.Err)
		}
		for _, res := range br.Results {
			byID[res.ID] = res
		}
	}

	out := &Outcome{
		Results: make([]ipc.Result, len(requests)),
		Summary: Summary{
			TotalQueries:  len(requests),
			PoolInitWait:  initWait,
			BatchExecTime: execTime,
		},
	}
	for i, req := range requests {
		res, ok := byID[req.ID]
		if !ok {
			res = ipc.Result{ID: req.ID, Error: errMissingResult}
		}
		out.Results[i] = res
		out.Summary.QueryTime += res.Metrics.ExecTime
		out.Summary.ResultBytes += res.Metrics.ResultBytes
		if res.Error != "" {
			out.Summary.Errors++
			metricQueries.WithLabelValues("error").Inc()
		} else {
			metricQueries.WithLabelValues("ok").Inc()
		}
	}

	d.totalQueries.Add(int64(out.Summary.TotalQueries))
	d.totalErrors.Add(int64(out.Summary.Errors))
	d.totalQueryTime.Add(int64(out.Summary.QueryTime))
	d.totalResultSize.Add(int64(out.Summary.ResultBytes))
	metricResultBytes.Add(float64(out.Summary.ResultBytes))

	return out, nil
}

// Totals snapshots the rolling counters.
func (d *Dispatcher) Totals() Totals {
	return Totals{
		TotalQueries:    d.totalQueries.Load(),
		TotalErrors:     d.totalErrors.Load(),
		TotalQueryTime:  time.Duration(d.totalQueryTime.Load()),
		TotalResultSize: d.totalResultSize.Load(),
	}
}

// partition splits requests into at most maxBatches batches of consecutive
// requests, sized as evenly as possible.
func partition(requests []ipc.Request, maxBatches int) []ipc.Batch {
	n := maxBatches
	if n <= 0 {
		n = 1
	}
	if n > len(requests) {
		n = len(requests)
	}

	batches := make([]ipc.Batch, 0, n)
	per := len(requests) / n
	rem := len(requests) % n
	start := 0
	for i := 0; i < n; i++ {
		size := per
		if i < rem {
			size++
		}
		batches = append(batches, ipc.Batch{
			BatchID:  uuid.NewString(),
			Requests: requests[start : start+size],
		})
		start += size
	}
	return batches
}
