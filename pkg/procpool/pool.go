// Package procpool spawns and supervises the query worker processes and
// routes batches of aggregation requests to them over the IPC channel.
//
// All pool state (worker states, the pending-request table, the admission
// queue) is owned by a single run loop; callers and worker readers only send
// events into it. Timers post events instead of touching state.
package procpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/factline/factline/pkg/ipc"
)

var (
	// ErrNoReadyWorkers fails a batch that waited out its admission budget.
	ErrNoReadyWorkers = errors.New("no ready workers")
	// ErrBatchTimeout fails the requests of a batch whose worker did not
	// reply within the deadline.
	ErrBatchTimeout = errors.New("batch timeout")
	// ErrWorkerDied fails the requests assigned to a worker that exited
	// before replying.
	ErrWorkerDied = errors.New("worker died")

	errShutdown = errors.New("pool shutting down")

	metricRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "factline",
		Name:      "pool_worker_respawns_total",
		Help:      "Total number of worker processes respawned after death.",
	})
	metricBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "factline",
		Name:      "pool_batches_total",
		Help:      "Batches handled by the pool, by outcome.",
	}, []string{"outcome"})
	metricQueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "factline",
		Name:      "pool_batch_queue_wait_seconds",
		Help:      "Time batches spent waiting for a ready worker.",
		Buckets:   prometheus.ExponentialBuckets(.0005, 2, 14),
	})
)

type workerState int

const (
	stateSpawning workerState = iota
	stateReady
	stateBusy
	stateDead
)

// BatchResult settles one submitted batch.
type BatchResult struct {
	BatchID string
	Results []ipc.Result
	Err     error
}

type workItem struct {
	batch      ipc.Batch
	resultCh   chan BatchResult
	timeout    time.Duration
	maxWait    time.Duration
	enqueuedAt time.Time
	waitTimer  *time.Timer
}

type pendingBatch struct {
	item          *workItem
	workerIdx     int
	dispatchedAt  time.Time
	deadlineTimer *time.Timer
}

type workerHandle struct {
	idx          int
	state        workerState
	cmd          *exec.Cmd
	stdin        frameWriter
	currentBatch string
	respawns     int
}

func (w *workerHandle) pid() int {
	if w.cmd != nil && w.cmd.Process != nil {
		return w.cmd.Process.Pid
	}
	return 0
}

type frameWriter interface {
	write(*ipc.Message) error
	close() error
}

// events delivered to the run loop
type (
	evSubmit      struct{ item *workItem }
	evWorkerMsg   struct {
		idx int
		msg *ipc.Message
	}
	evWorkerExit  struct {
		idx int
		err error
	}
	evTimeout     struct{ batchID string }
	evWaitExpired struct{ item *workItem }
	evRespawn     struct {
		idx int
		bo  *backoff.Backoff
	}
)

// Pool supervises the worker processes. It is a dskit service: starting
// spawns and initializes every worker, running owns the event loop, stopping
// drains and shuts the workers down.
type Pool struct {
	services.Service

	cfg    Config
	init   ipc.Init
	codec  ipc.Codec
	logger log.Logger

	events chan interface{}

	// owned by the run loop (and by starting/stopping, which run exclusively)
	workers      []*workerHandle
	pending      map[string]*pendingBatch
	queue        []*workItem
	shuttingDown bool

	spawn spawnFunc
}

// spawnFunc starts one worker process and returns its write end. Tests
// substitute an in-process fake.
type spawnFunc func(p *Pool, idx int) (*workerHandle, error)

// New builds the pool service. init carries the storage settings every
// worker receives after spawn.
func New(cfg Config, init ipc.Init, logger log.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		init:    init,
		codec:   ipc.NewCodec(cfg.BinaryCodec),
		logger:  logger,
		events:  make(chan interface{}, 64),
		pending: make(map[string]*pendingBatch),
		spawn:   spawnProcess,
	}
	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)
	return p
}

// WorkerCount reports the configured pool width.
func (p *Pool) WorkerCount() int { return p.cfg.WorkerCount }

// MinWorkers reports the batch split bound.
func (p *Pool) MinWorkers() int { return p.cfg.MinWorkers }

func (p *Pool) starting(ctx context.Context) error {
	if p.cfg.WorkerCount <= 0 {
		return fmt.Errorf("pool started with worker_count %d", p.cfg.WorkerCount)
	}

	p.workers = make([]*workerHandle, p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w, err := p.spawn(p, i)
		if err != nil {
			return fmt.Errorf("spawning worker %d: %w", i, err)
		}
		p.workers[i] = w
		if err := w.stdin.write(&ipc.Message{Type: ipc.TypeInit, Init: &p.init}); err != nil {
			return fmt.Errorf("initializing worker %d: %w", i, err)
		}
	}

	// await one READY per worker; anything else during init is fatal
	deadline := time.NewTimer(p.cfg.WorkerInitTimeout)
	defer deadline.Stop()
	ready := 0
	for ready < len(p.workers) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%d of %d workers ready after %s", ready, len(p.workers), p.cfg.WorkerInitTimeout)
		case ev := <-p.events:
			switch e := ev.(type) {
			case evWorkerMsg:
				switch e.msg.Type {
				case ipc.TypeReady:
					p.workers[e.idx].state = stateReady
					ready++
				case ipc.TypeError:
					return fmt.Errorf("worker %d failed init: %s", e.idx, e.msg.Error.Message)
				}
			case evWorkerExit:
				return fmt.Errorf("worker %d exited during init: %w", e.idx, e.err)
			}
		}
	}
	level.Info(p.logger).Log("msg", "query worker pool ready", "workers", len(p.workers))
	return nil
}

func (p *Pool) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.events:
			p.handleEvent(ev)
		}
	}
}

func (p *Pool) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case evSubmit:
		p.admit(e.item)
	case evWorkerMsg:
		p.handleWorkerMsg(e.idx, e.msg)
	case evWorkerExit:
		p.handleWorkerExit(e.idx, e.err)
	case evTimeout:
		p.handleTimeout(e.batchID)
	case evWaitExpired:
		p.handleWaitExpired(e.item)
	case evRespawn:
		p.respawnWorker(e.idx, e.bo)
	}
}

func (p *Pool) admit(item *workItem) {
	if p.shuttingDown {
		settle(item, BatchResult{BatchID: item.batch.BatchID, Err: errShutdown})
		return
	}
	if w := p.idleWorker(); w != nil {
		p.dispatch(item, w)
		return
	}
	item.waitTimer = time.AfterFunc(item.maxWait, func() {
		p.events <- evWaitExpired{item: item}
	})
	p.queue = append(p.queue, item)
}

func (p *Pool) idleWorker() *workerHandle {
	for _, w := range p.workers {
		if w.state == stateReady {
			return w
		}
	}
	return nil
}

func (p *Pool) dispatch(item *workItem, w *workerHandle) {
	if item.waitTimer != nil {
		item.waitTimer.Stop()
	}
	now := time.Now()
	metricQueueWait.Observe(now.Sub(item.enqueuedAt).Seconds())

	batchID := item.batch.BatchID
	if err := w.stdin.write(&ipc.Message{Type: ipc.TypeQueryBatch, Batch: &item.batch}); err != nil {
		level.Error(p.logger).Log("msg", "failed to hand batch to worker", "worker", w.idx, "err", err)
		p.killWorker(w)
		settle(item, failBatch(item.batch, ErrWorkerDied))
		return
	}

	w.state = stateBusy
	w.currentBatch = batchID
	p.pending[batchID] = &pendingBatch{
		item:         item,
		workerIdx:    w.idx,
		dispatchedAt: now,
		deadlineTimer: time.AfterFunc(item.timeout, func() {
			p.events <- evTimeout{batchID: batchID}
		}),
	}
}

func (p *Pool) handleWorkerMsg(idx int, msg *ipc.Message) {
	w := p.workers[idx]
	switch msg.Type {
	case ipc.TypeResultBatch:
		pb, ok := p.pending[msg.ResultBatch.BatchID]
		if !ok {
			// reply for a batch already settled by timeout or death
			level.Debug(p.logger).Log("msg", "dropping late batch reply", "batch", msg.ResultBatch.BatchID)
			return
		}
		pb.deadlineTimer.Stop()
		delete(p.pending, pb.item.batch.BatchID)

		results := attributeWait(msg.ResultBatch.Results, pb)
		settle(pb.item, BatchResult{BatchID: pb.item.batch.BatchID, Results: results})
		metricBatches.WithLabelValues("ok").Inc()

		if w.state == stateBusy {
			w.state = stateReady
			w.currentBatch = ""
		}
		p.pump()
	case ipc.TypeReady:
		w.state = stateReady
		w.currentBatch = ""
		p.pump()
	case ipc.TypeError:
		level.Error(p.logger).Log("msg", "worker reported error", "worker", idx, "code", msg.Error.Code, "err", msg.Error.Message)
	}
}

func (p *Pool) handleWorkerExit(idx int, err error) {
	w := p.workers[idx]
	w.state = stateDead
	level.Warn(p.logger).Log("msg", "query worker exited", "worker", idx, "pid", w.pid(), "err", err)

	if w.currentBatch != "" {
		if pb, ok := p.pending[w.currentBatch]; ok {
			pb.deadlineTimer.Stop()
			delete(p.pending, w.currentBatch)
			settle(pb.item, failBatch(pb.item.batch, ErrWorkerDied))
			metricBatches.WithLabelValues("worker_died").Inc()
		}
		w.currentBatch = ""
	}

	if p.shuttingDown {
		return
	}
	p.respawnWorker(idx, nil)
}

// respawnWorker restarts one dead worker slot. Spawn failures retry on a
// backoff timer that posts back into the run loop.
func (p *Pool) respawnWorker(idx int, bo *backoff.Backoff) {
	if p.shuttingDown {
		return
	}
	old := p.workers[idx]
	nw, err := p.spawn(p, idx)
	if err != nil {
		if bo == nil {
			bo = backoff.New(context.Background(), backoff.Config{
				MinBackoff: 100 * time.Millisecond,
				MaxBackoff: 5 * time.Second,
				MaxRetries: 10,
			})
		}
		if !bo.Ongoing() {
			level.Error(p.logger).Log("msg", "giving up respawning worker", "worker", idx, "err", err)
			return
		}
		delay := bo.NextDelay()
		level.Warn(p.logger).Log("msg", "respawn failed, retrying", "worker", idx, "delay", delay, "err", err)
		time.AfterFunc(delay, func() {
			p.events <- evRespawn{idx: idx, bo: bo}
		})
		return
	}
	nw.respawns = old.respawns + 1
	p.workers[idx] = nw
	metricRespawns.Inc()
	if err := nw.stdin.write(&ipc.Message{Type: ipc.TypeInit, Init: &p.init}); err != nil {
		level.Error(p.logger).Log("msg", "failed to init respawned worker", "worker", idx, "err", err)
		p.killWorker(nw)
	}
	// the worker's READY flows through the event loop and flips it to ready
}

func (p *Pool) handleTimeout(batchID string) {
	pb, ok := p.pending[batchID]
	if !ok {
		return
	}
	delete(p.pending, batchID)
	settle(pb.item, failBatch(pb.item.batch, ErrBatchTimeout))
	metricBatches.WithLabelValues("timeout").Inc()

	// the in-flight query cannot be interrupted; the worker is unhealthy now
	w := p.workers[pb.workerIdx]
	if w.currentBatch == batchID {
		p.killWorker(w)
	}
}

func (p *Pool) handleWaitExpired(item *workItem) {
	for i, queued := range p.queue {
		if queued == item {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			settle(item, failBatch(item.batch, ErrNoReadyWorkers))
			metricBatches.WithLabelValues("no_ready_workers").Inc()
			return
		}
	}
}

// pump hands queued batches to workers that became idle.
func (p *Pool) pump() {
	for len(p.queue) > 0 {
		w := p.idleWorker()
		if w == nil {
			return
		}
		item := p.queue[0]
		p.queue = p.queue[1:]
		p.dispatch(item, w)
	}
}

func (p *Pool) killWorker(w *workerHandle) {
	w.state = stateDead
	_ = w.stdin.close()
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

func (p *Pool) stopping(_ error) error {
	// the run loop has exited; state is ours now
	p.shuttingDown = true

	for _, item := range p.queue {
		if item.waitTimer != nil {
			item.waitTimer.Stop()
		}
		settle(item, BatchResult{BatchID: item.batch.BatchID, Err: errShutdown})
	}
	p.queue = nil
	for id, pb := range p.pending {
		pb.deadlineTimer.Stop()
		settle(pb.item, failBatch(pb.item.batch, errShutdown))
		delete(p.pending, id)
	}

	for _, w := range p.workers {
		if w.state == stateDead {
			continue
		}
		if err := w.stdin.write(&ipc.Message{Type: ipc.TypeShutdown}); err != nil {
			p.killWorker(w)
		}
	}

	deadline := time.After(5 * time.Second)
	for _, w := range p.workers {
		if w.state == stateDead || w.cmd == nil {
			continue
		}
		done := make(chan struct{})
		go func(w *workerHandle) {
			_ = w.cmd.Wait()
			close(done)
		}(w)
		select {
		case <-done:
		case <-deadline:
			p.killWorker(w)
		}
	}
	return nil
}

// ExecuteBatches submits the batches and waits for all of them to settle.
// Results come back in submission order. Per-request failures live inside
// each BatchResult; only admission-level failures set BatchResult.Err.
func (p *Pool) ExecuteBatches(ctx context.Context, batches []ipc.Batch, opts ExecOptions) []BatchResult {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	maxWait := opts.MaxWaitForWorkers
	if maxWait <= 0 {
		maxWait = p.cfg.MaxWaitForWorkers
	}

	items := make([]*workItem, len(batches))
	for i, b := range batches {
		items[i] = &workItem{
			batch:      b,
			resultCh:   make(chan BatchResult, 1),
			timeout:    timeout,
			maxWait:    maxWait,
			enqueuedAt: time.Now(),
		}
		p.events <- evSubmit{item: items[i]}
	}

	out := make([]BatchResult, len(items))
	for i, item := range items {
		select {
		case res := <-item.resultCh:
			out[i] = res
		case <-ctx.Done():
			out[i] = failBatch(item.batch, ctx.Err())
		}
	}
	return out
}

func settle(item *workItem, res BatchResult) {
	select {
	case item.resultCh <- res:
	default:
	}
}

// failBatch fabricates per-request results carrying the same error so callers
// never hang on a missing reply.
func failBatch(batch ipc.Batch, err error) BatchResult {
	results := make([]ipc.Result, len(batch.Requests))
	for i, req := range batch.Requests {
		results[i] = ipc.Result{ID: req.ID, Error: err.Error()}
	}
	return BatchResult{BatchID: batch.BatchID, Results: results, Err: err}
}

func attributeWait(results []ipc.Result, pb *pendingBatch) []ipc.Result {
	wait := pb.dispatchedAt.Sub(pb.item.enqueuedAt)
	for i := range results {
		results[i].Metrics.SubmitTime = pb.item.enqueuedAt
		results[i].Metrics.WaitTime = wait
	}
	return results
}

// spawnProcess starts a real worker process wired to the pool via pipes.
func spawnProcess(p *Pool, idx int) (*workerHandle, error) {
	exe := p.cfg.WorkerExecutable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		exe = self
	}

	cmd := exec.Command(exe, p.cfg.WorkerArgs...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &workerHandle{
		idx:   idx,
		state: stateSpawning,
		cmd:   cmd,
		stdin: &pipeWriter{w: stdin, codec: p.codec},
	}

	go func() {
		for {
			msg, err := ipc.ReadFrame(stdout)
			if err != nil {
				p.events <- evWorkerExit{idx: idx, err: cmd.Wait()}
				return
			}
			p.events <- evWorkerMsg{idx: idx, msg: msg}
		}
	}()

	return w, nil
}

type pipeWriter struct {
	w     io.WriteCloser
	codec ipc.Codec
}

func (pw *pipeWriter) write(m *ipc.Message) error { return ipc.WriteFrame(pw.w, pw.codec, m) }
func (pw *pipeWriter) close() error               { return pw.w.Close() }
