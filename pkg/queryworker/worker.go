// Package queryworker implements the subordinate query process: it holds its
// own read-tuned storage client and executes aggregation pipelines on behalf
// of the pool manager, speaking the IPC protocol over its parent pipes.
package queryworker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/sync/errgroup"

	"github.com/factline/factline/pkg/ipc"
)

// Runner executes one aggregation. Production uses the worker's private
// storage client; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, collectionName string, plan []bson.M, opts *ipc.QueryOptions) ([]bson.M, error)
	Close(ctx context.Context) error
}

// ConnectFunc builds the Runner from the INIT message.
type ConnectFunc func(ctx context.Context, init *ipc.Init) (Runner, error)

type Config struct {
	// Parallelism bounds concurrent pipelines inside one batch.
	Parallelism int `yaml:"parallelism"`
}

// Worker is the message loop. It answers exactly one READY or ERROR to INIT
// and then serves queries until SHUTDOWN or parent disconnect.
type Worker struct {
	cfg     Config
	in      io.Reader
	out     io.Writer
	outMtx  sync.Mutex
	codec   ipc.Codec
	logger  log.Logger
	connect ConnectFunc

	runner Runner
}

func New(cfg Config, in io.Reader, out io.Writer, codec ipc.Codec, logger log.Logger) *Worker {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Worker{
		cfg:     cfg,
		in:      in,
		out:     out,
		codec:   codec,
		logger:  logger,
		connect: connectMongo,
	}
}

// Run serves the channel until SHUTDOWN, parent disconnect, or a failed init.
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeRunner()

	for {
		msg, err := ipc.ReadFrame(w.in)
		if err != nil {
			if err == io.EOF {
				// parent went away; drain is implicit, nothing is in flight
				level.Info(w.logger).Log("msg", "parent channel closed, exiting")
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		switch msg.Type {
		case ipc.TypeInit:
			if err := w.handleInit(ctx, msg.Init); err != nil {
				return err
			}
		case ipc.TypeQuery:
			res := w.runRequest(ctx, *msg.Query)
			if err := w.send(&ipc.Message{Type: ipc.TypeResult, Result: &res}); err != nil {
				return err
			}
		case ipc.TypeQueryBatch:
			results := w.runBatch(ctx, msg.Batch)
			reply := &ipc.Message{Type: ipc.TypeResultBatch, ResultBatch: &ipc.ResultBatch{
				BatchID: msg.Batch.BatchID,
				Results: results,
			}}
			if err := w.send(reply); err != nil {
				return err
			}
		case ipc.TypeShutdown:
			level.Info(w.logger).Log("msg", "shutdown requested")
			return nil
		default:
			level.Warn(w.logger).Log("msg", "ignoring unexpected message", "type", msg.Type)
		}
	}
}

func (w *Worker) handleInit(ctx context.Context, init *ipc.Init) error {
	if init == nil {
		return fmt.Errorf("init message without payload")
	}
	runner, err := w.connect(ctx, init)
	if err != nil {
		_ = w.send(&ipc.Message{Type: ipc.TypeError, Error: &ipc.WorkerError{
			Code:    "connect_failed",
			Message: err.Error(),
		}})
		return fmt.Errorf("connecting storage: %w", err)
	}
	w.runner = runner
	return w.send(&ipc.Message{Type: ipc.TypeReady})
}

// runBatch executes the batch's requests concurrently. Invalid requests
// become per-request errors; the batch itself always gets a reply.
func (w *Worker) runBatch(ctx context.Context, batch *ipc.Batch) []ipc.Result {
	results := make([]ipc.Result, len(batch.Requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Parallelism)
	for i := range batch.Requests {
		i := i
		g.Go(func() error {
			results[i] = w.runRequest(gctx, batch.Requests[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (w *Worker) runRequest(ctx context.Context, req ipc.Request) ipc.Result {
	res := ipc.Result{ID: req.ID}
	res.Metrics.SubmitTime = time.Now()
	res.Metrics.PipelineBytes = bsonSize(req.Pipeline)

	if w.runner == nil {
		res.Error = "worker not initialized"
		return res
	}
	if len(req.Pipeline) == 0 || req.Collection == "" {
		res.Error = "invalid request: empty pipeline or collection"
		return res
	}

	start := time.Now()
	rows, err := w.runner.Run(ctx, req.Collection, req.Pipeline, req.Options)
	res.Metrics.ExecTime = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Rows = rows
	res.Metrics.ResultBytes = bsonSize(rows)
	return res
}

func (w *Worker) send(msg *ipc.Message) error {
	w.outMtx.Lock()
	defer w.outMtx.Unlock()
	return ipc.WriteFrame(w.out, w.codec, msg)
}

func (w *Worker) closeRunner() {
	if w.runner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.runner.Close(ctx); err != nil {
		level.Warn(w.logger).Log("msg", "closing storage client", "err", err)
	}
}

func bsonSize(v interface{}) int {
	data, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return 0
	}
	return len(data)
}

type mongoRunner struct {
	client *mongo.Client
	db     *mongo.Database
}

func connectMongo(ctx context.Context, init *ipc.Init) (Runner, error) {
	timeout := init.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	appName := init.AppName
	if appName == "" {
		appName = "factline-query-worker"
	}
	client, err := mongo.Connect(cctx, options.Client().
		ApplyURI(init.ConnectionString).
		SetAppName(appName).
		SetReadPreference(readpref.SecondaryPreferred()).
		SetReadConcern(readconcern.Local()))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &mongoRunner{client: client, db: client.Database(init.Database)}, nil
}

func (r *mongoRunner) Run(ctx context.Context, collectionName string, plan []bson.M, qopts *ipc.QueryOptions) ([]bson.M, error) {
	opts := options.Aggregate()
	if qopts != nil {
		if qopts.AllowDiskUse {
			opts = opts.SetAllowDiskUse(true)
		}
		if qopts.MaxTimeMS > 0 {
			opts = opts.SetMaxTime(time.Duration(qopts.MaxTimeMS) * time.Millisecond)
		}
		if qopts.Comment != "" {
			opts = opts.SetComment(qopts.Comment)
		}
	}

	cursor, err := r.db.Collection(collectionName).Aggregate(ctx, plan, opts)
	if err != nil {
		return nil, err
	}
	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *mongoRunner) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
