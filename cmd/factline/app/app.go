package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/factline/factline/factdb"
	"github.com/factline/factline/pkg/counter"
	"github.com/factline/factline/pkg/dispatch"
	"github.com/factline/factline/pkg/ipc"
	"github.com/factline/factline/pkg/procpool"
	"github.com/factline/factline/pkg/queryworker"
	"github.com/factline/factline/pkg/util/log"
)

// App composes the configured target and runs it to completion.
type App struct {
	cfg    Config
	logger kitlog.Logger

	reader    factdb.Reader
	writer    factdb.Writer
	pool      *procpool.Pool
	evaluator *counter.Evaluator
}

func New(cfg Config) (*App, error) {
	if cfg.Target != TargetEval && cfg.Target != TargetQueryWorker {
		return nil, fmt.Errorf("unknown target %s", cfg.Target)
	}
	return &App{cfg: cfg, logger: log.Logger}, nil
}

func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch a.cfg.Target {
	case TargetQueryWorker:
		return a.runQueryWorker(ctx)
	default:
		return a.runEval(ctx)
	}
}

// runQueryWorker serves the IPC channel on stdin/stdout until the parent
// closes it. Logs go to stderr, the protocol owns stdout.
func (a *App) runQueryWorker(ctx context.Context) error {
	codec := ipc.NewCodec(a.cfg.Pool.BinaryCodec)
	w := queryworker.New(a.cfg.Worker, os.Stdin, os.Stdout, codec, a.logger)
	return w.Run(ctx)
}

func (a *App) runEval(ctx context.Context) error {
	reader, writer, err := factdb.New(&a.cfg.DB, a.logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	a.reader = reader
	a.writer = writer
	defer a.reader.Shutdown()

	catalog, err := counter.NewCatalog(a.cfg.Catalog, a.logger)
	if err != nil {
		return fmt.Errorf("compiling counter catalog: %w", err)
	}
	strategy := a.cfg.DB.Strategy(a.logger)

	var dispatcher counter.Dispatcher
	if a.cfg.Pool.WorkerCount > 0 {
		a.pool = procpool.New(a.cfg.Pool, ipc.Init{
			ConnectionString: a.cfg.DB.ConnectionString,
			Database:         a.cfg.DB.Database,
			ConnectTimeout:   a.cfg.DB.ConnectTimeout,
			AppName:          "factline-query-worker",
		}, a.logger)
		// workers connect in the background; the first dispatch awaits them
		a.pool.StartAsync(context.Background())
		dispatcher = dispatch.New(a.pool, a.logger)
	}

	a.evaluator = counter.NewEvaluator(catalog, a.cfg.Planner, a.reader, strategy, dispatcher, a.logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/facts", a.handleIngest)

	srv := &http.Server{Addr: a.cfg.HTTPListenAddress, Handler: mux}
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
		}
	}()
	level.Info(a.logger).Log("msg", "factline ready",
		"addr", a.cfg.HTTPListenAddress,
		"strategy", strategy.String(),
		"counters", catalog.Len(),
		"workers", a.cfg.Pool.WorkerCount)

	select {
	case err := <-srvErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if a.pool != nil {
		if err := services.StopAndAwaitTerminated(shutdownCtx, a.pool); err != nil {
			level.Warn(a.logger).Log("msg", "stopping worker pool", "err", err)
		}
	}
	return nil
}
