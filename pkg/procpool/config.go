package procpool

import (
	"flag"
	"time"
)

type Config struct {
	// WorkerCount is the number of subordinate query processes to keep alive.
	// Zero disables the pool; the evaluator then aggregates in-process.
	WorkerCount int `yaml:"worker_count"`

	// MinWorkers bounds how many batches a single request is split into.
	MinWorkers int `yaml:"min_workers"`

	WorkerInitTimeout time.Duration `yaml:"worker_init_timeout"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	MaxWaitForWorkers time.Duration `yaml:"max_wait_for_workers"`

	// BinaryCodec selects the compact binary IPC codec; off means the text
	// codec with ISO-8601 date round-tripping.
	BinaryCodec bool `yaml:"binary_codec"`

	// WorkerExecutable defaults to the running binary; workers are started
	// with WorkerArgs and receive their storage settings via INIT.
	WorkerExecutable string   `yaml:"worker_executable"`
	WorkerArgs       []string `yaml:"worker_args"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.MinWorkers = 2
	cfg.WorkerInitTimeout = 15 * time.Second
	cfg.DefaultTimeout = 60 * time.Second
	cfg.MaxWaitForWorkers = 5 * time.Second
	cfg.BinaryCodec = true
	cfg.WorkerArgs = []string{"-target=query-worker"}

	f.IntVar(&cfg.WorkerCount, prefix+".worker-count", 0, "Number of query worker processes. 0 disables the pool.")
	f.IntVar(&cfg.MinWorkers, prefix+".min-workers", 2, "Maximum number of batches one request is split into.")
	f.BoolVar(&cfg.BinaryCodec, prefix+".binary-codec", true, "Use the binary IPC codec.")
}

// ExecOptions tunes one ExecuteBatches call. Zero values fall back to the
// pool defaults.
type ExecOptions struct {
	Timeout           time.Duration
	MaxWaitForWorkers time.Duration
}
