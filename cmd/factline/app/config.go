package app

import (
	"flag"

	dslog "github.com/grafana/dskit/log"

	"github.com/factline/factline/factdb"
	"github.com/factline/factline/pkg/counter"
	"github.com/factline/factline/pkg/procpool"
	"github.com/factline/factline/pkg/queryworker"
)

// Targets the single binary can run as.
const (
	TargetEval        = "eval"
	TargetQueryWorker = "query-worker"
)

type Config struct {
	Target            string      `yaml:"target,omitempty"`
	HTTPListenAddress string      `yaml:"http_listen_address"`
	LogFormat         string      `yaml:"log_format"`
	LogLevel          dslog.Level `yaml:"log_level"`

	DB      factdb.Config         `yaml:"db"`
	Catalog counter.CatalogConfig `yaml:"catalog"`
	Planner counter.PlannerConfig `yaml:"planner"`
	Pool    procpool.Config       `yaml:"pool"`
	Worker  queryworker.Config    `yaml:"worker"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = TargetEval
	c.LogFormat = "logfmt"
	c.LogLevel.RegisterFlags(f)

	f.StringVar(&c.Target, "target", TargetEval, "Target to run: eval or query-worker.")
	f.StringVar(&c.HTTPListenAddress, "http-listen-address", ":3200", "HTTP listen address for the ingest API and /metrics.")

	c.DB.RegisterFlagsAndApplyDefaults("db", f)
	c.Planner.RegisterFlagsAndApplyDefaults("planner", f)
	c.Pool.RegisterFlagsAndApplyDefaults("pool", f)
}

// ConfigWarning bundles a warning with an optional explanation for the user.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig returns warnings for suspect configurations.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Target == TargetEval && c.DB.ConnectionString == "" {
		warnings = append(warnings, ConfigWarning{
			Message: "db.connection-string is empty",
			Explain: "the eval target cannot reach the document store without it",
		})
	}
	if c.DB.EmbedFactDataInIndex && c.DB.JoinFactsFromIndex {
		warnings = append(warnings, ConfigWarning{
			Message: "both embed_fact_data_in_index and join_facts_from_index are set",
			Explain: "the lookup strategy wins; unset one of them",
		})
	}
	if c.Pool.WorkerCount == 1 {
		warnings = append(warnings, ConfigWarning{
			Message: "pool.worker-count is 1",
			Explain: "a pool of one only adds IPC overhead; use 0 to aggregate in-process or 2+ for real fan-out",
		})
	}
	if len(c.Catalog.Counters) == 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "no counters configured",
			Explain: "every evaluation will short-circuit with an empty result",
		})
	}

	return warnings
}
