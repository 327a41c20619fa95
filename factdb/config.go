package factdb

import (
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Strategy is the execution shape chosen for counter aggregation.
type Strategy int

const (
	// StrategyFacts looks up fact ids via the index collection and then
	// aggregates over the fact collection.
	StrategyFacts Strategy = iota
	// StrategyLookup aggregates over the index collection with a per-document
	// join of the parent fact.
	StrategyLookup
	// StrategyEmbedded aggregates over index entries directly; entries must
	// embed the fact fields counters read.
	StrategyEmbedded
)

func (s Strategy) String() string {
	switch s {
	case StrategyFacts:
		return "facts"
	case StrategyLookup:
		return "lookup"
	case StrategyEmbedded:
		return "embedded"
	default:
		return "unknown"
	}
}

type Config struct {
	ConnectionString string        `yaml:"connection_string"`
	Database         string        `yaml:"database"`
	FactCollection   string        `yaml:"fact_collection"`
	IndexCollection  string        `yaml:"index_collection"`
	LogCollection    string        `yaml:"log_collection"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`

	// BulkIndexWrites selects one unordered bulk upsert for index entries.
	// When false entries are upserted in parallel and individual latencies
	// are reported for diagnostics.
	BulkIndexWrites bool `yaml:"bulk_index_writes"`

	EmbedFactDataInIndex bool `yaml:"embed_fact_data_in_index"`
	JoinFactsFromIndex   bool `yaml:"join_facts_from_index"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.FactCollection = "facts"
	cfg.IndexCollection = "factIndex"
	cfg.LogCollection = "opLog"
	cfg.ConnectTimeout = 10 * time.Second
	cfg.BulkIndexWrites = true

	f.StringVar(&cfg.ConnectionString, prefix+".connection-string", "", "Document store connection string.")
	f.StringVar(&cfg.Database, prefix+".database", "factline", "Database name.")
}

// Strategy resolves the evaluation strategy from the two layout booleans.
// Both set is a misconfiguration; it warns and behaves as lookup.
func (cfg *Config) Strategy(logger log.Logger) Strategy {
	switch {
	case cfg.EmbedFactDataInIndex && cfg.JoinFactsFromIndex:
		level.Warn(logger).Log("msg", "both embed_fact_data_in_index and join_facts_from_index are set, using lookup strategy")
		return StrategyLookup
	case cfg.JoinFactsFromIndex:
		return StrategyLookup
	case cfg.EmbedFactDataInIndex:
		return StrategyEmbedded
	default:
		return StrategyFacts
	}
}
