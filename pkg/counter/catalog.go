package counter

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/factline/factline/pkg/model"
)

// CatalogConfig is the configuration boundary for counter resolution: the
// index descriptors and the counter definitions bound to them.
type CatalogConfig struct {
	Indexes  []model.IndexDescriptor `yaml:"indexes"`
	Counters []Definition            `yaml:"counters"`
}

// Catalog holds compiled counter definitions and resolves which of them apply
// to a given fact.
type Catalog struct {
	definitions []*Definition
	indexes     map[string]model.IndexDescriptor

	logger log.Logger
}

// Applicable is the catalog's answer for one fact. Applied is sorted oldest
// look-back window first. EvaluationTouched counts counters whose evaluation
// conditions this fact could affect; it feeds metrics only.
type Applicable struct {
	Applied           []*Definition
	EvaluationTouched int
}

// NewCatalog compiles the configured definitions. Counter names must be
// unique and every counter must reference a configured index type.
func NewCatalog(cfg CatalogConfig, logger log.Logger) (*Catalog, error) {
	c := &Catalog{
		indexes: make(map[string]model.IndexDescriptor, len(cfg.Indexes)),
		logger:  logger,
	}
	for _, idx := range cfg.Indexes {
		if idx.IndexTypeName == "" {
			return nil, fmt.Errorf("index descriptor without index_type_name")
		}
		if _, ok := c.indexes[idx.IndexTypeName]; ok {
			return nil, fmt.Errorf("duplicate index type name %s", idx.IndexTypeName)
		}
		c.indexes[idx.IndexTypeName] = idx
	}

	seen := make(map[string]struct{}, len(cfg.Counters))
	for i := range cfg.Counters {
		def := cfg.Counters[i]
		if err := def.validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[def.Name]; ok {
			return nil, fmt.Errorf("duplicate counter name %s", def.Name)
		}
		seen[def.Name] = struct{}{}
		if _, ok := c.indexes[def.IndexTypeName]; !ok {
			return nil, fmt.Errorf("counter %s references unknown index type %s", def.Name, def.IndexTypeName)
		}
		c.definitions = append(c.definitions, &def)
	}
	return c, nil
}

// Index returns the descriptor for an index type name.
func (c *Catalog) Index(indexTypeName string) (model.IndexDescriptor, bool) {
	idx, ok := c.indexes[indexTypeName]
	return idx, ok
}

// Len reports the number of compiled counters.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.definitions)
}

// ApplicableCounters resolves the counters whose computation conditions match
// the fact. When allow is non-nil, counters not named in it are dropped. A nil
// or empty catalog yields an empty result, which callers treat as success.
func (c *Catalog) ApplicableCounters(fact *model.Fact, allow map[string]struct{}) Applicable {
	if c == nil || len(c.definitions) == 0 {
		if c != nil && c.logger != nil {
			level.Warn(c.logger).Log("msg", "no counters configured")
		}
		return Applicable{}
	}

	res := Applicable{}
	for _, def := range c.definitions {
		if allow != nil {
			if _, ok := allow[def.Name]; !ok {
				continue
			}
		}
		if matchFact(def.EvaluationConditions, fact) {
			res.EvaluationTouched++
		}
		if matchFact(def.ComputationConditions, fact) {
			res.Applied = append(res.Applied, def)
		}
	}
	sortByWindow(res.Applied)
	return res
}
