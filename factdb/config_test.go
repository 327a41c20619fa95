package factdb

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
)

func TestStrategySelection(t *testing.T) {
	tests := []struct {
		name  string
		embed bool
		join  bool
		want  Strategy
	}{
		{"default is facts", false, false, StrategyFacts},
		{"join selects lookup", false, true, StrategyLookup},
		{"embed selects embedded", true, false, StrategyEmbedded},
		{"both fall back to lookup", true, true, StrategyLookup},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{EmbedFactDataInIndex: tc.embed, JoinFactsFromIndex: tc.join}
			assert.Equal(t, tc.want, cfg.Strategy(log.NewNopLogger()))
		})
	}
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "facts", StrategyFacts.String())
	assert.Equal(t, "lookup", StrategyLookup.String())
	assert.Equal(t, "embedded", StrategyEmbedded.String())
}
