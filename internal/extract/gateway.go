// Package extract sends candidate sections to the extraction service and
// returns schema-shaped records tagged with their entry ids.
package extract

import (
	"context"
	"time"

	"github.com/sells-group/filing-facts/internal/config"
	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/model"
	"github.com/sells-group/filing-facts/pkg/anthropic"
)

// Gateway turns entries into records. Implementations return an error only
// when ctx is cancelled; per-entry failures are reported in Result.Failed.
type Gateway interface {
	Extract(ctx context.Context, entries []Entry, schema dataset.Schema, prompt string, cfg Config) (*Result, error)
}

// Entry is one unit of text to extract from.
type Entry struct {
	ID   string
	Text string
}

// Config tunes one Extract call.
type Config struct {
	Model          string
	RPM            int
	MaxConcurrent  int
	Timeout        time.Duration
	MaxTokens      int64
	BatchThreshold int
}

// Result holds the records of one Extract call. Record order is not
// significant.
type Result struct {
	Records []model.ExtractedRecord
	Failed  []string
	Usage   anthropic.TokenUsage
}

// ConfigFor resolves a dataset's gateway tuning against the model settings.
func ConfigFor(ds *dataset.Dataset, ac config.AnthropicConfig) Config {
	g := ds.Gateway
	cfg := Config{
		Model:          ac.FastModel,
		RPM:            g.RPM,
		MaxConcurrent:  g.MaxConcurrent,
		Timeout:        g.Timeout(),
		MaxTokens:      g.MaxTokens,
		BatchThreshold: g.BatchThreshold,
	}
	if g.Tier == dataset.TierCapable {
		cfg.Model = ac.CapableModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = ac.MaxTokens
	}
	if ac.NoBatch {
		cfg.BatchThreshold = 0
	}
	return cfg
}

// Entries converts candidate rows into gateway entries.
func Entries(rows []model.CandidateRow) []Entry {
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{ID: r.EntryID, Text: r.Text}
	}
	return out
}
