package extract

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/model"
	"github.com/sells-group/filing-facts/internal/resilience"
	"github.com/sells-group/filing-facts/pkg/anthropic"
)

const (
	defaultMaxConcurrent = 10
	smallBatchPollCap    = 10 * time.Second
	smallBatchSize       = 20
)

var zeroTemperature = 0.0

// Claude is a Gateway backed by the Anthropic Messages and Message Batches
// APIs.
type Claude struct {
	client   anthropic.Client
	retry    resilience.RetryConfig
	pollOpts []anthropic.PollOption
}

// Option configures a Claude gateway.
type Option func(*Claude)

// WithRetry overrides the retry policy for direct calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Claude) { c.retry = cfg }
}

// WithPollOptions sets the batch polling options.
func WithPollOptions(opts ...anthropic.PollOption) Option {
	return func(c *Claude) { c.pollOpts = opts }
}

// NewClaude creates a Claude gateway.
func NewClaude(client anthropic.Client, opts ...Option) *Claude {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	c := &Claude{client: client, retry: retry}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Extract implements Gateway. Large calls go through the batch API when
// cfg.BatchThreshold allows; a failed batch falls back to direct calls.
func (c *Claude) Extract(ctx context.Context, entries []Entry, schema dataset.Schema, prompt string, cfg Config) (*Result, error) {
	res := &Result{}
	if len(entries) == 0 {
		return res, nil
	}

	log := zap.L().With(zap.String("model", cfg.Model), zap.Int("entries", len(entries)))
	system := anthropic.CachedSystem(SystemPrompt(prompt, schema))
	acc := newAccumulator(schema)

	batch := cfg.BatchThreshold > 0 && len(entries) >= cfg.BatchThreshold
	if batch {
		err := c.extractBatch(ctx, entries, system, cfg, acc)
		switch {
		case ctx.Err() != nil:
			return nil, eris.Wrap(ctx.Err(), "extract: cancelled")
		case err != nil:
			log.Warn("extract: batch failed, falling back to direct calls", zap.Error(err))
			batch = false
			usage := acc.usage
			acc = newAccumulator(schema)
			acc.usage = usage
		}
	}
	if !batch {
		c.extractDirect(ctx, entries, system, cfg, acc)
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "extract: cancelled")
		}
	}

	res = acc.result()
	res.Usage.LogCost(cfg.Model, "extract", batch)
	log.Info("extract: complete",
		zap.Bool("batch", batch),
		zap.Int("records", len(res.Records)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}

func (c *Claude) request(system []anthropic.SystemBlock, e Entry, cfg Config) anthropic.MessageRequest {
	return anthropic.MessageRequest{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: e.Text}},
		Temperature: &zeroTemperature,
	}
}

// extractDirect issues one rate-limited message per entry with at most
// cfg.MaxConcurrent in flight.
func (c *Claude) extractDirect(ctx context.Context, entries []Entry, system []anthropic.SystemBlock, cfg Config, acc *accumulator) {
	limit := rate.Inf
	if cfg.RPM > 0 {
		limit = rate.Limit(float64(cfg.RPM) / 60)
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	limiter := rate.NewLimiter(limit, maxConcurrent)

	var g errgroup.Group
	g.SetLimit(maxConcurrent)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			req := c.request(system, e, cfg)
			resp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
				if err := limiter.Wait(ctx); err != nil {
					return nil, err
				}
				if cfg.Timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
					defer cancel()
				}
				return c.client.CreateMessage(ctx, req)
			})
			if err != nil {
				if ctx.Err() == nil {
					zap.L().Warn("extract: message failed after retries",
						zap.String("entry", e.ID),
						zap.Error(err),
					)
				}
				acc.fail(e.ID)
				return nil
			}
			acc.add(e.ID, resp)
			return nil
		})
	}
	_ = g.Wait()
}

// extractBatch primes the prompt cache with the first entry, then submits the
// rest as one message batch.
func (c *Claude) extractBatch(ctx context.Context, entries []Entry, system []anthropic.SystemBlock, cfg Config, acc *accumulator) error {
	rest := entries
	primer, err := anthropic.Prime(ctx, c.client, c.request(system, entries[0], cfg))
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		zap.L().Warn("extract: primer failed, batching all entries", zap.Error(err))
	} else {
		acc.add(entries[0].ID, primer)
		rest = entries[1:]
	}
	if len(rest) == 0 {
		return nil
	}

	ids := make(map[string]string, len(rest))
	items := make([]anthropic.BatchRequestItem, len(rest))
	for i, e := range rest {
		customID := fmt.Sprintf("e%d", i)
		ids[customID] = e.ID
		items[i] = anthropic.BatchRequestItem{CustomID: customID, Params: c.request(system, e, cfg)}
	}

	batch, err := c.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: items})
	if err != nil {
		return eris.Wrap(err, "extract: create batch")
	}
	zap.L().Info("extract: batch submitted", zap.String("batch_id", batch.ID), zap.Int("requests", len(items)))

	pollOpts := c.pollOpts
	if len(pollOpts) == 0 && len(items) < smallBatchSize {
		pollOpts = []anthropic.PollOption{anthropic.WithPollCap(smallBatchPollCap)}
	}
	batch, err = anthropic.PollBatch(ctx, c.client, batch.ID, pollOpts...)
	if err != nil {
		return eris.Wrap(err, "extract: poll batch")
	}

	iter, err := c.client.GetBatchResults(ctx, batch.ID)
	if err != nil {
		return eris.Wrap(err, "extract: get batch results")
	}
	results, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return eris.Wrap(err, "extract: collect batch results")
	}

	for customID, entryID := range ids {
		resp, ok := results.Succeeded[customID]
		if !ok {
			acc.fail(entryID)
			continue
		}
		acc.add(entryID, resp)
	}
	return nil
}

// accumulator gathers records from concurrent calls.
type accumulator struct {
	schema dataset.Schema

	mu      sync.Mutex
	records []model.ExtractedRecord
	failed  []string
	usage   anthropic.TokenUsage
}

func newAccumulator(schema dataset.Schema) *accumulator {
	return &accumulator{schema: schema}
}

func (a *accumulator) add(id string, resp *anthropic.MessageResponse) {
	records, err := parseRecords(id, resp.Text(), a.schema)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.Add(resp.Usage)
	if err != nil {
		zap.L().Warn("extract: unparseable response", zap.String("entry", id), zap.Error(err))
		a.failed = append(a.failed, id)
		return
	}
	a.records = append(a.records, records...)
}

func (a *accumulator) fail(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = append(a.failed, id)
}

func (a *accumulator) result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	failed := slices.Clone(a.failed)
	slices.Sort(failed)
	return &Result{Records: slices.Clone(a.records), Failed: failed, Usage: a.usage}
}
