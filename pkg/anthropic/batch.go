package anthropic

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultBatchPollInitial = 5 * time.Second
	defaultBatchPollCap     = 60 * time.Second
	defaultBatchPollTimeout = 24 * time.Hour
)

// Batch processing statuses.
const (
	BatchEnded     = "ended"
	BatchExpired   = "expired"
	BatchCanceled  = "canceled"
	BatchCanceling = "canceling"
)

// PollOption configures batch polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) { c.initial = d }
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) { c.cap = d }
}

// WithPollTimeout overrides the poll timeout used when ctx has no deadline.
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) { c.timeout = d }
}

// PollBatch polls GetBatch until the batch ends or the context expires,
// doubling the interval up to the cap with ±20% jitter. Batches finish
// within 24 hours, which is the default timeout.
func PollBatch(ctx context.Context, client Client, batchID string, opts ...PollOption) (*BatchResponse, error) {
	cfg := pollConfig{
		initial: defaultBatchPollInitial,
		cap:     defaultBatchPollCap,
		timeout: defaultBatchPollTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	interval := cfg.initial
	for {
		batch, err := client.GetBatch(ctx, batchID)
		if err != nil {
			return nil, eris.Wrapf(err, "anthropic: poll batch %s", batchID)
		}

		switch batch.ProcessingStatus {
		case BatchEnded:
			return batch, nil
		case BatchExpired:
			return batch, eris.Errorf("anthropic: batch %s expired", batchID)
		case BatchCanceled, BatchCanceling:
			return batch, eris.Errorf("anthropic: batch %s canceled", batchID)
		}

		zap.L().Debug("anthropic: batch in progress",
			zap.String("batch_id", batchID),
			zap.Int64("processing", batch.RequestCounts.Processing),
			zap.Int64("succeeded", batch.RequestCounts.Succeeded),
		)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, eris.Wrapf(ctx.Err(), "anthropic: poll batch %s", batchID)
		case <-timer.C:
		}

		interval = min(interval*2, cfg.cap)
		if spread := int64(interval) / 5; spread > 0 {
			interval += time.Duration(rand.Int64N(2*spread) - spread)
		}
	}
}

// BatchResults holds the succeeded messages of a batch keyed by custom id,
// plus the ids of items that did not succeed.
type BatchResults struct {
	Succeeded map[string]*MessageResponse
	Failed    []string
}

// CollectBatchResults drains iter. Non-succeeded items are logged and listed
// in Failed.
func CollectBatchResults(iter BatchResultIterator) (*BatchResults, error) {
	defer iter.Close() //nolint:errcheck

	res := &BatchResults{Succeeded: make(map[string]*MessageResponse)}
	for iter.Next() {
		item := iter.Item()
		if item.Type == "succeeded" && item.Message != nil {
			res.Succeeded[item.CustomID] = item.Message
			continue
		}
		res.Failed = append(res.Failed, item.CustomID)
		zap.L().Warn("anthropic: batch item failed",
			zap.String("custom_id", item.CustomID),
			zap.String("type", item.Type),
		)
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: collect batch results")
	}
	return res, nil
}
