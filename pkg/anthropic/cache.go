package anthropic

import (
	"context"

	"github.com/rotisserie/eris"
)

// CachedSystem returns a single system block marked as a 1-hour cache
// breakpoint, so every request sharing the prompt reads it from cache.
func CachedSystem(text string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: "1h"}}}
}

// Prime sends one request ahead of a batch so the batch's requests hit a
// warm prompt cache. The response is only useful for its usage.
func Prime(ctx context.Context, client Client, req MessageRequest) (*MessageResponse, error) {
	resp, err := client.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: primer request")
	}
	return resp, nil
}
