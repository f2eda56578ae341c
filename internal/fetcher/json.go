package fetcher

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// DownloadJSON fetches the URL and decodes the body as a single JSON object.
func DownloadJSON[T any](ctx context.Context, f Fetcher, url string) (*T, error) {
	body, err := f.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	var obj T
	if err := json.NewDecoder(body).Decode(&obj); err != nil {
		return nil, eris.Wrapf(err, "json: decode %s", url)
	}
	return &obj, nil
}
