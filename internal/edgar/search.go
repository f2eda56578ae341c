// Package edgar searches SEC EDGAR full-text search and downloads filings
// into a local portfolio directory.
package edgar

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/filing-facts/internal/fetcher"
	"github.com/sells-group/filing-facts/internal/model"
)

// maxSearchWindow is the largest from+size offset EFTS serves.
const maxSearchWindow = 10000

// Options configures the EDGAR client.
type Options struct {
	SearchURL   string
	ArchivesURL string
	PageSize    int
}

// Client queries EFTS and the EDGAR archives through a rate-limited fetcher.
type Client struct {
	fetcher fetcher.Fetcher
	opts    Options
	limit   int
}

// NewClient creates an EDGAR client.
func NewClient(f fetcher.Fetcher, opts Options) *Client {
	if opts.SearchURL == "" {
		opts.SearchURL = "https://efts.sec.gov/LATEST/search-index"
	}
	if opts.ArchivesURL == "" {
		opts.ArchivesURL = "https://www.sec.gov/Archives/edgar/data"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	opts.ArchivesURL = strings.TrimRight(opts.ArchivesURL, "/")
	return &Client{fetcher: f, opts: opts, limit: maxSearchWindow}
}

// Query selects filings by form and filing date range (inclusive).
type Query struct {
	Forms         []string
	Start         time.Time
	End           time.Time
	DocumentTypes []string
	Extensions    []string
	// Items restricts 8-K submissions to those reporting at least one of the
	// listed items, when EFTS reports items for the hit.
	Items []string
}

// Hit is one document matched by full-text search.
type Hit struct {
	Accession string
	Filename  string
	CIKs      []string
	FileDate  string
	FileType  string
	Form      string
	Items     []string
}

// searchResponse is the response from the EDGAR full-text search API.
type searchResponse struct {
	Hits struct {
		Total struct {
			Value    int    `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		Hits []struct {
			ID     string `json:"_id"`
			Source struct {
				Adsh     string   `json:"adsh"`
				CIKs     []string `json:"ciks"`
				FileDate string   `json:"file_date"`
				FileType string   `json:"file_type"`
				Form     string   `json:"form"`
				Items    []string `json:"items"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search returns every document hit for q. A date range holding more hits
// than EFTS pages through is split in halves down to single days, then by
// form; a single day and form that still exceeds the limit is an error.
func (c *Client) Search(ctx context.Context, q Query) ([]Hit, error) {
	hits, err := c.search(ctx, q)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("edgar: search complete",
		zap.String("start_date", q.Start.Format(model.DateLayout)),
		zap.String("end_date", q.End.Format(model.DateLayout)),
		zap.Int("hits", len(hits)),
	)
	return hits, nil
}

func (c *Client) search(ctx context.Context, q Query) ([]Hit, error) {
	resp, err := c.page(ctx, q, 0)
	if err != nil {
		return nil, err
	}
	if total := resp.Hits.Total; total.Relation == "gte" || total.Value > c.limit {
		return c.split(ctx, q, total.Value)
	}

	var hits []Hit
	for from := 0; ; {
		hits = append(hits, resp.hits()...)
		n := len(resp.Hits.Hits)
		from += n
		if n == 0 || n < c.pageSize(from-n) || from >= resp.Hits.Total.Value {
			return hits, nil
		}
		if resp, err = c.page(ctx, q, from); err != nil {
			return nil, err
		}
	}
}

// split searches the two halves of q's date range, or each of its forms
// when the range is a single day.
func (c *Client) split(ctx context.Context, q Query, total int) ([]Hit, error) {
	log := zap.L().With(
		zap.String("start_date", q.Start.Format(model.DateLayout)),
		zap.String("end_date", q.End.Format(model.DateLayout)),
		zap.Int("total", total),
	)

	var parts []Query
	switch days := int(q.End.Sub(q.Start).Hours() / 24); {
	case days >= 1:
		mid := q.Start.AddDate(0, 0, days/2)
		left, right := q, q
		left.End = mid
		right.Start = mid.AddDate(0, 0, 1)
		parts = []Query{left, right}
		log.Debug("edgar: search over limit, splitting date range")
	case len(q.Forms) > 1:
		for _, f := range q.Forms {
			part := q
			part.Forms = []string{f}
			parts = append(parts, part)
		}
		log.Debug("edgar: search over limit, splitting forms")
	default:
		return nil, eris.Errorf("edgar: %d hits for %s on %s exceed the search limit of %d",
			total, strings.Join(q.Forms, ","), q.Start.Format(model.DateLayout), c.limit)
	}

	var hits []Hit
	for _, part := range parts {
		h, err := c.search(ctx, part)
		if err != nil {
			return nil, err
		}
		hits = append(hits, h...)
	}
	return hits, nil
}

func (c *Client) page(ctx context.Context, q Query, from int) (*searchResponse, error) {
	resp, err := fetcher.DownloadJSON[searchResponse](ctx, c.fetcher, c.searchURL(q, from))
	if err != nil {
		return nil, eris.Wrapf(err, "edgar: search page from=%d", from)
	}
	return resp, nil
}

// pageSize keeps the last page inside the EFTS offset limit.
func (c *Client) pageSize(from int) int {
	return min(c.opts.PageSize, c.limit-from)
}

func (r *searchResponse) hits() []Hit {
	hits := make([]Hit, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		hit, ok := parseHit(h.ID, h.Source.Adsh)
		if !ok {
			zap.L().Debug("edgar: skipping malformed hit", zap.String("id", h.ID))
			continue
		}
		hit.CIKs = h.Source.CIKs
		hit.FileDate = h.Source.FileDate
		hit.FileType = h.Source.FileType
		hit.Form = h.Source.Form
		hit.Items = h.Source.Items
		hits = append(hits, hit)
	}
	return hits
}

func (c *Client) searchURL(q Query, from int) string {
	v := url.Values{}
	v.Set("q", "*")
	v.Set("dateRange", "custom")
	v.Set("startdt", q.Start.Format(model.DateLayout))
	v.Set("enddt", q.End.Format(model.DateLayout))
	v.Set("forms", strings.Join(q.Forms, ","))
	v.Set("from", fmt.Sprint(from))
	v.Set("size", fmt.Sprint(c.pageSize(from)))
	return c.opts.SearchURL + "?" + v.Encode()
}

// parseHit splits an EFTS document id ("0001193125-21-123456:d12345d8k.htm").
func parseHit(id, adsh string) (Hit, bool) {
	accession, filename, ok := strings.Cut(id, ":")
	if !ok || filename == "" {
		return Hit{}, false
	}
	if adsh != "" {
		accession = adsh
	}
	return Hit{Accession: accession, Filename: filename}, true
}

// folderURL is the archive folder of a submission.
func (c *Client) folderURL(cik, accession string) string {
	return fmt.Sprintf("%s/%s/%s", c.opts.ArchivesURL, strings.TrimLeft(cik, "0"), strings.ReplaceAll(accession, "-", ""))
}

// HeaderURL is the SGML header of a submission.
func (c *Client) HeaderURL(cik, accession string) string {
	return fmt.Sprintf("%s/%s.hdr.sgml", c.folderURL(cik, accession), accession)
}

// DocumentURL is a document within a submission.
func (c *Client) DocumentURL(cik, accession, filename string) string {
	return fmt.Sprintf("%s/%s", c.folderURL(cik, accession), filename)
}

// matches reports whether the hit passes the query's document filters.
func (q Query) matches(h Hit) bool {
	if len(q.DocumentTypes) > 0 && !slices.ContainsFunc(q.DocumentTypes, func(t string) bool {
		return strings.EqualFold(t, h.FileType)
	}) {
		return false
	}
	if len(q.Extensions) > 0 && !slices.ContainsFunc(q.Extensions, func(ext string) bool {
		return strings.EqualFold(ext, Extension(h.Filename))
	}) {
		return false
	}
	if len(q.Items) > 0 && len(h.Items) > 0 && !slices.ContainsFunc(q.Items, func(it string) bool {
		return slices.Contains(h.Items, it)
	}) {
		return false
	}
	return true
}
