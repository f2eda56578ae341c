// Package collect turns the filings of one window into candidate rows: one
// row per located item section, tagged with its filing's identity.
package collect

import (
	"context"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/edgar"
	"github.com/sells-group/filing-facts/internal/model"
	"github.com/sells-group/filing-facts/internal/section"
)

// Portfolio downloads the filings matched by a query.
type Portfolio interface {
	DownloadSubmissions(ctx context.Context, q edgar.Query) ([]*edgar.Submission, error)
	Delete() error
}

// Result is the outcome of collecting one window. Discarded counts
// submissions and documents skipped because of errors; Unreachable is the
// subset of submissions that could not be downloaded, which a later attempt
// may still obtain.
type Result struct {
	Rows        []model.CandidateRow
	Submissions int
	Discarded   int
	Unreachable int
}

// Collector extracts candidate rows for a dataset.
type Collector struct {
	ds *dataset.Dataset
}

// New creates a collector for the dataset.
func New(ds *dataset.Dataset) *Collector {
	return &Collector{ds: ds}
}

// Query returns the filing query for a window.
func (c *Collector) Query(w model.Window) edgar.Query {
	return edgar.Query{
		Forms:         c.ds.SubmissionTypes,
		Start:         w.Start,
		End:           w.End,
		DocumentTypes: c.ds.DocumentTypes,
		Extensions:    c.ds.Extensions,
		Items:         c.ds.Items,
	}
}

// Collect downloads the window's filings into p and locates the dataset's
// items in every eligible document. Only a failure to obtain the window's
// filings is returned; per-submission failures are logged and counted.
func (c *Collector) Collect(ctx context.Context, w model.Window, p Portfolio) (*Result, error) {
	log := zap.L().With(zap.String("dataset", c.ds.Name), zap.String("window", w.Key()))

	subs, err := p.DownloadSubmissions(ctx, c.Query(w))
	if err != nil {
		return nil, eris.Wrapf(err, "collect: window %s", w.Key())
	}

	res := &Result{Submissions: len(subs)}
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "collect: cancelled")
		}

		rows, skipped, err := c.collectSubmission(sub, log)
		res.Discarded += skipped
		if err != nil {
			res.Discarded++
			if sub.Err != nil {
				res.Unreachable++
			}
			log.Warn("collect: skipping submission",
				zap.Int("index", i),
				zap.String("accession", sub.Accession),
				zap.Error(err),
			)
			continue
		}
		res.Rows = append(res.Rows, rows...)
	}

	log.Info("collect: window collected",
		zap.Int("submissions", res.Submissions),
		zap.Int("rows", len(res.Rows)),
		zap.Int("discarded", res.Discarded),
		zap.Int("unreachable", res.Unreachable),
	)
	return res, nil
}

// collectSubmission returns the submission's rows and the number of
// documents skipped because their text could not be read.
func (c *Collector) collectSubmission(sub *edgar.Submission, log *zap.Logger) ([]model.CandidateRow, int, error) {
	if sub.Err != nil {
		return nil, 0, sub.Err
	}

	hdr, err := sub.Header()
	if err != nil {
		return nil, 0, err
	}
	md, err := parseMetadata(hdr)
	if err != nil {
		return nil, 0, err
	}

	var rows []model.CandidateRow
	skipped := 0
	for _, doc := range sub.Documents {
		if !c.eligible(doc) {
			continue
		}

		text, err := doc.Text()
		if err != nil {
			skipped++
			log.Warn("collect: skipping document",
				zap.String("accession", md.Accession),
				zap.String("document", doc.Filename),
				zap.Error(err),
			)
			continue
		}

		for _, item := range c.ds.Items {
			sections, err := section.Locate(text, item)
			if err != nil {
				return nil, skipped, err
			}
			for _, s := range sections {
				rows = append(rows, model.CandidateRow{
					EntryID:    entryID(md.Accession, len(rows)+1),
					Accession:  md.Accession,
					CIK:        md.CIK,
					FilingDate: md.FilingDate,
					Text:       s,
				})
			}
		}
	}
	return rows, skipped, nil
}

func (c *Collector) eligible(doc *edgar.Document) bool {
	typeOK := slices.ContainsFunc(c.ds.DocumentTypes, func(t string) bool {
		return strings.EqualFold(t, doc.Type)
	})
	return typeOK && slices.Contains(c.ds.Extensions, doc.Extension())
}
