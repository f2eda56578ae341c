package edgar

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/filing-facts/internal/fetcher"
)

// Submission is one downloaded filing: its SEC header plus the documents that
// passed the query's filters.
type Submission struct {
	Accession string
	Dir       string
	Documents []*Document
	// Err is set when the submission could not be downloaded; such
	// submissions are still returned so callers can account for them.
	Err       error

	hit Hit
}

// HeaderPath is where the submission's SGML header is stored.
func (s *Submission) HeaderPath() string {
	return filepath.Join(s.Dir, s.Accession+".hdr.sgml")
}

// Header parses the submission's SEC header. When no header was downloaded
// the metadata reported by full-text search is used instead.
func (s *Submission) Header() (map[string]any, error) {
	f, err := os.Open(s.HeaderPath())
	if os.IsNotExist(err) && s.hit.Accession != "" {
		return s.hit.header(), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "edgar: open header")
	}
	defer f.Close() //nolint:errcheck
	return ParseHeader(f)
}

// header builds an SGML-shaped header map from search metadata.
func (h Hit) header() map[string]any {
	filers := make([]any, 0, len(h.CIKs))
	for _, cik := range h.CIKs {
		filers = append(filers, map[string]any{"company-data": map[string]any{"cik": cik}})
	}
	hdr := map[string]any{
		"accession-number": h.Accession,
		"filing-date":      strings.ReplaceAll(h.FileDate, "-", ""),
		"type":             h.Form,
	}
	if len(filers) == 1 {
		hdr["filer"] = filers[0]
	} else {
		hdr["filer"] = filers
	}
	return hdr
}

// Portfolio downloads the filings matched by a query into a scratch
// directory. It is not reusable across queries; call Delete when done.
type Portfolio struct {
	client      *Client
	fetcher     fetcher.Fetcher
	dir         string
	concurrency int
}

// NewPortfolio creates a portfolio rooted at dir.
func NewPortfolio(client *Client, dir string, concurrency int) *Portfolio {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Portfolio{
		client:      client,
		fetcher:     client.fetcher,
		dir:         dir,
		concurrency: concurrency,
	}
}

// Dir returns the portfolio's scratch directory.
func (p *Portfolio) Dir() string { return p.dir }

// DownloadSubmissions searches for q and downloads each matching submission's
// header and filtered documents. A search failure is returned; a failure for
// one submission is recorded on that Submission.
func (p *Portfolio) DownloadSubmissions(ctx context.Context, q Query) ([]*Submission, error) {
	hits, err := p.client.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	subs := group(hits, q)
	if len(subs) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "edgar: create portfolio dir")
	}

	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, s := range subs {
		g.Go(func() error {
			if err := p.download(gctx, s); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.Err = err
				mu.Lock()
				failed++
				mu.Unlock()
				zap.L().Warn("edgar: submission download failed",
					zap.String("accession", s.Accession),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "edgar: download submissions")
	}

	zap.L().Info("edgar: downloaded submissions",
		zap.Int("submissions", len(subs)),
		zap.Int("failed", failed),
	)
	return subs, nil
}

func (p *Portfolio) download(ctx context.Context, s *Submission) error {
	if len(s.hit.CIKs) == 0 {
		return eris.Errorf("edgar: no cik for %s", s.Accession)
	}
	cik := s.hit.CIKs[0]

	s.Dir = filepath.Join(p.dir, s.Accession)
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return eris.Wrap(err, "edgar: create submission dir")
	}

	if _, err := p.fetcher.DownloadToFile(ctx, p.client.HeaderURL(cik, s.Accession), s.HeaderPath()); err != nil {
		if !fetcher.IsNotFound(err) {
			return eris.Wrap(err, "edgar: download header")
		}
		zap.L().Debug("edgar: header missing, using search metadata", zap.String("accession", s.Accession))
	}

	for _, d := range s.Documents {
		d.Path = filepath.Join(s.Dir, filepath.Base(d.Filename))
		if _, err := p.fetcher.DownloadToFile(ctx, p.client.DocumentURL(cik, s.Accession, d.Filename), d.Path); err != nil {
			return eris.Wrapf(err, "edgar: download %s", d.Filename)
		}
	}
	return nil
}

// Delete removes everything the portfolio downloaded.
func (p *Portfolio) Delete() error {
	if err := os.RemoveAll(p.dir); err != nil {
		return eris.Wrap(err, "edgar: delete portfolio")
	}
	return nil
}

// group folds document hits into submissions, keeping hit order and only
// the documents the query selects. Submissions with no selected documents
// are dropped.
func group(hits []Hit, q Query) []*Submission {
	byAccession := make(map[string]*Submission)
	var order []string
	for _, h := range hits {
		if !slices.ContainsFunc(q.Forms, func(f string) bool { return strings.EqualFold(f, h.Form) }) && len(q.Forms) > 0 {
			continue
		}
		s, ok := byAccession[h.Accession]
		if !ok {
			s = &Submission{Accession: h.Accession, hit: h}
			byAccession[h.Accession] = s
			order = append(order, h.Accession)
		}
		if !q.matches(h) {
			continue
		}
		if slices.ContainsFunc(s.Documents, func(d *Document) bool { return d.Filename == h.Filename }) {
			continue
		}
		s.Documents = append(s.Documents, &Document{Type: h.FileType, Filename: h.Filename})
	}

	subs := make([]*Submission, 0, len(order))
	for _, acc := range order {
		if s := byAccession[acc]; len(s.Documents) > 0 {
			subs = append(subs, s)
		}
	}
	return subs
}

