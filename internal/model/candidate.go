package model

// CandidateRow is one located section of one filing document, paired with
// the filing metadata needed to trace extracted records back to it.
type CandidateRow struct {
	// EntryID is unique within a window: the accession number, suffixed with
	// "#n" for the n-th (n >= 2) section located under the same accession.
	EntryID    string `csv:"_id"`
	Accession  string `csv:"accession"`
	CIK        string `csv:"cik"`
	FilingDate string `csv:"filing_date"`
	Text       string `csv:"text"`
}
