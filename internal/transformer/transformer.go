// Package transformer defines the row types that flow from ingestion through
// normalization and validation to the loader.
package transformer

// SourceRef identifies where a row came from: the top-level input path and,
// for archive members, the member name.
type SourceRef struct {
	Path   string
	Member string
}

// String renders the reference as path or path!member.
func (s SourceRef) String() string {
	if s.Member == "" {
		return s.Path
	}
	return s.Path + "!" + s.Member
}

// RawRecord is one source row keyed by its original header strings.
type RawRecord struct {
	Header []string
	Values map[string]string
	Source SourceRef
	// Line is the 1-based data row number within the logical file.
	Line int
	// ParseErr is set when the row could not be split into fields.
	ParseErr error
}

// Cells returns the raw values in header order.
func (r RawRecord) Cells() []string {
	out := make([]string, len(r.Header))
	for i, h := range r.Header {
		out[i] = r.Values[h]
	}
	return out
}

// Record is a row rewritten to canonical column names. Columns the source
// did not supply are absent.
type Record map[string]string

// Outcome is the verdict for one input row: Accepted or Quarantined.
type Outcome interface{ outcome() }

// Accepted carries a row that passed every rule. Values holds the same
// columns as Record converted to their declared storage types; blank
// optional columns are nil.
type Accepted struct {
	Record Record
	Values map[string]any
	Line   int
}

// Quarantined carries the untouched raw row and why it was rejected.
type Quarantined struct {
	Raw    RawRecord
	Reason string
	Source SourceRef
}

func (Accepted) outcome()    {}
func (Quarantined) outcome() {}
