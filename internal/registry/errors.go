package registry

import "fmt"

// FetchError reports a transport failure for one account page.
// Callers skip the ID and continue.
type FetchError struct {
	AccountID int
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch account %d: %v", e.AccountID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ExtractionError reports markup that did not have the expected shape for one
// record kind. It never affects the other kinds extracted from the same page.
type ExtractionError struct {
	Kind      RecordKind
	AccountID int
	Reason    string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s for account %d: %s", e.Kind, e.AccountID, e.Reason)
}

// WriteError reports a failure persisting one final table. The aggregated
// records stay in memory so the caller can retry elsewhere.
type WriteError struct {
	Table RecordKind
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
