// Package extract reads account holder, installation and compliance history
// records out of an ETS registry account page.
//
// The registry markup has no schema; every value is located by table id and
// fixed row/cell position. Each of the three procedures fails on its own
// without affecting the others.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
)

const (
	generalInfoSelector  = "table#tblAccountGeneralInfo"
	childDetailsSelector = "table#tblChildDetails"

	// Rows 0 and 1 of every registry table are header/meta rows.
	firstDataRow = 2
)

// Result holds everything recovered from one page. Nil pointers mean the
// corresponding record could not be extracted; Errors explains why.
type Result struct {
	AccountHolder *registry.AccountHolder
	Installation  *registry.Installation
	Compliance    []registry.ComplianceEntry
	Errors        []error
}

// Extractor parses registry account pages. It is stateless and safe for
// concurrent use.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract parses body once and runs the three extraction procedures against it.
func (e *Extractor) Extract(accountID int, body []byte) Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		reason := fmt.Sprintf("parse document: %v", err)
		return Result{Errors: []error{
			&registry.ExtractionError{Kind: registry.KindAccountHolder, AccountID: accountID, Reason: reason},
			&registry.ExtractionError{Kind: registry.KindInstallation, AccountID: accountID, Reason: reason},
			&registry.ExtractionError{Kind: registry.KindCompliance, AccountID: accountID, Reason: reason},
		}}
	}

	var res Result
	holder, err := AccountHolder(doc, accountID)
	if err != nil {
		res.Errors = append(res.Errors, err)
	} else {
		res.AccountHolder = &holder
	}

	inst, err := Installation(doc, accountID)
	if err != nil {
		res.Errors = append(res.Errors, err)
	} else {
		res.Installation = &inst
	}

	installationID := pageInstallationID(doc)
	if installationID == "" && res.AccountHolder != nil {
		installationID = res.AccountHolder.InstallationID
	}
	entries, errs := ComplianceHistory(doc, accountID, installationID)
	res.Compliance = entries
	res.Errors = append(res.Errors, errs...)
	return res
}

// AccountHolder reads the third row of the general information table.
func AccountHolder(doc *goquery.Document, accountID int) (holder registry.AccountHolder, err error) {
	defer recoverInto(&err, registry.KindAccountHolder, accountID)

	fail := func(format string, args ...any) (registry.AccountHolder, error) {
		return registry.AccountHolder{}, &registry.ExtractionError{
			Kind:      registry.KindAccountHolder,
			AccountID: accountID,
			Reason:    fmt.Sprintf(format, args...),
		}
	}

	table := doc.Find(generalInfoSelector).First()
	if table.Length() == 0 {
		return fail("general info table not found")
	}
	row, ok := directRow(table, firstDataRow)
	if !ok {
		return fail("general info table has fewer than %d rows", firstDataRow+1)
	}
	cells := row.Find("td")
	values, err := spanTexts(cells, 0, 1, 2, 3)
	if err != nil {
		return fail("general info row: %v", err)
	}
	return registry.AccountHolder{
		AccountID:             accountID,
		NationalAdministrator: values[0],
		AccountType:           values[1],
		AccountHolderName:     values[2],
		InstallationID:        values[3],
	}, nil
}

// Installation reads the installation identity from the first nested table of
// the first child details container and the main activity from the second.
func Installation(doc *goquery.Document, accountID int) (inst registry.Installation, err error) {
	defer recoverInto(&err, registry.KindInstallation, accountID)

	fail := func(format string, args ...any) (registry.Installation, error) {
		return registry.Installation{}, &registry.ExtractionError{
			Kind:      registry.KindInstallation,
			AccountID: accountID,
			Reason:    fmt.Sprintf(format, args...),
		}
	}

	container := doc.Find(childDetailsSelector).First()
	if container.Length() == 0 {
		return fail("child details table not found")
	}
	nested := container.Find("table")
	if nested.Length() < 2 {
		return fail("child details has %d nested tables, want 2", nested.Length())
	}

	identity, ok := directRow(nested.Eq(0), firstDataRow)
	if !ok {
		return fail("installation table has fewer than %d rows", firstDataRow+1)
	}
	ids, err := spanTexts(identity.Find("td"), 0, 1)
	if err != nil {
		return fail("installation row: %v", err)
	}

	activityRow, ok := directRow(nested.Eq(1), firstDataRow)
	if !ok {
		return fail("activity table has fewer than %d rows", firstDataRow+1)
	}
	activity, err := spanTexts(activityRow.Find("td"), 7)
	if err != nil {
		return fail("activity row: %v", err)
	}

	return registry.Installation{
		AccountID:        accountID,
		InstallationID:   ids[0],
		InstallationName: ids[1],
		MainActivity:     activity[0],
	}, nil
}

// ComplianceHistory reads one entry per row, from the third row onward, of the
// first table nested in the second child details container. A missing
// container is not an error: most accounts have no history. Malformed rows are
// skipped and reported; the remaining rows are still read.
func ComplianceHistory(doc *goquery.Document, accountID int, installationID string) (entries []registry.ComplianceEntry, errs []error) {
	defer func() {
		if r := recover(); r != nil {
			errs = append(errs, &registry.ExtractionError{
				Kind:      registry.KindCompliance,
				AccountID: accountID,
				Reason:    fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	containers := doc.Find(childDetailsSelector)
	if containers.Length() < 2 {
		return nil, nil
	}
	table := containers.Eq(1).Find("table").First()
	if table.Length() == 0 {
		return nil, nil
	}

	rows := directRows(table)
	for i := firstDataRow; i < rows.Length(); i++ {
		values, err := spanTexts(rows.Eq(i).Find("td"), 1, 2, 3, 4, 7)
		if err != nil {
			errs = append(errs, &registry.ExtractionError{
				Kind:      registry.KindCompliance,
				AccountID: accountID,
				Reason:    fmt.Sprintf("row %d: %v", i, err),
			})
			continue
		}
		entries = append(entries, registry.ComplianceEntry{
			AccountID:              accountID,
			InstallationID:         installationID,
			Year:                   values[0],
			AllowancesInAllocation: values[1],
			VerifiedEmissions:      values[2],
			UnitsSurrendered:       values[3],
			ComplianceCode:         values[4],
		})
	}
	return entries, errs
}

// pageInstallationID returns the installation ID printed in the installation
// table, or "" when it cannot be read. It does not depend on the main activity
// being present.
func pageInstallationID(doc *goquery.Document) string {
	table := doc.Find(childDetailsSelector).First().Find("table").First()
	if table.Length() == 0 {
		return ""
	}
	row, ok := directRow(table, firstDataRow)
	if !ok {
		return ""
	}
	ids, err := spanTexts(row.Find("td"), 0)
	if err != nil {
		return ""
	}
	return ids[0]
}

// directRows returns the rows whose nearest enclosing table is table itself,
// looking through the implicit tbody/thead/tfoot wrappers.
func directRows(table *goquery.Selection) *goquery.Selection {
	return table.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Closest("table").IsSelection(table)
	})
}

func directRow(table *goquery.Selection, index int) (*goquery.Selection, bool) {
	rows := directRows(table)
	if rows.Length() <= index {
		return nil, false
	}
	return rows.Eq(index), true
}

// spanTexts returns the trimmed text of the first span in each requested cell.
func spanTexts(cells *goquery.Selection, indexes ...int) ([]string, error) {
	out := make([]string, len(indexes))
	for i, idx := range indexes {
		if idx >= cells.Length() {
			return nil, fmt.Errorf("cell %d missing (row has %d cells)", idx, cells.Length())
		}
		span := cells.Eq(idx).Find("span").First()
		if span.Length() == 0 {
			return nil, fmt.Errorf("cell %d has no span", idx)
		}
		out[i] = strings.TrimSpace(span.Text())
	}
	return out, nil
}

func recoverInto(err *error, kind registry.RecordKind, accountID int) {
	if r := recover(); r != nil {
		*err = &registry.ExtractionError{Kind: kind, AccountID: accountID, Reason: fmt.Sprintf("panic: %v", r)}
	}
}
