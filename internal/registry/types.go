package registry

import "strconv"

// RecordKind names one of the three tables produced by a run.
type RecordKind string

// Record kinds, also used as table and file names.
const (
	KindAccountHolder RecordKind = "account_holders"
	KindInstallation  RecordKind = "installations"
	KindCompliance    RecordKind = "compliance_history"
)

// Header rows written ahead of each table, in declared field order.
var (
	AccountHolderHeader = []string{
		"accountID",
		"installationID",
		"nationalAdministrator",
		"accountType",
		"accountHolderName",
	}
	InstallationHeader = []string{
		"accountID",
		"installationID",
		"installationName",
		"mainActivity",
	}
	ComplianceHeader = []string{
		"accountID",
		"installationID",
		"year",
		"allowancesInAllocation",
		"verifiedEmissions",
		"unitsSurrendered",
		"complianceCode",
	}
)

// AccountHolder is the general information block of one account page.
// An empty InstallationID means the page did not name one.
type AccountHolder struct {
	AccountID             int    `json:"account_id"`
	InstallationID        string `json:"installation_id"`
	NationalAdministrator string `json:"national_administrator"`
	AccountType           string `json:"account_type"`
	AccountHolderName     string `json:"account_holder_name"`
}

// Row returns the record as delimited-file fields.
func (a AccountHolder) Row() []string {
	return []string{
		strconv.Itoa(a.AccountID),
		a.InstallationID,
		a.NationalAdministrator,
		a.AccountType,
		a.AccountHolderName,
	}
}

// Installation is the facility attached to an account.
type Installation struct {
	AccountID        int    `json:"account_id"`
	InstallationID   string `json:"installation_id"`
	InstallationName string `json:"installation_name"`
	MainActivity     string `json:"main_activity"`
}

// Row returns the record as delimited-file fields.
func (i Installation) Row() []string {
	return []string{
		strconv.Itoa(i.AccountID),
		i.InstallationID,
		i.InstallationName,
		i.MainActivity,
	}
}

// ComplianceEntry is one yearly row of an installation's compliance history.
// Numeric columns are kept as the registry printed them.
type ComplianceEntry struct {
	AccountID              int    `json:"account_id"`
	InstallationID         string `json:"installation_id"`
	Year                   string `json:"year"`
	AllowancesInAllocation string `json:"allowances_in_allocation"`
	VerifiedEmissions      string `json:"verified_emissions"`
	UnitsSurrendered       string `json:"units_surrendered"`
	ComplianceCode         string `json:"compliance_code"`
}

// Row returns the record as delimited-file fields.
func (c ComplianceEntry) Row() []string {
	return []string{
		strconv.Itoa(c.AccountID),
		c.InstallationID,
		c.Year,
		c.AllowancesInAllocation,
		c.VerifiedEmissions,
		c.UnitsSurrendered,
		c.ComplianceCode,
	}
}
