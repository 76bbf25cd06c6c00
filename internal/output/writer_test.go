package output_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ets-registry-scraper/internal/aggregate"
	"github.com/JakeFAU/ets-registry-scraper/internal/output"
	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
)

var startedAt = time.Unix(1700000000, 0)

type captureStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newCaptureStore() *captureStore {
	return &captureStore{objects: make(map[string][]byte)}
}

func (s *captureStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	if s.failOn != "" && strings.HasPrefix(path, s.failOn) {
		return "", errors.New("disk full")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = b
	return "mem://" + path, nil
}

func sampleSnapshot() aggregate.Snapshot {
	return aggregate.Snapshot{
		AccountHolders: []registry.AccountHolder{
			{AccountID: 90001, InstallationID: "201", NationalAdministrator: "Austria", AccountType: "Operator Holding Account", AccountHolderName: "Stahl; \"Linz\" GmbH"},
			{AccountID: 90002, NationalAdministrator: "Belgium", AccountType: "Person Holding Account", AccountHolderName: "Acier SA"},
		},
		Installations: []registry.Installation{
			{AccountID: 90001, InstallationID: "201", InstallationName: "Hochofen 5", MainActivity: "24-Production of pig iron or steel"},
		},
		Compliance: []registry.ComplianceEntry{
			{AccountID: 90001, InstallationID: "201", Year: "2005", AllowancesInAllocation: "4,412,000", VerifiedEmissions: "4,100,000", UnitsSurrendered: "4,100,000", ComplianceCode: "A"},
			{AccountID: 90001, InstallationID: "201", Year: "2006", AllowancesInAllocation: "4,412,000", VerifiedEmissions: "Excluded", UnitsSurrendered: "0", ComplianceCode: "C"},
		},
	}
}

func readBack(t *testing.T, data []byte) [][]string {
	t.Helper()
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = ';'
	records, err := r.ReadAll()
	require.NoError(t, err)
	return records
}

func TestWriteAllRoundTrip(t *testing.T) {
	store := newCaptureStore()
	w := output.NewWriter(store, output.Config{}, zap.NewNop())
	snap := sampleSnapshot()

	files, err := w.WriteAll(context.Background(), snap, startedAt)
	require.NoError(t, err)
	require.Len(t, files, 3)

	holders := readBack(t, store.objects["account_holders-1700000000.csv"])
	require.Len(t, holders, 3)
	assert.Equal(t, registry.AccountHolderHeader, holders[0])
	assert.Equal(t, snap.AccountHolders[0].Row(), holders[1])
	assert.Equal(t, snap.AccountHolders[1].Row(), holders[2])

	installations := readBack(t, store.objects["installations-1700000000.csv"])
	require.Len(t, installations, 2)
	assert.Equal(t, registry.InstallationHeader, installations[0])
	assert.Equal(t, snap.Installations[0].Row(), installations[1])

	compliance := readBack(t, store.objects["compliance_history-1700000000.csv"])
	require.Len(t, compliance, 3)
	assert.Equal(t, registry.ComplianceHeader, compliance[0])
	assert.Equal(t, snap.Compliance[1].Row(), compliance[2])

	assert.Equal(t, registry.KindAccountHolder, files[0].Table)
	assert.Equal(t, 2, files[0].Rows)
	assert.Equal(t, "mem://account_holders-1700000000.csv", files[0].URI)
	assert.Len(t, files[0].SHA256, 64)
	assert.NotEqual(t, files[0].SHA256, files[1].SHA256)
}

func TestWriteAllEmptyTablesStillHaveHeader(t *testing.T) {
	store := newCaptureStore()
	w := output.NewWriter(store, output.Config{}, nil)

	files, err := w.WriteAll(context.Background(), aggregate.Snapshot{}, startedAt)
	require.NoError(t, err)
	require.Len(t, files, 3)

	rows := readBack(t, store.objects["compliance_history-1700000000.csv"])
	assert.Equal(t, [][]string{registry.ComplianceHeader}, rows)
}

func TestWriteAllCustomDelimiterAndPrefix(t *testing.T) {
	store := newCaptureStore()
	w := output.NewWriter(store, output.Config{Prefix: "runs/a", Delimiter: '\t'}, zap.NewNop())

	_, err := w.WriteAll(context.Background(), sampleSnapshot(), startedAt)
	require.NoError(t, err)

	data, ok := store.objects["runs/a/installations-1700000000.csv"]
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(data), "accountID\t"))
}

func TestWriteAllContinuesPastFailingTable(t *testing.T) {
	store := newCaptureStore()
	store.failOn = "installations"
	w := output.NewWriter(store, output.Config{}, zap.NewNop())
	snap := sampleSnapshot()

	files, err := w.WriteAll(context.Background(), snap, startedAt)
	require.Error(t, err)
	require.Len(t, files, 2)

	var werr *registry.WriteError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, registry.KindInstallation, werr.Table)
	assert.Contains(t, err.Error(), "disk full")

	assert.Contains(t, store.objects, "account_holders-1700000000.csv")
	assert.Contains(t, store.objects, "compliance_history-1700000000.csv")
	assert.Len(t, snap.Installations, 1)
}

func TestWriteAllCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := output.NewWriter(newCaptureStore(), output.Config{}, zap.NewNop())
	files, err := w.WriteAll(ctx, sampleSnapshot(), startedAt)
	require.Error(t, err)
	assert.Empty(t, files)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFileName(t *testing.T) {
	w := output.NewWriter(newCaptureStore(), output.Config{Prefix: "out"}, zap.NewNop())
	assert.Equal(t, "out/account_holders-1700000000.csv", w.FileName(registry.KindAccountHolder, startedAt))
}
