package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/ets-registry-scraper/internal/extract"
	"github.com/JakeFAU/ets-registry-scraper/internal/partition"
	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
)

const generalInfoPage = `<html><body>
<table id="tblAccountGeneralInfo">
<tr><td>General Information</td></tr>
<tr><td>National Administrator</td><td>Account Type</td><td>Account Holder Name</td><td>Installation ID</td></tr>
<tr><td><span>Belgium</span></td><td><span>Operator Holding Account</span></td><td><span>Acier SA</span></td><td><span>4411</span></td></tr>
</table>
</body></html>`

func compliancePage(years ...string) string {
	var rows strings.Builder
	for _, y := range years {
		fmt.Fprintf(&rows,
			"<tr><td><span>p</span></td><td><span>%s</span></td><td><span>100</span></td><td><span>90</span></td>"+
				"<td><span>90</span></td><td><span>x</span></td><td><span>y</span></td><td><span>A</span></td></tr>", y)
	}
	return `<html><body>
<table id="tblChildDetails"><tr><td>
<table><tr><td>h</td></tr><tr><td>h</td></tr><tr><td><span>IN-9</span></td><td><span>Boiler</span></td></tr></table>
</td></tr></table>
<table id="tblChildDetails"><tr><td>
<table><tr><td>h</td></tr><tr><td>h</td></tr>` + rows.String() + `</table>
</td></tr></table>
</body></html>`
}

// E2E scenario: one ID, one worker, a well-formed general info table.
func TestRunSingleAccountHolder(t *testing.T) {
	t.Parallel()

	stub := newStubSite(map[int]string{0: generalInfoPage}, nil)
	d := New(Config{MinID: 0, MaxID: 1, Workers: 1}, stub.factory, extract.New(), &fakeClock{}, zap.NewNop())

	res, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Tables.AccountHolders, 1)
	assert.Equal(t, registry.AccountHolder{
		AccountID:             0,
		InstallationID:        "4411",
		NationalAdministrator: "Belgium",
		AccountType:           "Operator Holding Account",
		AccountHolderName:     "Acier SA",
	}, res.Tables.AccountHolders[0])
	assert.Empty(t, res.Tables.Installations)
	assert.Empty(t, res.Tables.Compliance)
	assert.Equal(t, 1, res.Stats.Succeeded)
	assert.Equal(t, StateDone, d.State())
}

// E2E scenario: three workers, the worker owning ID 1 always fails to fetch.
func TestRunPartialFetchFailure(t *testing.T) {
	t.Parallel()

	stub := newStubSite(
		map[int]string{0: generalInfoPage, 1: generalInfoPage, 2: generalInfoPage},
		map[int]bool{1: true},
	)
	d := New(Config{MinID: 0, MaxID: 3, Workers: 3}, stub.factory, extract.New(), &fakeClock{}, zap.NewNop())

	res, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Stats.Attempted)
	assert.Equal(t, 2, res.Stats.Succeeded)
	assert.Equal(t, 1, res.Stats.Failed)
	assert.InDelta(t, 2.0/3.0, res.SuccessRatio(), 1e-9)

	ids := make([]int, 0, len(res.Tables.AccountHolders))
	for _, rec := range res.Tables.AccountHolders {
		ids = append(ids, rec.AccountID)
	}
	assert.ElementsMatch(t, []int{0, 2}, ids)

	progress := d.Progress()
	assert.Equal(t, "done", progress.State)
	assert.Equal(t, int64(3), progress.Attempted)
	assert.Equal(t, int64(2), progress.Succeeded)
	assert.Equal(t, 3, progress.Total)

	assert.Equal(t, 3, stub.fetcherCount())
}

func TestRunInterruptedRatioCountsWholeIDSpace(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pages := make(map[int]string)
	for id := 0; id < 10; id++ {
		pages[id] = generalInfoPage
	}
	stub := newStubSite(pages, nil)
	stub.onFetch = func(id int) {
		if id == 1 {
			cancel()
		}
	}
	d := New(Config{MinID: 0, MaxID: 10, Workers: 1}, stub.factory, extract.New(), &fakeClock{}, zap.NewNop())

	res, err := d.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Attempted)
	assert.Equal(t, 2, res.Stats.Succeeded)
	assert.Equal(t, 10, res.Total())
	assert.InDelta(t, 0.2, res.SuccessRatio(), 1e-9)
	assert.Len(t, res.Tables.AccountHolders, 2)
}

func TestRunLogsWorkerAssignments(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	stub := newStubSite(nil, nil)
	d := New(Config{MinID: 0, MaxID: 10, Workers: 3}, stub.factory, extract.New(), &fakeClock{}, zap.New(core))

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	assigned := logs.FilterMessage("worker assigned").All()
	require.Len(t, assigned, 3)
	var ranges []string
	for _, entry := range assigned {
		ranges = append(ranges, entry.ContextMap()["range"].(string))
	}
	assert.Equal(t, []string{"[0, 3)", "[3, 6)", "[6, 10)"}, ranges)
}

func TestResultSuccessRatioEmpty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Result{}.SuccessRatio())
	assert.Equal(t, 0, Result{}.Total())
}

// E2E scenario: a compliance history table with three data rows.
func TestRunComplianceHistoryRows(t *testing.T) {
	t.Parallel()

	stub := newStubSite(map[int]string{42: compliancePage("2008", "2009", "2010")}, nil)
	d := New(Config{MinID: 42, MaxID: 43, Workers: 1}, stub.factory, extract.New(), &fakeClock{}, zap.NewNop())

	res, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Tables.Compliance, 3)
	for i, year := range []string{"2008", "2009", "2010"} {
		assert.Equal(t, 42, res.Tables.Compliance[i].AccountID)
		assert.Equal(t, "IN-9", res.Tables.Compliance[i].InstallationID)
		assert.Equal(t, year, res.Tables.Compliance[i].Year)
	}
	assert.Empty(t, res.Tables.AccountHolders)
}

func TestRunCoversEveryIDExactlyOnce(t *testing.T) {
	t.Parallel()

	pages := make(map[int]string)
	for id := 100; id < 217; id++ {
		pages[id] = generalInfoPage
	}
	stub := newStubSite(pages, nil)
	d := New(Config{MinID: 100, MaxID: 217, Workers: 8}, stub.factory, extract.New(), &fakeClock{}, zap.NewNop())

	res, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Ranges, 8)
	require.Len(t, res.Tables.AccountHolders, 117)
	counts := stub.fetchCounts()
	for id := 100; id < 217; id++ {
		assert.Equal(t, 1, counts[id], "id %d", id)
	}
}

func TestRunRejectsInvalidRangeBeforeStartingWorkers(t *testing.T) {
	t.Parallel()

	stub := newStubSite(nil, nil)
	d := New(Config{MinID: 5, MaxID: 5, Workers: 2}, stub.factory, extract.New(), &fakeClock{}, zap.NewNop())

	_, err := d.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, partition.ErrInvalidRange))
	assert.Equal(t, 0, stub.fetcherCount())
	assert.Equal(t, StateIdle, d.State())
}

func TestRunSurfacesFetcherFactoryError(t *testing.T) {
	t.Parallel()

	factory := func(int) (registry.Fetcher, error) { return nil, errors.New("no transport") }
	d := New(Config{MinID: 0, MaxID: 2, Workers: 1}, factory, extract.New(), &fakeClock{}, zap.NewNop())

	_, err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transport")
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	factory := func(int) (registry.Fetcher, error) {
		return blockingFetcher{started: started, release: release}, nil
	}
	d := New(Config{MinID: 0, MaxID: 1, Workers: 1}, factory, extract.New(), &fakeClock{}, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background())
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker did not start fetching")
	}

	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("first run did not finish")
	}

	// A finished dispatcher can run again with fresh tables.
	_, err = d.Run(context.Background())
	require.NoError(t, err)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "joining", StateJoining.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "state(9)", State(9).String())
}

// stubSite hands each worker its own fetcher over a fixed set of pages.
type stubSite struct {
	pages   map[int]string
	fail    map[int]bool
	onFetch func(id int)

	mu       sync.Mutex
	fetchers int
	counts   map[int]int
}

func newStubSite(pages map[int]string, fail map[int]bool) *stubSite {
	return &stubSite{pages: pages, fail: fail, counts: make(map[int]int)}
}

func (s *stubSite) factory(int) (registry.Fetcher, error) {
	s.mu.Lock()
	s.fetchers++
	s.mu.Unlock()
	return &stubFetcher{site: s}, nil
}

func (s *stubSite) fetcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchers
}

func (s *stubSite) fetchCounts() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

type stubFetcher struct {
	site *stubSite
}

func (f *stubFetcher) Fetch(_ context.Context, accountID int) ([]byte, error) {
	f.site.mu.Lock()
	f.site.counts[accountID]++
	f.site.mu.Unlock()
	if f.site.onFetch != nil {
		f.site.onFetch(accountID)
	}
	if f.site.fail[accountID] {
		return nil, &registry.FetchError{AccountID: accountID, Err: errors.New("timeout")}
	}
	page, ok := f.site.pages[accountID]
	if !ok {
		return nil, &registry.FetchError{AccountID: accountID, Err: errors.New("not found")}
	}
	return []byte(page), nil
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f blockingFetcher) Fetch(context.Context, int) ([]byte, error) {
	select {
	case f.started <- struct{}{}:
	default:
	}
	<-f.release
	return []byte("<html></html>"), nil
}

type fakeClock struct{}

func (fakeClock) Now() time.Time {
	return time.Unix(1700000000, 0).UTC()
}
