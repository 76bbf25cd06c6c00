package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
)

func newRegistryServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		id := r.URL.Query().Get("accountID")
		if id == "404" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body>account %s ua=%s</body></html>", id, r.UserAgent())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRejectsTemplateWithoutPlaceholder(t *testing.T) {
	t.Parallel()

	_, err := New(Config{URLTemplate: "https://example.com/ohaDetails.do"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), Placeholder)
}

func TestURLSubstitutesAccountID(t *testing.T) {
	t.Parallel()

	f, err := New(Config{URLTemplate: "https://example.com/x?accountID={accountID}&action=all"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x?accountID=90001&action=all", f.URL(90001))
}

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newRegistryServer(t, &hits)
	f, err := New(Config{
		URLTemplate: srv.URL + "/ohaDetails.do?accountID={accountID}",
		UserAgent:   "ets-test-agent",
		Timeout:     time.Second,
	})
	require.NoError(t, err)

	body, err := f.Fetch(context.Background(), 90001)
	require.NoError(t, err)
	assert.Contains(t, string(body), "account 90001")
	assert.Contains(t, string(body), "ua=ets-test-agent")

	// The same URL can be fetched again through the same collector.
	_, err = f.Fetch(context.Background(), 90001)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchNotFoundIsFetchError(t *testing.T) {
	t.Parallel()

	srv := newRegistryServer(t, nil)
	f, err := New(Config{URLTemplate: srv.URL + "/ohaDetails.do?accountID={accountID}"})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), 404)
	require.Error(t, err)
	var fetchErr *registry.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 404, fetchErr.AccountID)
	assert.Contains(t, err.Error(), "status 404")
}

func TestFetchTransportFailureIsFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f, err := New(Config{URLTemplate: url + "/?accountID={accountID}", Timeout: time.Second})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), 1)
	var fetchErr *registry.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 1, fetchErr.AccountID)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newRegistryServer(t, &hits)
	f, err := New(Config{URLTemplate: srv.URL + "/?accountID={accountID}"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.Fetch(ctx, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(0), hits.Load())
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f, err := New(Config{URLTemplate: "http://example.com/{accountID}"})
	require.NoError(t, err)

	var body []byte
	var fetchErr error
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &body, &fetchErr)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusOK, Body: []byte("page")})
	assert.Equal(t, "page", string(body))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	require.Error(t, fetchErr)
	assert.Equal(t, "status 502: Bad Gateway", fetchErr.Error())

	hooks.onError(nil, nil)
	assert.Equal(t, "unknown colly error", fetchErr.Error())
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
