// Package collyfetcher implements registry.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/ets-registry-scraper/internal/registry"
)

// Placeholder is replaced by the account ID in Config.URLTemplate.
const Placeholder = "{accountID}"

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
}

// Fetcher implements registry.Fetcher using the Colly collector. Every Fetcher
// owns its own transport; give each worker its own Fetcher.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if !strings.Contains(cfg.URLTemplate, Placeholder) {
		return nil, fmt.Errorf("url template %q must contain %s", cfg.URLTemplate, Placeholder)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}, nil
}

// URL returns the account page address for accountID.
func (f *Fetcher) URL(accountID int) string {
	return strings.ReplaceAll(f.cfg.URLTemplate, Placeholder, strconv.Itoa(accountID))
}

// Fetch performs one GET for the account page. Every failure is returned as a
// *registry.FetchError; nothing is retried.
func (f *Fetcher) Fetch(ctx context.Context, accountID int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &registry.FetchError{AccountID: accountID, Err: err}
	}

	var (
		body     []byte
		fetchErr error
	)
	// Clones share the base collector's HTTP backend, so keep-alive
	// connections survive across fetches.
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &body, &fetchErr)

	if err := f.runCollector(ctx, collector, f.URL(accountID), &fetchErr); err != nil {
		return nil, &registry.FetchError{AccountID: accountID, Err: err}
	}
	return body, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
}
