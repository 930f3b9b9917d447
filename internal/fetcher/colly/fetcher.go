// Package collyfetcher fetches detail pages over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/resume-corpus-crawler/internal/session"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// Headers are added to every request.
	Headers http.Header `mapstructure:"-"`
}

// Limiter spaces out requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher returns raw response bodies. It satisfies scrape.Fetcher.
type Fetcher struct {
	cfg           Config
	limiter       Limiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// outcome is filled in by the collector callbacks of one Fetch.
type outcome struct {
	status int
	body   string
	err    error
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{cfg: cfg, limiter: limiter, baseCollector: c}
}

// Fetch GETs rawURL and returns the body. 404 and 410 responses wrap
// session.ErrPageGone; every other failure wraps session.ErrTransport.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}
	var res outcome
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &res)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
	case err := <-done:
		if res.err == nil {
			res.err = err
		}
	}
	switch {
	case res.status == http.StatusNotFound || res.status == http.StatusGone:
		return "", fmt.Errorf("fetch %s: status %d: %w", rawURL, res.status, session.ErrPageGone)
	case res.err != nil:
		return "", session.Transport("fetch "+rawURL, res.err)
	case res.body == "":
		return "", session.Transport("fetch "+rawURL, errors.New("empty body"))
	}
	return res.body, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *outcome) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = string(r.Body)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		res.err = err
	})
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
