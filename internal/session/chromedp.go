package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultWaitSelector      = "body"
)

// Limiter spaces out requests before navigation.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls how headless browser sessions are launched.
type Config struct {
	// ExecPath optionally points at a specific Chrome/Chromium binary.
	ExecPath          string
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is an extra pause after the wait selector is ready, for pages that
	// hydrate their result lists after DOMContentLoaded.
	Settle       time.Duration
	WaitSelector string
	// Headful disables headless mode; only useful when debugging locally.
	Headful bool
}

// ChromedpFactory launches one Chrome process per session.
type ChromedpFactory struct {
	cfg     Config
	limiter Limiter
	logger  *zap.Logger
	seq     atomic.Int64
}

// NewChromedpFactory returns a Factory backed by chromedp.
func NewChromedpFactory(cfg Config, limiter Limiter, logger *zap.Logger) *ChromedpFactory {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultWaitSelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromedpFactory{cfg: cfg, limiter: limiter, logger: logger}
}

// New starts a browser and blocks until it is ready to navigate.
func (f *ChromedpFactory) New(ctx context.Context) (Session, error) {
	id := fmt.Sprintf("chrome-%d", f.seq.Add(1))

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warmCtx, warmCancel := context.WithTimeout(browserCtx, f.cfg.NavigationTimeout)
	defer warmCancel()
	stopForward := forwardCancel(ctx, warmCancel)
	defer stopForward()

	if err := chromedp.Run(warmCtx, network.Enable()); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	if f.cfg.UserAgent != "" {
		if err := chromedp.Run(warmCtx, emulation.SetUserAgentOverride(f.cfg.UserAgent)); err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("set user-agent: %w", err)
		}
	}

	f.logger.Debug("browser session started", zap.String("session_id", id))
	return &Chromedp{
		id:            id,
		cfg:           f.cfg,
		limiter:       f.limiter,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

func (f *ChromedpFactory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if f.cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}

// Chromedp is a Session driving a single tab of a dedicated Chrome process.
type Chromedp struct {
	id            string
	cfg           Config
	limiter       Limiter
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	// Navigation is strictly sequential per session; the pool already enforces
	// exclusive ownership, the mutex only guards against misuse.
	mu        sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// ID implements Session.
func (c *Chromedp) ID() string {
	return c.id
}

// Fetch navigates the session's tab to rawURL and returns the rendered DOM.
func (c *Chromedp) Fetch(ctx context.Context, rawURL string) (string, error) {
	if c.closed.Load() {
		return "", Transport("fetch", errors.New("session closed"))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rawURL); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(c.browserCtx, c.cfg.NavigationTimeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	var html string
	actions := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady(c.cfg.WaitSelector, chromedp.ByQuery),
	}
	if c.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(c.cfg.Settle))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
		}
		return "", Transport("navigate "+rawURL, err)
	}
	if strings.TrimSpace(html) == "" {
		return "", Transport("navigate "+rawURL, errors.New("empty document"))
	}
	return html, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (c *Chromedp) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		cancelCtx, cancel := context.WithTimeout(c.browserCtx, 5*time.Second)
		defer cancel()
		if cerr := chromedp.Cancel(cancelCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("close browser: %w", cerr)
		}
		c.browserCancel()
		c.allocCancel()
	})
	return err
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
