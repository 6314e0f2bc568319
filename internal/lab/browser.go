package lab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/clock/system"
)

// BrowserConfig controls the browser pool.
type BrowserConfig struct {
	Size          int
	BasePort      int
	ChromePath    string
	LaunchTimeout time.Duration
	IdleTimeout   time.Duration
}

// Launcher starts a browser exposing the DevTools protocol on port and
// returns a func that stops it.
type Launcher func(ctx context.Context, port int) (stop func(), err error)

// Browser is a pooled browser instance.
type Browser struct {
	Port     int
	stop     func()
	lastUsed time.Time
	uses     int
}

// BrowserStats describes pool occupancy.
type BrowserStats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Total     int   `json:"total"`
	Capacity  int   `json:"capacity"`
	TotalUses int64 `json:"total_uses"`
}

// BrowserPool keeps warm browsers that Lighthouse attaches to by port.
type BrowserPool struct {
	cfg    BrowserConfig
	launch Launcher
	clock  audit.Clock
	logger *zap.Logger

	mu        sync.Mutex
	idle      []*Browser
	ports     map[int]*Browser
	active    int
	totalUses int64
	closed    bool
}

// BrowserOption customizes a BrowserPool.
type BrowserOption func(*BrowserPool)

// WithLauncher replaces the chromedp launcher (tests).
func WithLauncher(l Launcher) BrowserOption {
	return func(p *BrowserPool) {
		if l != nil {
			p.launch = l
		}
	}
}

// WithBrowserClock overrides the time source.
func WithBrowserClock(clock audit.Clock) BrowserOption {
	return func(p *BrowserPool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithBrowserLogger sets the logger.
func WithBrowserLogger(logger *zap.Logger) BrowserOption {
	return func(p *BrowserPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewBrowserPool builds an empty pool. Browsers launch lazily.
func NewBrowserPool(cfg BrowserConfig, opts ...BrowserOption) *BrowserPool {
	if cfg.Size <= 0 {
		cfg.Size = 5
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = 9222
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	p := &BrowserPool{
		cfg:    cfg,
		clock:  system.New(),
		logger: zap.NewNop(),
		ports:  make(map[int]*Browser),
	}
	p.launch = chromedpLauncher(cfg)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns an idle browser or launches a new one. Callers are expected
// to bound concurrency with a resource pool of the same size.
func (p *BrowserPool) Acquire(ctx context.Context) (*Browser, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, audit.Permanent(errors.New("browser pool closed"))
	}
	if n := len(p.idle); n > 0 {
		b := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.checkoutLocked(b)
		p.mu.Unlock()
		return b, nil
	}
	if len(p.ports) >= p.cfg.Size {
		p.mu.Unlock()
		return nil, &audit.ResourceExhaustedError{Resource: "browser pool", Err: fmt.Errorf("all %d browsers busy", p.cfg.Size)}
	}
	port := p.freePortLocked()
	b := &Browser{Port: port}
	p.ports[port] = b
	p.mu.Unlock()

	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()
	stop, err := p.launch(launchCtx, port)
	if err != nil {
		p.mu.Lock()
		delete(p.ports, port)
		p.mu.Unlock()
		return nil, audit.Transient(fmt.Errorf("launch browser on port %d: %w", port, err))
	}
	b.stop = stop
	p.logger.Info("browser launched", zap.Int("port", port))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		delete(p.ports, port)
		stop()
		return nil, audit.Permanent(errors.New("browser pool closed"))
	}
	p.checkoutLocked(b)
	return b, nil
}

func (p *BrowserPool) checkoutLocked(b *Browser) {
	b.uses++
	p.active++
	p.totalUses++
}

func (p *BrowserPool) freePortLocked() int {
	for port := p.cfg.BasePort; ; port++ {
		if _, taken := p.ports[port]; !taken {
			return port
		}
	}
}

// Release returns a healthy browser to the idle set.
func (p *BrowserPool) Release(b *Browser) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	b.lastUsed = p.clock.Now()
	if p.closed {
		p.stopLocked(b)
		return
	}
	p.idle = append(p.idle, b)
}

// Discard stops a browser that may be unhealthy.
func (p *BrowserPool) Discard(b *Browser) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.stopLocked(b)
	p.logger.Info("browser discarded", zap.Int("port", b.Port))
}

func (p *BrowserPool) stopLocked(b *Browser) {
	delete(p.ports, b.Port)
	if b.stop != nil {
		b.stop()
	}
}

// CleanupIdle stops browsers idle longer than olderThan. A zero value uses
// the configured idle timeout.
func (p *BrowserPool) CleanupIdle(olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = p.cfg.IdleTimeout
	}
	cutoff := p.clock.Now().Add(-olderThan)
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.idle[:0]
	removed := 0
	for _, b := range p.idle {
		if b.lastUsed.Before(cutoff) {
			p.stopLocked(b)
			removed++
			continue
		}
		kept = append(kept, b)
	}
	p.idle = kept
	if removed > 0 {
		p.logger.Info("idle browsers stopped", zap.Int("count", removed))
	}
	return removed
}

// Run cleans up idle browsers until ctx is done.
func (p *BrowserPool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CleanupIdle(0)
		}
	}
}

// Stats returns a snapshot of the pool.
func (p *BrowserPool) Stats() BrowserStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return BrowserStats{
		Active:    p.active,
		Idle:      len(p.idle),
		Total:     len(p.ports),
		Capacity:  p.cfg.Size,
		TotalUses: p.totalUses,
	}
}

// Close stops idle browsers; busy ones stop when released.
func (p *BrowserPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, b := range p.idle {
		p.stopLocked(b)
	}
	p.idle = nil
}

func chromedpLauncher(cfg BrowserConfig) Launcher {
	return func(ctx context.Context, port int) (func(), error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("remote-debugging-port", port),
		)
		if cfg.ChromePath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		stop := func() {
			_ = chromedp.Cancel(browserCtx)
			browserCancel()
			allocCancel()
		}

		started := make(chan error, 1)
		go func() { started <- chromedp.Run(browserCtx) }()
		select {
		case err := <-started:
			if err != nil {
				stop()
				return nil, fmt.Errorf("chromedp run: %w", err)
			}
			return stop, nil
		case <-ctx.Done():
			stop()
			return nil, fmt.Errorf("browser launch canceled: %w", ctx.Err())
		}
	}
}
