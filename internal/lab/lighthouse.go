// Package lab runs Lighthouse lab measurements against pooled headless
// browsers.
package lab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/audit"
)

// ErrLighthouseNotFound is returned when the CLI is not on PATH.
var ErrLighthouseNotFound = errors.New("lighthouse CLI not found in PATH (npm install -g lighthouse)")

// CommandRunner executes a subprocess and returns its stderr.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// Config controls the Lighthouse invocation.
type Config struct {
	Binary    string
	OutputDir string
}

// Runner implements audit.LabRunner with the Lighthouse CLI.
type Runner struct {
	cfg      Config
	browsers *BrowserPool
	cmd      CommandRunner
	lookPath func(string) (string, error)
	logger   *zap.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithBrowserPool makes Lighthouse attach to pooled browsers instead of
// launching its own.
func WithBrowserPool(pool *BrowserPool) Option {
	return func(r *Runner) {
		r.browsers = pool
	}
}

// WithCommandRunner replaces subprocess execution (tests).
func WithCommandRunner(cmd CommandRunner) Option {
	return func(r *Runner) {
		if cmd != nil {
			r.cmd = cmd
		}
	}
}

// WithLookPath replaces binary resolution (tests).
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Runner) {
		if fn != nil {
			r.lookPath = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner builds a Runner.
func NewRunner(cfg Config, opts ...Option) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "lighthouse"
	}
	r := &Runner{
		cfg:      cfg,
		cmd:      execRunner{},
		lookPath: exec.LookPath,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Available reports whether the Lighthouse binary can be resolved.
func (r *Runner) Available() bool {
	_, err := r.lookPath(r.cfg.Binary)
	return err == nil
}

// RunLabAudit runs one Lighthouse audit for device. A missing binary or an
// unreadable report is permanent; a failing or timed out process is
// transient.
func (r *Runner) RunLabAudit(ctx context.Context, url string, device audit.Device) (*audit.LabResult, error) {
	bin, err := r.lookPath(r.cfg.Binary)
	if err != nil {
		return nil, audit.Permanent(ErrLighthouseNotFound)
	}

	out, err := os.CreateTemp(r.cfg.OutputDir, fmt.Sprintf("lighthouse-%s-*.json", device))
	if err != nil {
		return nil, audit.Transient(fmt.Errorf("create report file: %w", err))
	}
	outPath := out.Name()
	_ = out.Close()
	defer func() { _ = os.Remove(outPath) }()

	port := 0
	var browser *Browser
	if r.browsers != nil {
		browser, err = r.browsers.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		port = browser.Port
	}

	start := time.Now()
	stderr, runErr := r.cmd.Run(ctx, bin, Args(url, device, outPath, port)...)
	if browser != nil {
		if runErr != nil {
			r.browsers.Discard(browser)
		} else {
			r.browsers.Release(browser)
		}
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, audit.Transient(fmt.Errorf("%s audit timed out: %w", device, ctx.Err()))
		}
		return nil, audit.Transient(fmt.Errorf("lighthouse process failed (%s): %w: %s", device, runErr, strings.TrimSpace(string(stderr))))
	}
	r.logger.Debug("lighthouse finished",
		zap.String("device", string(device)),
		zap.Duration("duration", time.Since(start)),
	)

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, audit.Permanent(fmt.Errorf("lighthouse output file not found (%s): %w", device, err))
	}
	result, err := ParseReport(data, device)
	if err != nil {
		return nil, audit.Permanent(err)
	}
	return result, nil
}

// Args builds the Lighthouse command line. A positive port attaches to an
// existing browser.
func Args(url string, device audit.Device, outputPath string, port int) []string {
	args := []string{url}
	if device == audit.DeviceDesktop {
		args = append(args, "--preset=desktop")
	} else {
		args = append(args, "--form-factor=mobile")
	}
	args = append(args,
		"--output=json",
		"--output-path="+outputPath,
		"--quiet",
	)
	if port > 0 {
		args = append(args, fmt.Sprintf("--port=%d", port))
	} else {
		args = append(args, "--chrome-flags=--headless")
	}
	return args
}
