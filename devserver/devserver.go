package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"time"

	inet "github.com/guseggert/devserver/internal/net"
	"github.com/guseggert/devserver/stream"
	"github.com/guseggert/devserver/supervisor"
	"go.uber.org/zap"
)

const (
	DefaultTimeout        = 60 * time.Second
	DefaultReadyPattern   = `dev server running at`
	DefaultPackageManager = "npm"

	// how long to let stderr drain after stdout closes, so its contents can be reported
	stderrDrainTimeout = time.Second
)

// Config describes one dev server to launch.
type Config struct {
	// ProjectDir is the directory containing package.json. Required.
	ProjectDir string
	// Script is the package.json script that runs the dev server. Required.
	Script string
	// PackageManager defaults to npm.
	PackageManager string
	// Args are passed through to the script after "--".
	Args []string

	// Port is the port the dev server listens on. Zero means pick a free one.
	Port int
	// HMR allocates a second port for the hot-reload channel, exported as HMR_PORT.
	HMR bool

	// Timeout bounds how long to wait for the readiness marker.
	// Zero means DefaultTimeout, negative means wait indefinitely.
	Timeout time.Duration
	// ReadyPattern is a regular expression matched against each stdout line. Defaults to DefaultReadyPattern.
	ReadyPattern string
	// HTTPS makes the endpoint use the https scheme.
	HTTPS bool
	// Env is applied last, so it can override PORT and BROWSER.
	Env map[string]string
}

func (c Config) validate() error {
	if c.ProjectDir == "" {
		return fmt.Errorf("%w: project directory cannot be empty", ErrInvalidConfiguration)
	}
	fi, err := os.Stat(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("%w: project directory: %w", ErrInvalidConfiguration, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: project directory %q is not a directory", ErrInvalidConfiguration, c.ProjectDir)
	}
	if c.Script == "" {
		return fmt.Errorf("%w: script name cannot be empty", ErrInvalidConfiguration)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	return nil
}

func (c Config) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Config) readyPattern() (*regexp.Regexp, error) {
	pattern := c.ReadyPattern
	if pattern == "" {
		pattern = DefaultReadyPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: ready pattern: %w", ErrInvalidConfiguration, err)
	}
	return re, nil
}

// command returns the binary and args that run the script.
func (c Config) command() (string, []string) {
	pm := c.PackageManager
	if pm == "" {
		pm = DefaultPackageManager
	}
	args := []string{"run", c.Script}
	if len(c.Args) > 0 {
		args = append(args, "--")
		args = append(args, c.Args...)
	}
	// npm is a .cmd shim on Windows, which can only be run through the shell
	if runtime.GOOS == "windows" {
		return "cmd", append([]string{"/c", pm}, args...)
	}
	return pm, args
}

// Endpoint is where a ready dev server accepts connections.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

func (e Endpoint) URL() *url.URL {
	return &url.URL{Scheme: e.Scheme, Host: net.JoinHostPort(e.Host, strconv.Itoa(e.Port))}
}

func (e Endpoint) String() string {
	return e.URL().String()
}

// Server is a launched dev server.
type Server struct {
	Endpoint Endpoint
	// HMRPort is zero unless Config.HMR was set.
	HMRPort int
	Process *supervisor.Process
	// StartupTime is how long the dev server took to print the readiness marker.
	StartupTime time.Duration
}

// Dispose kills the dev server. It is safe to call more than once.
func (s *Server) Dispose() {
	s.Process.Dispose()
}

type options struct {
	log       *zap.SugaredLogger
	allocator *inet.Allocator
	probe     bool
}

type Option func(o *options)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

func WithAllocator(a *inet.Allocator) Option {
	return func(o *options) {
		o.allocator = a
	}
}

// WithHTTPProbe makes Start also wait, within the same timeout, until the endpoint answers HTTP requests.
func WithHTTPProbe() Option {
	return func(o *options) {
		o.probe = true
	}
}

// Start launches the dev server and waits for it to print the readiness marker.
//
// Cancelling ctx kills the dev server, including after Start has returned.
// On a StartupTimeoutError the returned Server is non-nil and its process is still running, so the caller decides whether to dispose it.
// On every other error the process, if any, has been disposed.
func Start(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	o := &options{
		log:       zap.NewNop().Sugar(),
		allocator: &inet.Allocator{},
	}
	for _, opt := range opts {
		opt(o)
	}
	log := o.log.Named("devserver")

	err := cfg.validate()
	if err != nil {
		return nil, err
	}
	readyRE, err := cfg.readyPattern()
	if err != nil {
		return nil, err
	}

	port, hmrPort, err := resolvePorts(o.allocator, cfg)
	if err != nil {
		return nil, err
	}

	env := map[string]string{
		"PORT": strconv.Itoa(port),
		// the dev server should not open its own browser window pointing at the internal port
		"BROWSER": "none",
	}
	if cfg.HMR {
		env["HMR_PORT"] = strconv.Itoa(hmrPort)
	}
	for k, v := range cfg.Env {
		env[k] = v
	}

	command, args := cfg.command()
	log.Infow("starting dev server", "Port", port, "HMRPort", hmrPort, "Command", command, "Args", args, "ProjectDir", cfg.ProjectDir)

	proc := supervisor.New(supervisor.StartRequest{
		Command: command,
		Args:    args,
		Env:     env,
		WD:      cfg.ProjectDir,
	}, supervisor.WithLogger(o.log))
	proc.AttachLogger(log.Named("output"))

	stdout := stream.NewCollector(proc.Stdout)
	defer stdout.Close()
	stderr := stream.NewCollector(proc.Stderr)
	defer stderr.Close()

	ready := proc.Stdout.WaitForMatch(readyRE)

	start := time.Now()
	err = proc.Start(ctx)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if cfg.HTTPS {
		scheme = "https"
	}
	srv := &Server{
		Endpoint: Endpoint{Scheme: scheme, Host: "localhost", Port: port},
		HMRPort:  hmrPort,
		Process:  proc,
	}

	timeout := cfg.timeout()
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	match, err := ready.Wait(waitCtx)
	elapsed := time.Since(start)
	if err != nil {
		return waitError(ctx, srv, err, elapsed, timeout, cfg, stdout, stderr)
	}
	log.Debugw("readiness marker matched", "Line", match.Line, "Elapsed", elapsed)

	if o.probe {
		err = probe(waitCtx, log, srv.Endpoint)
		elapsed = time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				proc.Dispose()
				return nil, fmt.Errorf("probing dev server: %w", ctx.Err())
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return srv, &StartupTimeoutError{Elapsed: elapsed, Timeout: timeout}
			}
			proc.Dispose()
			return nil, fmt.Errorf("probing dev server: %w", err)
		}
	}

	srv.StartupTime = elapsed
	log.Infow("dev server ready", "Endpoint", srv.Endpoint.String(), "Elapsed", elapsed)
	return srv, nil
}

// waitError maps a failed readiness wait onto the error taxonomy.
// It returns the server alongside a timeout, since the process is left running in that case.
func waitError(ctx context.Context, srv *Server, err error, elapsed, timeout time.Duration, cfg Config, stdout, stderr *stream.Collector) (*Server, error) {
	switch {
	case ctx.Err() != nil:
		// cancellation kills the process, which may surface as end of stream first
		srv.Dispose()
		return nil, fmt.Errorf("waiting for dev server: %w", ctx.Err())
	case errors.Is(err, stream.ErrEndOfStream):
		select {
		case <-srv.Process.Stderr.Done():
		case <-time.After(stderrDrainTimeout):
		}
		srv.Dispose()
		return nil, &PrematureExitError{
			Script:  cfg.Script,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
			Elapsed: elapsed,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return srv, &StartupTimeoutError{Elapsed: elapsed, Timeout: timeout}
	}
	srv.Dispose()
	return nil, fmt.Errorf("waiting for dev server: %w", err)
}

func resolvePorts(a *inet.Allocator, cfg Config) (int, int, error) {
	port := cfg.Port
	var err error
	if port == 0 {
		if cfg.HMR {
			return a.ReservePair()
		}
		port, err = a.Reserve(0)
		if err != nil {
			return 0, 0, err
		}
	}
	if !cfg.HMR {
		return port, 0, nil
	}
	hmrPort, err := a.Reserve(port)
	if err != nil {
		return 0, 0, err
	}
	return port, hmrPort, nil
}
