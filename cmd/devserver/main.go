package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/devserver/devserver"
	"github.com/guseggert/devserver/internal/files"
	"github.com/guseggert/devserver/proxy"
	"github.com/guseggert/devserver/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "devserver",
		Usage: "runs a frontend dev server script and proxies requests to it once it is ready",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "project",
				Usage:   "The directory containing package.json. Defaults to the nearest one at or above the working directory.",
				EnvVars: []string{"DEVSERVER_PROJECT"},
			},
			&cli.StringFlag{
				Name:    "script",
				Usage:   "The package.json script that runs the dev server.",
				Value:   "dev",
				EnvVars: []string{"DEVSERVER_SCRIPT"},
			},
			&cli.StringFlag{
				Name:    "package-manager",
				Usage:   "The package manager used to run the script.",
				Value:   devserver.DefaultPackageManager,
				EnvVars: []string{"DEVSERVER_PACKAGE_MANAGER"},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "The port for the dev server to listen on. Zero picks a free one.",
				EnvVars: []string{"DEVSERVER_PORT"},
			},
			&cli.BoolFlag{
				Name:    "hmr",
				Usage:   "Allocate a separate port for hot module reloading, passed as HMR_PORT.",
				EnvVars: []string{"DEVSERVER_HMR"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "How long to wait for the dev server to become ready. Negative waits forever.",
				Value:   devserver.DefaultTimeout,
				EnvVars: []string{"DEVSERVER_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "ready-pattern",
				Usage:   "Regular expression matched against each output line to detect readiness.",
				Value:   devserver.DefaultReadyPattern,
				EnvVars: []string{"DEVSERVER_READY_PATTERN"},
			},
			&cli.BoolFlag{
				Name:    "https",
				Usage:   "The dev server serves HTTPS.",
				EnvVars: []string{"DEVSERVER_HTTPS"},
			},
			&cli.BoolFlag{
				Name:    "probe",
				Usage:   "After the readiness line, also wait until the dev server answers HTTP requests.",
				EnvVars: []string{"DEVSERVER_PROBE"},
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the proxy to listen on. Empty disables the proxy.",
				Value:   "127.0.0.1:8080",
				EnvVars: []string{"DEVSERVER_LISTEN_ADDR"},
			},
			&cli.BoolFlag{
				Name:    "tls",
				Usage:   "Serve the proxy over HTTPS with a generated self-signed certificate.",
				EnvVars: []string{"DEVSERVER_TLS"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"DEVSERVER_LOG_LEVEL"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cctx *cli.Context) error {
	level, err := zapcore.ParseLevel(cctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	l := logger.Sugar()

	projectDir, err := resolveProject(cctx.String("project"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []devserver.Option{devserver.WithLogger(l)}
	if cctx.Bool("probe") {
		opts = append(opts, devserver.WithHTTPProbe())
	}
	srv, err := devserver.Start(ctx, devserver.Config{
		ProjectDir:     projectDir,
		Script:         cctx.String("script"),
		PackageManager: cctx.String("package-manager"),
		Args:           cctx.Args().Slice(),
		Port:           cctx.Int("port"),
		HMR:            cctx.Bool("hmr"),
		Timeout:        cctx.Duration("timeout"),
		ReadyPattern:   cctx.String("ready-pattern"),
		HTTPS:          cctx.Bool("https"),
	}, opts...)
	if srv != nil {
		defer srv.Dispose()
	}
	if err != nil {
		return err
	}

	listenAddr := cctx.String("listen-addr")
	if listenAddr == "" {
		l.Infow("dev server running", "Endpoint", srv.Endpoint.String())
		select {
		case <-ctx.Done():
			return nil
		case <-srv.Process.Exited():
			return exitError(srv.Process)
		}
	}

	handler := proxy.New(srv.Endpoint.URL(), proxy.Sources{
		"stdout": srv.Process.Stdout,
		"stderr": srv.Process.Stderr,
	}, proxy.WithLogger(l), proxy.WithProcess(srv.Process))

	var tlsConfig *tls.Config
	if cctx.Bool("tls") {
		cert, err := proxy.GenerateLocalhostCert()
		if err != nil {
			return fmt.Errorf("generating cert: %w", err)
		}
		tlsConfig, err = proxy.ServerTLSConfig(cert.CertPEMBytes, cert.KeyPEMBytes)
		if err != nil {
			return fmt.Errorf("building server TLS config: %w", err)
		}
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	scheme := "http"
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
		scheme = "https"
	}
	l.Infow("proxying to dev server", "Listen", scheme+"://"+listener.Addr().String(), "Endpoint", srv.Endpoint.String())

	httpServer := &http.Server{Handler: handler}
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-srv.Process.Exited():
			return exitError(srv.Process)
		}
	})
	return group.Wait()
}

// resolveProject defaults the project dir to the nearest directory with a package.json.
func resolveProject(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working dir: %w", err)
	}
	pkg, err := files.FindUp("package.json", wd)
	if err != nil {
		return "", fmt.Errorf("finding package.json: %w", err)
	}
	if pkg == "" {
		return "", fmt.Errorf("no package.json found in %q or its parents, use --project", wd)
	}
	return filepath.Dir(pkg), nil
}

// exitError reports an unexpected dev server exit. Exits caused by shutdown are not errors.
func exitError(p *supervisor.Process) error {
	if p.State() == supervisor.Killed {
		return nil
	}
	res, err := p.Wait(context.Background())
	if err != nil {
		return fmt.Errorf("dev server exited: %w", err)
	}
	return fmt.Errorf("dev server exited with code %d", res.ExitCode)
}
