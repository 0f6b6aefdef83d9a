package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SharmARohitt/Hypnos/pkg/api"
	"github.com/SharmARohitt/Hypnos/pkg/observability"
	"github.com/SharmARohitt/Hypnos/pkg/query"
)

const (
	shutdownTimeout = 10 * time.Second
	idempotencyTTL  = 24 * time.Hour
)

// notifyContext is replaced in tests to stop the server without a signal.
var notifyContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	seed := fs.Bool("seed", false, "Run the demo scenario against the ledger at startup")
	cfg, logger, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 2
	}

	ctx, stop := notifyContext(context.Background())
	defer stop()

	_, _ = fmt.Fprintf(stdout, "%sHypnos starting...%s\n", ColorBold+ColorBlue, ColorReset)

	telemetry, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: storage: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	lgr := demoLedger(st.log).WithLogger(logger).WithTelemetry(telemetry)
	if *seed {
		steps, err := runScenario(ctx, lgr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: seed: %v\n", err)
			return 1
		}
		logger.Info("seeded ledger", "steps", len(steps))
	}

	rec, err := st.reconciler(cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: reconciler: %v\n", err)
		return 1
	}
	rec.WithTelemetry(telemetry)

	svc, err := query.New(st.mirror)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: query: %v\n", err)
		return 1
	}

	server := api.NewServer(lgr, svc, rec).
		WithLogger(logger).
		WithTelemetry(telemetry).
		WithAuth(api.NewAuthenticator(cfg.API.JWTSecret))
	if cfg.API.RateLimit > 0 {
		limiter := api.NewRateLimiter(cfg.API.RateLimit, cfg.API.RateBurst)
		defer limiter.Close()
		server.WithRateLimiter(limiter)
	}
	if st.mirrorDB != nil {
		idem := api.NewSQLIdempotencyStore(st.mirrorDB, idempotencyTTL)
		if err := idem.Init(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: idempotency: %v\n", err)
			return 1
		}
		server.WithIdempotency(idem)
	} else {
		server.WithIdempotency(api.NewMemoryIdempotencyStore(idempotencyTTL))
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rec.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.ListenAddr, "auth", cfg.API.JWTSecret != "")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "Hypnos stopped.")
	return 0
}
