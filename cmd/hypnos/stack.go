package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"

	"github.com/SharmARohitt/Hypnos/pkg/config"
	"github.com/SharmARohitt/Hypnos/pkg/eventlog"
	"github.com/SharmARohitt/Hypnos/pkg/mirror"
	"github.com/SharmARohitt/Hypnos/pkg/reconciler"
)

// stack is the storage a command runs against.
type stack struct {
	log      eventlog.Log
	mirror   mirror.Store
	cursors  mirror.CursorStore
	mirrorDB *sql.DB
	closers  []func() error
}

func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One connection: writers never contend and :memory: stays one database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

func openStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	s := &stack{}
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		s.log = eventlog.NewMemoryLog()
		s.mirror = mirror.NewMemoryStore()
	case config.BackendSQLite, config.BackendPostgres:
		driver := cfg.Storage.Backend
		logDB, err := openDB(ctx, driver, cfg.Storage.LogDSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, logDB.Close)
		sqlLog := eventlog.NewSQLLog(logDB)
		if err := sqlLog.Init(ctx); err != nil {
			return nil, errors.Join(err, s.Close())
		}
		s.log = sqlLog

		mirrorDB := logDB
		if cfg.Storage.MirrorDSN != cfg.Storage.LogDSN {
			mirrorDB, err = openDB(ctx, driver, cfg.Storage.MirrorDSN)
			if err != nil {
				return nil, errors.Join(err, s.Close())
			}
			s.closers = append(s.closers, mirrorDB.Close)
		}
		store := mirror.NewSQLStore(mirrorDB)
		if err := store.Init(ctx); err != nil {
			return nil, errors.Join(err, s.Close())
		}
		s.mirror = store
		s.mirrorDB = mirrorDB
		logger.InfoContext(ctx, "storage ready", "backend", driver)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalid, cfg.Storage.Backend)
	}

	if cfg.Storage.RedisAddr != "" {
		rc := reconciler.NewRedisCursorStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err := rc.Ping(ctx); err != nil {
			_ = rc.Close()
			return nil, errors.Join(fmt.Errorf("redis cursors: %w", err), s.Close())
		}
		s.closers = append(s.closers, rc.Close)
		s.cursors = rc
		logger.InfoContext(ctx, "shard cursors in redis", "addr", cfg.Storage.RedisAddr)
	}
	return s, nil
}

func (s *stack) reconciler(cfg *config.Config, logger *slog.Logger) (*reconciler.Reconciler, error) {
	rec, err := reconciler.New(s.log, s.mirror, cfg.ReconcilerOptions())
	if err != nil {
		return nil, err
	}
	rec.WithLogger(logger)
	if s.cursors != nil {
		rec.WithCursors(s.cursors)
	}
	return rec, nil
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// loadConfig parses the shared --config flag and builds the logger.
// Log lines go to stderr so command output stays machine readable.
func loadConfig(fs *flag.FlagSet, args []string, stderr io.Writer) (*config.Config, *slog.Logger, bool) {
	path := fs.String("config", "", "Path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, false
	}
	cfg, err := config.Load(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, false
	}
	logger := cfg.Logger(stderr)
	slog.SetDefault(logger)
	return cfg, logger, true
}
