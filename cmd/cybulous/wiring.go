package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/Doctor0Evil/Cybulous/pkg/archive"
	"github.com/Doctor0Evil/Cybulous/pkg/config"
	"github.com/Doctor0Evil/Cybulous/pkg/consent"
	"github.com/Doctor0Evil/Cybulous/pkg/crypto"
	"github.com/Doctor0Evil/Cybulous/pkg/executors"
	"github.com/Doctor0Evil/Cybulous/pkg/ledger"
	"github.com/Doctor0Evil/Cybulous/pkg/observability"
	"github.com/Doctor0Evil/Cybulous/pkg/orchestrator"
	"github.com/Doctor0Evil/Cybulous/pkg/provider"
	"github.com/Doctor0Evil/Cybulous/pkg/versioning"
)

const ledgerKeyID = "ledger-v1"

// consentLedger is what every backend offers on top of consent.Ledger.
type consentLedger interface {
	consent.Ledger
	Verify(ctx context.Context) error
	Entries(ctx context.Context) ([]ledger.Entry, error)
}

// stack is the wired process: one engine, one orchestrator and everything they own.
type stack struct {
	cfg          *config.Config
	logger       *slog.Logger
	telemetry    *observability.Provider
	ledger       consentLedger
	keys         ledger.Keyring
	engine       *consent.Engine
	orchestrator *orchestrator.Orchestrator
	closers      []func(context.Context) error
}

func (s *stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *stack, err error) {
	s := &stack{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
		}
	}()

	s.telemetry = observability.Disabled()
	if cfg.OTelEnabled {
		otelCfg := observability.DefaultConfig()
		otelCfg.ServiceVersion = versioning.Version
		otelCfg.OTLPEndpoint = cfg.OTelEndpoint
		otelCfg.Insecure = cfg.OTelInsecure
		if s.telemetry, err = observability.New(ctx, otelCfg); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.telemetry.Shutdown)
	}

	if s.ledger, err = s.openLedger(ctx); err != nil {
		return nil, err
	}

	consentProvider, err := openProvider(cfg)
	if err != nil {
		return nil, err
	}

	s.engine = consent.NewEngine(consentProvider, s.ledger, cfg.MinAge).
		WithLogger(logger).
		WithTelemetry(s.telemetry)

	s.orchestrator = orchestrator.New(s.engine, cfg.MaxConcurrent,
		orchestrator.WithLogger(logger),
		orchestrator.WithTelemetry(s.telemetry),
		orchestrator.WithDefaultTimeout(cfg.DefaultTimeout),
	)
	if err := s.registerTools(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *stack) openLedger(ctx context.Context) (consentLedger, error) {
	cfg := s.cfg
	var signer crypto.Signer
	if cfg.LedgerSecret != "" {
		derived, err := crypto.DeriveEd25519Signer([]byte(cfg.LedgerSecret), ledgerKeyID)
		if err != nil {
			return nil, err
		}
		signer = derived
	}
	s.keys = ledger.KeyringFor(signer)

	switch cfg.Ledger {
	case "memory":
		return ledger.NewMemory().WithSigner(signer), nil

	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		s.logger.Info("lite mode: using sqlite ledger", "path", cfg.SQLitePath)
		return s.openSQL(ctx, "sqlite", cfg.SQLitePath, ledger.DialectSQLite, signer)

	case "postgres":
		return s.openSQL(ctx, "postgres", cfg.DatabaseURL, ledger.DialectPostgres, signer)

	case "redis":
		rl := ledger.NewRedisLedgerFromAddr(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB).WithSigner(signer)
		s.closers = append(s.closers, func(context.Context) error { return rl.Close() })
		if err := rl.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return rl, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger)
}

func (s *stack) openSQL(ctx context.Context, driver, dsn string, dialect ledger.Dialect, signer crypto.Signer) (consentLedger, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	s.closers = append(s.closers, func(context.Context) error { return db.Close() })
	if dialect == ledger.DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	sl := ledger.NewSQLLedger(db, dialect).WithSigner(signer)
	if err := sl.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init %s ledger: %w", driver, err)
	}
	return sl, nil
}

func openProvider(cfg *config.Config) (consent.Provider, error) {
	policy, err := provider.NewDisciplinePolicy(cfg.DisciplinePolicy)
	if err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "static":
		if cfg.ProviderPath == "" {
			return provider.NewStatic().WithPolicy(policy), nil
		}
		static, err := provider.LoadStatic(cfg.ProviderPath)
		if err != nil {
			return nil, err
		}
		return static.WithPolicy(policy), nil

	case "token":
		key, err := provider.ParsePublicKey(cfg.TokenPublicKey)
		if err != nil {
			return nil, err
		}
		source := provider.FileTokenSource{Dir: cfg.ProviderPath}
		return provider.NewToken(source, key, cfg.TokenIssuer).WithPolicy(policy), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func (s *stack) registerTools(ctx context.Context) error {
	for _, t := range s.cfg.Tools {
		var exec orchestrator.ToolExecutor
		switch t.Kind {
		case "builtin":
			if t.Name != "echo" {
				return fmt.Errorf("unknown builtin tool %q", t.Name)
			}
			exec = executors.Echo()
		case "wasm":
			w, err := executors.LoadWasm(ctx, t.Name, t.Path, executors.WasmConfig{
				MemoryLimitBytes: t.MemoryLimitBytes,
				Capabilities:     t.Capabilities,
			})
			if err != nil {
				return err
			}
			s.closers = append(s.closers, w.Close)
			exec = w
		default:
			return fmt.Errorf("tool %q has unknown kind %q", t.Name, t.Kind)
		}

		if t.Schema != "" {
			validated, err := executors.WithSchema(exec, t.Schema)
			if err != nil {
				return fmt.Errorf("tool %q: %w", t.Name, err)
			}
			exec = validated
		}
		if err := s.orchestrator.RegisterExecutor(exec); err != nil {
			return err
		}
	}
	return nil
}

func (s *stack) openArchive(ctx context.Context) (archive.Store, error) {
	cfg := s.cfg
	store, closeFn, err := archive.Open(ctx, archive.Options{
		Kind:     cfg.ArchiveStore,
		Dir:      cfg.ArchiveDir,
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
		Prefix:   cfg.ArchivePrefix,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func(context.Context) error { return closeFn() })
	return store, nil
}
