package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/catalog"
	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/platform/apierr"
	"github.com/hms/hms/internal/platform/audit"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/idempotency"
	"github.com/hms/hms/internal/platform/middleware"
	"github.com/hms/hms/internal/store/memory"
)

const (
	purgeInterval   = time.Hour
	shutdownTimeout = 10 * time.Second
)

// app is a fully wired server. recorder and arena own background loops
// that the caller runs for as long as the server is up.
type app struct {
	echo     *echo.Echo
	recorder *audit.AsyncRecorder
	arena    *idempotency.Arena
	pool     *pgxpool.Pool
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, seed []catalog.Entry) (*app, error) {
	var (
		invoices    billing.InvoiceRepository
		payments    billing.PaymentRepository
		batches     pharmacy.BatchRepository
		dispensings pharmacy.DispensingRepository
		adjustments pharmacy.AdjustmentRepository
		tx          billing.Transactor
		lookup      catalog.Lookup
		idemStore   idempotency.Store
		sink        audit.Sink
		facilityMW  echo.MiddlewareFunc
		pool        *pgxpool.Pool
	)

	switch cfg.Store {
	case config.StorePostgres:
		var err error
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		if len(seed) > 0 {
			logger.Warn().Int("entries", len(seed)).Msg("catalog file ignored, the catalog is read from the database")
		}

		invoices = billing.NewInvoiceRepoPG(pool)
		payments = billing.NewPaymentRepoPG(pool)
		batches = pharmacy.NewBatchRepoPG(pool)
		dispensings = pharmacy.NewDispensingRepoPG(pool)
		adjustments = pharmacy.NewAdjustmentRepoPG(pool)
		tx = db.NewTxManager(pool, cfg.LockTimeout)
		lookup = catalog.NewLookupPG(pool)
		idemStore = idempotency.NewPGStore(pool, cfg.DefaultFacility)
		facilityMW = db.FacilityMiddleware(pool, cfg.DefaultFacility)
	case config.StoreMemory:
		store := memory.New()
		invoices = store.Invoices()
		payments = store.Payments()
		batches = store.Batches()
		dispensings = store.Dispensings()
		adjustments = store.Adjustments()
		tx = store
		lookup = catalog.NewStatic(seed...)
		idemStore = idempotency.NewMemoryStore()
		facilityMW = db.StaticFacility(cfg.DefaultFacility)
		logger.Warn().Int("catalog_entries", len(seed)).Msg("using the in-memory store, data is lost on exit")
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if cfg.AuditSink == config.AuditSinkDB {
		sink = audit.NewPGSink(pool, cfg.DefaultFacility)
	} else {
		sink = audit.NewLogSink(logger)
	}
	recorder := audit.NewAsyncRecorder(sink, cfg.AuditBuffer, logger)
	arena := idempotency.NewArena(idemStore, cfg.IdempotencyTTL)

	ledger := pharmacy.NewLedger(batches, dispensings, adjustments, tx, lookup, recorder)
	ledger.SetExpiryPolicy(pharmacy.ExpiryPolicy(cfg.ExpiredStock))
	svc := billing.NewService(invoices, payments, ledger, lookup, tx, arena, recorder, policyFromConfig(cfg))

	authMW, err := authMiddleware(cfg)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.AuditContext())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Facility-ID", billing.IdempotencyKeyHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, billing.ReplayedHeader, "Retry-After"},
	}))

	e.GET("/health", db.LivenessHandler(cfg.Store))
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, cfg.DefaultFacility))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// auth runs before the facility middleware, which reads the token's
	// facility claim.
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	apiV1.Use(authMW)
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(facilityMW)

	billing.NewHandler(svc).RegisterRoutes(apiV1)
	pharmacy.NewHandler(ledger).RegisterRoutes(apiV1)

	return &app{echo: e, recorder: recorder, arena: arena, pool: pool}, nil
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	var validate echo.MiddlewareFunc
	if cfg.AuthSigningKey != "" || cfg.AuthJWKSURL != "" {
		validate = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(validate), nil
	}
	if validate == nil {
		return nil, errors.New("no token validation configured")
	}
	return validate, nil
}

func policyFromConfig(cfg *config.Config) billing.Policy {
	return billing.Policy{
		Overpayment: billing.OverpaymentPolicy(cfg.OverpaymentPolicy),
		Pricing:     billing.PricingPolicy(cfg.PricingPolicy),
	}
}

type catalogRecord struct {
	ID        uuid.UUID        `json:"id"`
	Type      catalog.ItemType `json:"item_type"`
	Name      string           `json:"name"`
	UnitPrice decimal.Decimal  `json:"unit_price"`
	Active    *bool            `json:"active"`
}

// loadCatalog reads a JSON array of catalog entries. Entries are active
// unless they say otherwise.
func loadCatalog(path string) ([]catalog.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var records []catalogRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	entries := make([]catalog.Entry, 0, len(records))
	for i, r := range records {
		switch {
		case !r.Type.Valid():
			return nil, fmt.Errorf("catalog entry %d: unknown item_type %q", i, r.Type)
		case r.Name == "":
			return nil, fmt.Errorf("catalog entry %d: name is required", i)
		case r.UnitPrice.IsNegative():
			return nil, fmt.Errorf("catalog entry %d: unit_price must not be negative", i)
		}
		active := r.Active == nil || *r.Active
		entries = append(entries, catalog.Entry{ID: r.ID, Type: r.Type, Name: r.Name, UnitPrice: r.UnitPrice, Active: active})
	}
	return entries, nil
}

func runServer(ctx context.Context, catalogFile string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	var seed []catalog.Entry
	if catalogFile != "" {
		if seed, err = loadCatalog(catalogFile); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, seed)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	// The recorder outlives the listener so events from in-flight requests
	// are still delivered during shutdown.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.recorder.Run(recCtx) })
	g.Go(func() error { return a.arena.RunPurger(gctx, purgeInterval, logger) })
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Str("env", cfg.Env).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := a.echo.Shutdown(shutdownCtx)
		stopRecorder()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Int64("audit_dropped", a.recorder.Dropped()).Msg("server stopped")
	return nil
}
