package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/twende-pay/twende_pay/internal/config"
	"github.com/twende-pay/twende_pay/internal/fareintent"
	"github.com/twende-pay/twende_pay/internal/fees"
	"github.com/twende-pay/twende_pay/internal/inbound"
	"github.com/twende-pay/twende_pay/internal/ledger"
	"github.com/twende-pay/twende_pay/internal/metrics"
	"github.com/twende-pay/twende_pay/internal/middleware"
	"github.com/twende-pay/twende_pay/internal/mpesa"
	"github.com/twende-pay/twende_pay/internal/notification"
	"github.com/twende-pay/twende_pay/internal/payout"
	"github.com/twende-pay/twende_pay/internal/pin"
	"github.com/twende-pay/twende_pay/internal/settlement"
	"github.com/twende-pay/twende_pay/internal/ussd"
	"github.com/twende-pay/twende_pay/internal/wallet"
	"github.com/twende-pay/twende_pay/internal/withdrawal"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Registry *prometheus.Registry
	// Provider overrides the Daraja client, mainly in tests.
	Provider Provider
}

// Provider is the subset of the Daraja client the services call.
type Provider interface {
	fareintent.Pusher
	payout.Provider
}

// Services holds the wired domain services. Background workers read from
// it as well as the HTTP handlers.
type Services struct {
	Registry    *prometheus.Registry
	Store       ledger.Store
	Metrics     *metrics.Metrics
	FeeRules    fees.Repository
	FeeCache    *fees.CachedRepository
	Settlement  *settlement.Service
	Inbound     *inbound.Handler
	Intents     *fareintent.Service
	Pins        *pin.Service
	Withdrawals *withdrawal.Service
	Payouts     *payout.ResultHandler
	Worker      *payout.Worker
	Wallets     *wallet.Service
	USSD        *ussd.Machine
}

// Build wires every service. Without a database or cache, as allowed in
// development, in-memory stores stand in.
func Build(d Deps) (*Services, error) {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	m := metrics.New(d.Registry)
	notifier := notification.NewLoggerNotifier(d.Logger)

	provider := d.Provider
	if provider == nil {
		client, err := newDarajaClient(d.Cfg, m)
		if err != nil {
			return nil, err
		}
		provider = client
	}

	var (
		store       ledger.Store
		ruleRepo    fees.Repository
		rawRepo     inbound.Repository
		intentRepo  fareintent.Repository
		pinRepo     pin.Repository
		payoutsRepo withdrawal.Repository
	)
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
		ruleRepo = fees.NewPostgresRepository(d.DB)
		rawRepo = inbound.NewPostgresRepository(d.DB)
		intentRepo = fareintent.NewPostgresRepository(d.DB)
		pinRepo = pin.NewPostgresRepository(d.DB)
		payoutsRepo = withdrawal.NewPostgresRepository(d.DB)
	} else {
		store = ledger.NewInMemory()
		ruleRepo = fees.NewMemoryRepository()
		rawRepo = inbound.NewMemoryRepository()
		intentRepo = fareintent.NewMemoryRepository()
		pinRepo = pin.NewMemoryRepository()
		payoutsRepo = withdrawal.NewMemoryRepository(store)
	}

	s := &Services{Registry: d.Registry, Store: store, Metrics: m, FeeRules: ruleRepo}

	var (
		limiter pin.Limiter
		queue   *payout.StreamQueue
		enqueue withdrawal.Enqueuer
	)
	if d.Cache != nil {
		s.FeeCache = fees.NewCachedRepository(ruleRepo, d.Cache, d.Cfg.FeeCache, d.Logger)
		s.FeeRules = s.FeeCache
		limiter = pin.NewRedisLimiter(d.Cache, d.Cfg.PinMaxFailures, d.Cfg.PinLockWindow)
		queue = payout.NewStreamQueue(d.Cache, payout.StreamOptions{Stream: d.Cfg.Payout.Stream, Group: d.Cfg.Payout.Group})
		enqueue = queue
	}

	s.Settlement = settlement.NewService(store, fees.NewResolver(s.FeeRules, d.Logger), m, d.Logger)
	s.Intents = fareintent.NewService(intentRepo, provider, d.Cfg.Mpesa.STKTimeout, d.Logger)
	s.Inbound = inbound.NewHandler(rawRepo, s.Settlement, s.Intents, store, m, notifier, d.Logger)
	s.Pins = pin.NewService(pinRepo, limiter, d.Logger)
	s.Withdrawals = withdrawal.NewService(payoutsRepo, store, enqueue, withdrawal.Limits{
		Min: d.Cfg.USSD.WithdrawMin,
		Max: d.Cfg.USSD.WithdrawMax,
	}, m, d.Logger)
	s.Payouts = payout.NewResultHandler(payoutsRepo, m, notifier, d.Logger)
	dispatcher := payout.NewDispatcher(payoutsRepo, provider, payout.DispatchOptions{
		MaxAttempts:     d.Cfg.Payout.MaxAttempts,
		BaseBackoff:     d.Cfg.Payout.BaseBackoff,
		MaxBackoff:      d.Cfg.Payout.MaxBackoff,
		Lease:           d.Cfg.Payout.Lease,
		ProviderTimeout: d.Cfg.Mpesa.Timeout,
	}, m, notifier, d.Logger)
	s.Worker = payout.NewWorker(queue, dispatcher, payout.WorkerOptions{
		SweepInterval: d.Cfg.Payout.SweepInterval,
		SweepBatch:    d.Cfg.Payout.SweepBatch,
	}, d.Logger)
	s.Wallets = wallet.NewService(store, s.Pins, d.Logger)
	s.USSD = ussd.NewMachine(store, s.Pins, s.Intents, s.Withdrawals, ussd.Limits{
		FareMin:     d.Cfg.USSD.FareMin,
		FareMax:     d.Cfg.USSD.FareMax,
		WithdrawMin: d.Cfg.USSD.WithdrawMin,
		WithdrawMax: d.Cfg.USSD.WithdrawMax,
	}, m, d.Logger)
	return s, nil
}

func newDarajaClient(cfg config.Config, m *metrics.Metrics) (*mpesa.Client, error) {
	credential := cfg.Mpesa.SecurityCredential
	if credential == "" && cfg.Mpesa.CertPath != "" {
		c, err := mpesa.SecurityCredentialFromFile(cfg.Mpesa.CertPath, cfg.Mpesa.InitiatorPassword)
		if err != nil {
			return nil, fmt.Errorf("mpesa security credential: %w", err)
		}
		credential = c
	}
	baseURL := cfg.Mpesa.BaseURL
	if baseURL == "" {
		baseURL = mpesa.BaseURLFor(cfg.Mpesa.Environment)
	}
	return mpesa.NewClient(mpesa.Config{
		BaseURL:            baseURL,
		ConsumerKey:        cfg.Mpesa.ConsumerKey,
		ConsumerSecret:     cfg.Mpesa.ConsumerSecret,
		ShortCode:          cfg.Mpesa.ShortCode,
		Passkey:            cfg.Mpesa.Passkey,
		PayoutShortCode:    cfg.Mpesa.PayoutShortCode,
		InitiatorName:      cfg.Mpesa.InitiatorName,
		SecurityCredential: credential,
		CallbackBaseURL:    cfg.Mpesa.CallbackBaseURL,
		CallbackSecret:     cfg.CallbackSecret,
		Timeout:            cfg.Mpesa.Timeout,
	}, m), nil
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps, s *Services) error {
	if s == nil {
		return fmt.Errorf("services are required")
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	RegisterMetricsRoute(app, s.Registry)

	RegisterUSSDRoutes(app, ussd.NewHandler(s.USSD, d.Logger), d.Cache, d.Cfg.USSD.RequestsPerMinute)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterCallbackRoutes(api, s, d.Cfg.CallbackSecret, d.Logger)

	admin := api.Group("/admin", middleware.AdminKey(d.Cfg.AdminAPIKey, d.Logger))
	if d.Cache != nil {
		admin.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterWalletRoutes(admin, wallet.NewHandler(s.Wallets))
	RegisterWithdrawalRoutes(admin, withdrawal.NewHandler(s.Withdrawals))
	RegisterFeeRoutes(admin, s, d.Logger)
	return nil
}

// RunWorkers runs the payout workers and the inbound reconciler until ctx is
// cancelled.
func RunWorkers(ctx context.Context, cfg config.Config, s *Services, logger *slog.Logger) {
	done := make(chan struct{})
	consumers := cfg.Payout.Consumers
	if consumers <= 0 {
		consumers = 1
	}
	for i := 0; i < consumers; i++ {
		name := payout.ConsumerName(cfg.InstanceID, i)
		go func() {
			defer func() { done <- struct{}{} }()
			s.Worker.Run(ctx, name)
		}()
	}
	go func() {
		defer func() { done <- struct{}{} }()
		s.Inbound.RunReconciler(ctx, cfg.ReconcileInterval, cfg.ReconcileAge, 100)
	}()
	logger.Info("background workers started", slog.Int("payout_consumers", consumers))
	for i := 0; i < consumers+1; i++ {
		<-done
	}
	logger.Info("background workers stopped")
}
