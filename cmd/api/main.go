package main

import (
	"context"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheetwork/billing/auth"
	"github.com/sheetwork/billing/broker"
	"github.com/sheetwork/billing/company"
	"github.com/sheetwork/billing/db"
	"github.com/sheetwork/billing/external"
	"github.com/sheetwork/billing/gateway"
	"github.com/sheetwork/billing/health"
	"github.com/sheetwork/billing/payment"
	"github.com/sheetwork/billing/plan"
	"github.com/sheetwork/billing/subscription"
	"github.com/sheetwork/billing/usage"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	stripeClient := external.NewStripeClient(os.Getenv("STRIPE_KEY"))

	// Initialize backend connections
	db, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	amqpBroker, err := broker.NewAMQPBroker(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	// Initialize domain managers
	stripeGateway, err := gateway.NewStripeGateway(gateway.StripeGatewayOptions{
		StripeClient:  stripeClient,
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize StripeGateway",
			zap.Error(err),
		)
	}

	planCatalog, err := plan.NewCatalog(plan.CatalogOptions{
		StripeClient:   stripeClient,
		Logger:         logger,
		PathToPlanJSON: os.Getenv("PLANS_JSON_PATH"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize plan Catalog",
			zap.Error(err),
		)
	}

	companyManager, err := company.NewManager(company.ManagerOptions{
		DB:      db,
		Gateway: stripeGateway,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CompanyManager",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	usageManager, err := usage.NewManager(usage.ManagerOptions{
		DB:     db,
		Redis:  rdb,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize UsageManager",
			zap.Error(err),
		)
	}

	paymentManager, err := payment.NewManager(payment.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize PaymentManager",
			zap.Error(err),
		)
	}

	lifecycle, err := subscription.NewLifecycle(subscription.LifecycleOptions{
		SubscriptionManager: subscriptionManager,
		CompanyManager:      companyManager,
		Catalog:             planCatalog,
		Gateway:             stripeGateway,
		Usage:               usageManager,
		Publisher:           amqpBroker,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize subscription Lifecycle",
			zap.Error(err),
		)
	}

	orchestrator, err := payment.NewOrchestrator(payment.OrchestratorOptions{
		PaymentManager:      paymentManager,
		SubscriptionManager: subscriptionManager,
		CompanyManager:      companyManager,
		Catalog:             planCatalog,
		Gateway:             stripeGateway,
		Publisher:           amqpBroker,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize payment Orchestrator",
			zap.Error(err),
		)
	}
	lifecycle.SetPaymentInitiator(orchestrator)

	reconciler, err := payment.NewReconciler(payment.ReconcilerOptions{
		PaymentManager:      paymentManager,
		SubscriptionManager: subscriptionManager,
		Orchestrator:        orchestrator,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize webhook Reconciler",
			zap.Error(err),
		)
	}

	// Initialize HTTP services
	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
		Environment:   authEnvironment,
	})
	if err != nil {
		logger.Fatal("Cannot initialize AuthManager",
			zap.Error(err),
		)
	}

	planService, err := plan.NewService(plan.ServiceOptions{
		Catalog: planCatalog,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize plan Service",
			zap.Error(err),
		)
	}

	subscriptionService, err := subscription.NewService(subscription.ServiceOptions{
		Lifecycle: lifecycle,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize subscription Service",
			zap.Error(err),
		)
	}

	paymentService, err := payment.NewService(payment.ServiceOptions{
		Orchestrator: orchestrator,
		Reconciler:   reconciler,
		Gateway:      stripeGateway,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize payment Service",
			zap.Error(err),
		)
	}

	monitor, err := health.NewMonitor(health.MonitorOptions{
		DB:     db,
		Redis:  rdb,
		Broker: amqpBroker,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize health Monitor",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{os.Getenv("SITE_URL")},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// webhook authenticates via its signature, not a bearer token
	rootRouter.Post("/payments/webhook", paymentService.Webhook)
	rootRouter.Mount("/", monitor.Router())

	rootRouter.Group(func(r chi.Router) {
		r.Use(authManager.Middleware())
		r.Use(authManager.ClaimCheck())
		r.Mount("/plans", planService.Router())
		r.Mount("/subscriptions", subscriptionService.Router())
		r.Mount("/payments", paymentService.Router())
	})

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    os.Getenv("API_ADDR"),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Cannot start API server",
				zap.Error(err),
			)
		}
	}()

	logger.Info("API started",
		zap.String("Addr", srv.Addr),
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Cannot shutdown API server gracefully",
			zap.Error(err),
		)
	}
}
