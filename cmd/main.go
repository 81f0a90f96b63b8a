/**
 * @description
 * This is the main entry point for the billing service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * application service, the cron scheduler, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/computeclient, pkg/mpesa, pkg/objectstore, pkg/secrets: External API clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/CarltonK/blackpaw-admin/internal/api"
	"github.com/CarltonK/blackpaw-admin/internal/app"
	"github.com/CarltonK/blackpaw-admin/internal/config"
	"github.com/CarltonK/blackpaw-admin/internal/store"
	"github.com/CarltonK/blackpaw-admin/pkg/computeclient"
	"github.com/CarltonK/blackpaw-admin/pkg/mpesa"
	"github.com/CarltonK/blackpaw-admin/pkg/objectstore"
	rmrabbit "github.com/CarltonK/blackpaw-admin/pkg/rabbitmq"
	"github.com/CarltonK/blackpaw-admin/pkg/secrets"
)

func main() {
	// Load a local .env when present; real deployments inject environment directly.
	_ = godotenv.Load()

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting billing-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish reminder events. The broker
	// being down degrades reminders, it must not block payments or the sweep.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Credential caches over the secret store: one named bundle per provider.
	secretSource := secrets.NewClient(cfg.SecretStoreURL, cfg.SecretStoreAPIKey)
	computeCreds := secrets.NewCache(secretSource, "contabo")
	gatewayCreds := secrets.NewCache(secretSource, "mpesa")

	// Initialize the external API clients.
	scriptStore := objectstore.NewClient(cfg.ObjectStoreURL)
	computeClient := computeclient.NewClient(computeclient.Config{
		AuthURL:      cfg.ComputeAuthURL,
		APIBaseURL:   cfg.ComputeAPIBaseURL,
		ImageID:      cfg.ComputeImageID,
		ProductID:    cfg.ComputeProductID,
		Region:       cfg.ComputeRegion,
		ScriptBucket: cfg.CloudInitBucket,
		ScriptPath:   cfg.CloudInitPath,
	}, computeCreds, scriptStore)
	mpesaClient := mpesa.NewClient(gatewayCreds)

	var redisClient *redis.Client
	if cfg.STKPushRateLimitPerHour > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; stk push rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; stk push rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; stk push rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	billingService := app.NewService(repository, mpesaClient, computeClient, producer, cfg.BillingCycleDays)

	// Initialize the nightly billing sweep and its cron scheduler.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reconciler := app.NewReconciler(repository, computeClient, producer, logger)
	scheduler := app.NewScheduler(reconciler, logger, cfg.SweepSchedule)
	scheduler.Start()

	// Initialize the API handlers.
	var limiter api.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisSTKPushRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}
	billingHandlers := api.NewBillingHandlers(billingService, limiter, cfg.STKPushRateLimitPerHour)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.BillingRoutes(billingHandlers, cfg.InternalAPIKey, cfg.DashboardOrigin))

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	// Let an in-flight sweep finish before the process exits.
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
