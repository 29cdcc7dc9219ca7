package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypto/tls"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"recycle-rewards-api/internal/cache"
	"recycle-rewards-api/internal/classifier"
	"recycle-rewards-api/internal/config"
	"recycle-rewards-api/internal/database"
	"recycle-rewards-api/internal/events"
	"recycle-rewards-api/internal/features"
	"recycle-rewards-api/internal/handler"
	"recycle-rewards-api/internal/middleware"
	"recycle-rewards-api/internal/service"
	tlsconfig "recycle-rewards-api/internal/tls"
	"recycle-rewards-api/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file")
	port := flag.String("port", "", "Server port (overrides config)")
	dbPath := flag.String("db", "", "Database file path (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Tracing
	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "recycle-rewards-api",
		Environment: cfg.Tracing.Environment,
	}); err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	// Feature flags
	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, cfg.Cache.Enabled, "snapshot cache layer")
	flags.Register(features.FeatureEventHooksEnabled, true, "async event hooks")
	flags.Register(features.FeatureServerSideClassify, cfg.Classifier.OracleURL != "", "server-side oracle calls")

	// Ledger store
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Snapshot cache: Redis when configured, in-memory otherwise
	var snapshotCache cache.Cache
	if flags.IsEnabled(features.FeatureCacheEnabled) {
		if cfg.Cache.RedisAddr != "" {
			redisCache, err := cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
			if err != nil {
				log.Fatalf("Failed to connect to Redis: %v", err)
			}
			defer redisCache.Close()
			snapshotCache = redisCache
		} else {
			snapshotCache = cache.NewInMemoryCache()
		}
	}

	// Event hooks: log every ledger mutation
	eventManager := events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled))
	defer eventManager.Shutdown()
	logEvent := func(ctx context.Context, e events.Event) error {
		log.Printf("event %s id=%s data=%+v", e.Type, e.ID, e.Data)
		return nil
	}
	eventManager.Subscribe(events.EventStudentRegistered, logEvent)
	eventManager.Subscribe(events.EventPointCredited, logEvent)
	eventManager.Subscribe(events.EventTicketClaimed, logEvent)
	eventManager.Subscribe(events.EventTicketsRedeemed, logEvent)

	// Classification oracle (optional; kiosks may supply predictions directly)
	var oracle classifier.Oracle
	if flags.IsEnabled(features.FeatureServerSideClassify) {
		oracle = classifier.NewHTTPOracle(
			cfg.Classifier.OracleURL,
			time.Duration(cfg.Classifier.TimeoutSeconds)*time.Second,
		)
	}

	svc := service.NewServiceWithOptions(db, service.Options{
		Policy: classifier.Policy{
			Allow: cfg.Classifier.AllowList(),
			Deny:  cfg.Classifier.DenyList(),
		},
		Oracle: oracle,
		Cache:  snapshotCache,
		Events: eventManager,
	})

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
	})

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer rateLimiter.Stop()
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	if cfg.Tracing.Enabled {
		r.Use(middleware.TracingMiddleware())
	}
	if rateLimiter != nil {
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.Security.AllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.AdminPasscodeHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Routes
	r.Route("/students", func(r chi.Router) {
		r.Post("/", h.RegisterStudent)
		r.Get("/{student_id}", h.GetStudent)
		r.Post("/{student_id}/captures", h.RecordCapture)
		r.Get("/{student_id}/claimable", h.GetClaimable)
		r.Post("/{student_id}/claims", h.ClaimTicket)
		r.Get("/{student_id}/history", h.ListHistory)

		// Teacher-only
		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminOnly(cfg.Security.AdminPasscode))
			r.Post("/{student_id}/redemptions", h.RedeemTickets)
			r.Get("/{student_id}/redemptions", h.ListRedemptions)
		})
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Configure TLS if enabled
	var tlsConfig *tls.Config
	if cfg.Server.EnableTLS {
		tlsConfig, err = tlsconfig.LoadTLSConfig(tlsconfig.Config{
			CertFile: cfg.Server.CertFile,
			KeyFile:  cfg.Server.KeyFile,
		})
		if err != nil {
			log.Fatalf("Failed to load TLS configuration: %v", err)
		}
		if cfg.Server.CertFile == "" || cfg.Server.KeyFile == "" {
			log.Println("WARNING: No certificate files provided, using self-signed certificate for development")
		}
	}

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	protocol := "HTTP"
	if cfg.Server.EnableTLS {
		protocol = "HTTPS"
	}
	log.Printf("Starting %s server on %s", protocol, addr)
	log.Printf("Database: %s", cfg.Database.Path)

	server := &http.Server{
		Addr:      addr,
		Handler:   r,
		TLSConfig: tlsConfig,
	}

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
	}()

	if cfg.Server.EnableTLS {
		if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			var listener net.Listener
			listener, err = tls.Listen("tcp", addr, tlsConfig)
			if err != nil {
				log.Fatalf("Failed to create TLS listener: %v", err)
			}
			err = server.Serve(listener)
		}
	} else {
		err = server.ListenAndServe()
	}

	if err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
