// Command stagegate runs the human-in-the-loop message gateway: the
// inbound pipeline, the reviewer control surface and all background
// workers in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stagegate.evalgo.org/api"
	"stagegate.evalgo.org/auth"
	"stagegate.evalgo.org/config"
	"stagegate.evalgo.org/db"
	"stagegate.evalgo.org/embedding"
	"stagegate.evalgo.org/memory"
	"stagegate.evalgo.org/pipeline"
	"stagegate.evalgo.org/protocol"
	"stagegate.evalgo.org/rag"
	"stagegate.evalgo.org/ratelimit"
	"stagegate.evalgo.org/review"
)

var version = "dev"

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)
	log.WithFields(logrus.Fields{
		"service":     cfg.Service.Name,
		"environment": cfg.Service.Environment,
		"version":     version,
	}).Info("starting stagegate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores.
	kv, err := db.NewKV(ctx, cfg.Redis.URL, cfg.Redis.OpTimeout)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}
	defer kv.Close()

	pg, err := db.NewPostgres(db.PostgresConfig{
		URL:          cfg.Postgres.URL,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		ConnLifetime: cfg.Postgres.ConnLifetime,
		OpTimeout:    cfg.Postgres.OpTimeout,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer pg.Close()

	var docs db.DocumentStore = db.NopDocumentStore{}
	if cfg.CouchDB.URL != "" {
		couch, err := db.NewCouchDB(ctx, cfg.CouchDB.URL, cfg.CouchDB.Database)
		if err != nil {
			log.WithError(err).Warn("document store unavailable, cold tier degraded to warm")
		} else {
			docs = couch
		}
	}

	// Embeddings and retrieval.
	embedder, tau := buildEmbedder(cfg)
	warm := memory.NewPostgresWarmStore(pg)
	memories := memory.NewManager(kv, warm, docs, embedder, log)
	builder := rag.NewBuilder(embedder, docs, warm, memories, tau, log)
	builder.SetBounds(cfg.RAG.TopK, cfg.RAG.SummaryLimit)

	// Domain services.
	tokens := auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.AccessTokenExpiry, cfg.Security.RefreshTokenExpiry)
	authSvc := auth.NewService(pg, tokens, cfg.Security.MaxSessionsPerUser, log)
	reviews := review.NewStore(pg, log)
	proto := protocol.NewManager(pg, kv, cfg.Protocol.CostPerMessage, log)
	proto.SetRetention(cfg.Protocol.MessageTTL, cfg.Protocol.SweepInterval)

	rules := ratelimit.NewRuleSource(cfg.RateLimit.File, log)
	limiter := ratelimit.NewLimiter(kv, rules, log)
	monitor := ratelimit.NewMonitor(kv, log)

	// Pipeline.
	var transport pipeline.Transport = logTransport{log: log.WithField("component", "transport")}
	if cfg.AMQP.URL != "" {
		amqpTransport, err := pipeline.NewAMQPTransport(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to rabbitmq")
		}
		transport = amqpTransport
	}
	defer transport.Close()

	workers := cfg.Pipeline.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	creative := pipeline.NewHTTPProvider(cfg.Pipeline.CreativeURL, cfg.Pipeline.CreativeAPIKey, cfg.Pipeline.CreativeModel)
	refine := pipeline.NewHTTPProvider(cfg.Pipeline.RefineURL, cfg.Pipeline.RefineAPIKey, cfg.Pipeline.RefineModel)

	orchestrator := pipeline.New(pipeline.Config{
		Workers:      workers,
		LaneCapacity: cfg.Pipeline.LaneCapacity,
		Debounce:     cfg.Pipeline.DebounceWindow,
		BubbleDelay:  cfg.Pipeline.BubbleDelay,
		StepDeadline: cfg.Pipeline.StepDeadline,
		LaneIdle:     cfg.Pipeline.LaneIdleTimeout,
		StaleReview:  cfg.Pipeline.StaleReviewAge,
		Attempts:     cfg.Pipeline.GenerateAttempts,
	}, proto, builder, creative, refine, reviews, memories, transport, limiter, kv, log)
	orchestrator.Start(ctx)

	// Background workers.
	go proto.RunSweeper(ctx)
	go monitor.Run(ctx)
	go memories.RunConsolidator(ctx, warm, cfg.Memory.ConsolidationInterval)
	if cfg.AMQP.URL != "" {
		consumer := pipeline.NewInboundConsumer(cfg.AMQP.URL, cfg.AMQP.InboundQueue, orchestrator, log)
		go consumer.Run(ctx)
	}

	// Control surface.
	handlers := &api.Handlers{
		Config: api.Config{
			ServiceName:     cfg.Service.Name,
			Version:         version,
			FrontendURL:     cfg.Server.FrontendURL,
			DashboardAPIKey: cfg.Security.DashboardAPIKey,
		},
		Tokens:   tokens,
		Auth:     authSvc,
		Provider: api.NewStubProvider(kv, publicBaseURL(cfg)),
		Reviews:  reviews,
		Protocol: proto,
		Limiter:  limiter,
		Alerts:   monitor,
		Rules:    rules,
		Delivery: orchestrator,
		KV:       kv,
		PG:       pg,
		Log:      log,
	}
	rateLimitMW := ratelimit.Middleware(limiter, api.RateLimitIdentity(tokens, cfg.Security.DashboardAPIKey))
	e := api.NewServer(handlers, rateLimitMW)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		server := &http.Server{
			Addr:         addr,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		log.WithField("addr", addr).Info("control surface listening")
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown incomplete")
	}
	orchestrator.Stop()
	cancel()
	log.Info("stopped")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	return log
}

func buildEmbedder(cfg *config.Config) (embedding.Embedder, float64) {
	if cfg.Embed.UseLocal {
		local := embedding.NewLocal(cfg.Embed.Dimension)
		return embedding.NewCached(local, cfg.Embed.CacheSize), cfg.RAG.TauLocal
	}
	remote := embedding.NewRemote(cfg.Embed.RemoteURL, cfg.Embed.RemoteAPIKey, cfg.Embed.RemoteModel, cfg.Embed.Dimension)
	return embedding.NewCached(remote, cfg.Embed.CacheSize), cfg.RAG.TauRemote
}

func publicBaseURL(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// logTransport stands in for the broker in development: bubbles are
// logged instead of published.
type logTransport struct {
	log *logrus.Entry
}

func (t logTransport) Publish(msg pipeline.OutboundMessage) error {
	t.log.WithFields(logrus.Fields{
		"user_id":  msg.UserID,
		"sequence": msg.Sequence,
		"total":    msg.Total,
	}).Info(msg.Text)
	return nil
}

func (t logTransport) Close() error { return nil }
