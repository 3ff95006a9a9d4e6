package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/relayvox/relayvox/config"
	"github.com/relayvox/relayvox/internal/api/handlers"
	"github.com/relayvox/relayvox/internal/api/middleware"
	"github.com/relayvox/relayvox/internal/api/routes"
	"github.com/relayvox/relayvox/internal/cache"
	"github.com/relayvox/relayvox/internal/logger"
	"github.com/relayvox/relayvox/internal/models"
	"github.com/relayvox/relayvox/internal/providers/llm"
	"github.com/relayvox/relayvox/internal/relay"
	mongorepo "github.com/relayvox/relayvox/internal/repositories/mongo"
	pgrepo "github.com/relayvox/relayvox/internal/repositories/postgres"
	"github.com/relayvox/relayvox/internal/safety"
	"github.com/relayvox/relayvox/internal/services"
	"github.com/relayvox/relayvox/internal/workers"
)

func main() {
	_ = godotenv.Load()

	l := logger.New()

	if err := config.InitMongo(); err != nil {
		log.Fatalf("MongoDB init error: %v", err)
	}
	l.Info("MongoDB connected")
	if err := config.EnsureMongoIndexes(); err != nil {
		log.Fatalf("MongoDB index error: %v", err)
	}

	if err := config.InitPostgres(); err != nil {
		log.Fatalf("PostgreSQL init error: %v", err)
	}
	l.Info("PostgreSQL connected")
	if err := config.PostgresDB.AutoMigrate(&models.TranscriptRow{}); err != nil {
		log.Fatalf("PostgreSQL migrate error: %v", err)
	}

	if err := config.InitRedis(); err != nil {
		log.Fatalf("Redis init error: %v", err)
	}
	l.Info("Redis connected")

	ctx := context.Background()

	corrector, err := llm.NewVertexGemini(ctx,
		os.Getenv("VERTEX_PROJECT_ID"),
		os.Getenv("VERTEX_LOCATION"),
		os.Getenv("VERTEX_MODEL"),
	)
	if err != nil {
		log.Fatalf("Vertex init error: %v", err)
	}
	defer corrector.Close()

	records := mongorepo.NewCallRecordRepo(config.MongoDatabase())
	transcripts := pgrepo.NewTranscriptRepo(config.PostgresDB)
	redisCache := cache.NewRedisCache(config.RedisClient)

	calls := services.NewCallService(services.CallServiceConfig{
		Engines: services.EngineSettings{
			URL:    os.Getenv("ENGINE_WS_URL"),
			APIKey: os.Getenv("ENGINE_API_KEY"),
			Model:  os.Getenv("ENGINE_MODEL"),
			VoiceA: os.Getenv("ENGINE_VOICE_A"),
			VoiceB: os.Getenv("ENGINE_VOICE_B"),
		},
		Bridge: relay.BridgeConfig{
			Greeting: relay.GreetingConfig{
				Text: os.Getenv("GREETING_TEXT"),
			},
			MaxDuration: envDuration("CALL_MAX_DURATION", 0),
			IdleTimeout: envDuration("CALL_IDLE_TIMEOUT", 0),
		},
		Safety: safety.Config{
			Enabled:         os.Getenv("SAFETY_DISABLED") != "true",
			SubstituteTier2: os.Getenv("SAFETY_SUBSTITUTE_TIER2") == "true",
		},
	}, config.RedisClient, redisCache, records, corrector, relay.DefaultDial(l.WithField("component", "engine")), l)

	pool := &workers.RecordWorkerPool{
		Redis:       config.RedisClient,
		Records:     records,
		Transcripts: transcripts,
		NumWorkers:  envInt("RECORD_WORKERS", 2),
		Logger:      l,
		Stream:      services.FinalizeStream,
	}
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("record worker start error: %v", err)
	}

	r := gin.Default()
	r.Use(middleware.RequestLogger(l))

	routes.RegisterRoutes(r, routes.Deps{
		Call:      handlers.NewCallHandler(calls),
		ClientWS:  handlers.NewClientWSHandler(calls, config.RedisClient),
		Telephony: handlers.NewTelephonyWSHandler(calls, l),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
