package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"harvester/internal/config"
	"harvester/internal/core/extraction"
	"harvester/internal/core/job"
	"harvester/internal/health"
	"harvester/internal/logger"
	rds "harvester/internal/platform/redis"
	tasks "harvester/internal/platform/tasks"
	"harvester/internal/scraper/session"
	"harvester/internal/server"
	"harvester/internal/storage"
	"harvester/internal/storage/supabase"
	"harvester/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log.Printf("[harvester] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	logr := logger.New("main")
	ctx := context.Background()

	// Redis client
	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	sink, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	if sink != nil {
		defer sink.Close()
	}

	var archive extraction.AttachmentArchive
	if cfg.SupabaseURL != "" {
		a, err := supabase.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseBucket, nil)
		if err != nil {
			log.Fatalf("attachment archive: %v", err)
		}
		archive = a
	}

	sessions, err := session.Factory(cfg, logger.New("Scraper"))
	if err != nil {
		log.Fatalf("scraper: %v", err)
	}

	// Core services
	jobSvc := job.NewJobService(redisSvc)
	ctrl := extraction.NewController(extraction.Deps{
		Sessions:    sessions,
		Sink:        sink,
		Archive:     archive,
		Checkpoints: jobSvc,
		Log:         logger.New("Extraction"),
	})
	detach := jobSvc.Attach(ctrl)
	defer detach()

	var webhook *job.WebhookNotifier
	detachWebhook := func() {}
	if cfg.WebhookURL != "" {
		webhook = job.NewWebhookNotifier(cfg.WebhookURL, cfg.SystemAuthSecret)
		detachWebhook = webhook.Attach(ctrl)
	}

	// Asynq client and server. One controller runs one job, so a second
	// queued job stays pending until the worker slot frees up.
	taskClient := tasks.New(redisSvc)
	defer taskClient.Close()
	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{"default": 1},
		ShutdownTimeout: 10 * time.Second,
	})

	mux := worker.NewMux()
	mux.HandleFunc(tasks.TaskTypeExtractionStart, ctrl.HandleStartTask)
	if err := asynqServer.Start(mux.Mux()); err != nil {
		log.Fatalf("start worker: %v", err)
	}

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName: "Harvester",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	// served under /files; DATA_DIR itself may hold the sqlite database
	exportDir := filepath.Join(cfg.DataDir, "exports")

	checks := map[string]health.Check{"redis": redisSvc.HealthCheck}
	if sink != nil {
		checks["storage"] = sink.Ping
	}
	healthHandler := server.RegisterRoutes(app, server.Dependencies{
		Extraction: ctrl,
		Handler: extraction.HandlerOptions{
			Defaults:       cfg.Extraction,
			TaskMaxRetries: cfg.TaskMaxRetries,
			ExportDir:      exportDir,
			Tasks:          taskClient,
			Snapshots:      jobSvc,
			RemoteEvents: func(ctx context.Context, jobID string) (<-chan []byte, error) {
				return redisSvc.Subscribe(ctx, job.EventsChannel(jobID))
			},
		},
		Checks: checks,
	})
	healthHandler.SetReady()

	// Graceful shutdown. The worker goes first: asynq cancels the running
	// task, the handler stops the job at its next checkpoint and the task is
	// requeued, so the next process resumes from the redis checkpoint.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		asynqServer.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ctrl.Shutdown(sctx); err != nil {
			logr.LogWarnf("extraction did not stop cleanly: %v", err)
		}
		detachWebhook()
		if webhook != nil {
			webhook.Close()
		}
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}
