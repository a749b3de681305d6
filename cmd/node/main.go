package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fednode-backend/cmd"
	"fednode-backend/internal/api"
	"fednode-backend/internal/central"
	"fednode-backend/internal/database"
	"fednode-backend/internal/fl"
	"fednode-backend/internal/metrics"
	"fednode-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type NodeConfig struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"data/fednode.db"`
	APIPort     string `env:"API_PORT" envDefault:"8090"`

	CentralBaseURL  string `env:"CENTRAL_BASE_URL,notEmpty,required"`
	CentralUsername string `env:"CENTRAL_USERNAME,notEmpty,required"`
	CentralPassword string `env:"CENTRAL_PASSWORD,notEmpty,required"`

	MinBatch     int           `env:"FL_MIN_BATCH" envDefault:"10"`
	TickInterval time.Duration `env:"FL_TICK" envDefault:"15s"`
	MaxAttempts  int           `env:"FL_MAX_ATTEMPTS" envDefault:"5"`
	ModelArch    string        `env:"FL_MODEL_ARCH" envDefault:"tv_effnet_b3"`
	SdKeysHash   string        `env:"FL_SD_KEYS_HASH" envDefault:"v1"`

	PythonBin    string        `env:"FL_PYTHON" envDefault:"python"`
	TrainScript  string        `env:"FL_TRAIN_SCRIPT,notEmpty,required"`
	TrainTimeout time.Duration `env:"FL_TRAIN_TIMEOUT" envDefault:"30m"`

	TmpDir        string `env:"FL_TMP_DIR" envDefault:"data/runs"`
	ModelCacheDir string `env:"FL_MODEL_CACHE_DIR" envDefault:"data/models"`
	UploadBucket  string `env:"UPLOAD_BUCKET_NAME" envDefault:"samples"`

	StorageType       string `env:"STORAGE_TYPE" envDefault:"local"`
	LocalStorageDir   string `env:"LOCAL_STORAGE_DIR" envDefault:"data/storage"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
}

func main() {
	log.Println("Starting hospital node...")

	cmd.LoadEnvFile()

	var cfg NodeConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Claims can only be live while their run's process is alive, so any
	// CLAIMED row at startup was stranded by a crash.
	if _, err := database.RequeueOrphanedClaims(ctx, db); err != nil {
		log.Fatalf("Failed to recover orphaned claims: %v", err)
	}

	var store storage.Provider
	switch cfg.StorageType {
	case "local":
		store, err = storage.NewLocalProvider(cfg.LocalStorageDir)
		if err != nil {
			log.Fatalf("Failed to create local storage provider: %v", err)
		}
	case "s3":
		store, err = storage.NewS3Provider(&storage.S3ProviderConfig{
			S3EndpointURL:     cfg.S3EndpointURL,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
			S3Region:          cfg.S3Region,
		})
		if err != nil {
			log.Fatalf("Failed to create S3 storage provider: %v", err)
		}
	default:
		log.Fatalf("Unknown storage type %q", cfg.StorageType)
	}

	if err := store.CreateBucket(ctx, cfg.UploadBucket); err != nil {
		log.Fatalf("Failed to create upload bucket: %v", err)
	}

	centralClient := central.NewClient(cfg.CentralBaseURL, cfg.CentralUsername, cfg.CentralPassword)
	modelCache := fl.NewModelCache(centralClient, cfg.ModelCacheDir)

	trainer := &fl.SubprocessTrainer{
		PythonBin: cfg.PythonBin,
		Script:    cfg.TrainScript,
		Timeout:   cfg.TrainTimeout,
	}

	orchestrator := fl.NewOrchestrator(db, store, centralClient, modelCache, trainer, fl.OrchestratorConfig{
		MinBatch:     cfg.MinBatch,
		TickInterval: cfg.TickInterval,
		TmpDir:       cfg.TmpDir,
		ModelArch:    cfg.ModelArch,
		SdKeysHash:   cfg.SdKeysHash,
		MaxAttempts:  cfg.MaxAttempts,
		UploadBucket: cfg.UploadBucket,
	})

	go orchestrator.Start(ctx)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, store, orchestrator, cfg.UploadBucket)
	r.Route("/api/v1", apiHandler.AddRoutes)
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("Node API listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
