package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vendaflow/api/internal/app"
	"vendaflow/api/internal/config"
	"vendaflow/api/internal/email"
	"vendaflow/api/internal/export"
	"vendaflow/api/internal/gitrepo"
	"vendaflow/api/internal/push"
	"vendaflow/api/internal/realtime"
	"vendaflow/api/internal/scheduler"
	"vendaflow/api/internal/search"
	"vendaflow/api/internal/session"
	"vendaflow/api/internal/storage"
	"vendaflow/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	hub := realtime.NewHub()
	deps := app.Deps{
		Hub:      hub,
		History:  gitrepo.New(cfg.ReposDir),
		Exporter: export.NewService(),
		Push:     push.NewNotifier(ctx, cfg.FirebaseCredentialsFile),
		Email: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	deps.Search = searchService
	go searchService.ReindexAllFromPG(ctx, pgfts)

	// Redis holds refresh sessions and fans realtime changes out across instances.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for sessions and realtime fan-out")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore

		bridge := realtime.NewBridge(redisStore.Client(), hub)
		deps.Publisher = bridge
		go func() {
			if err := bridge.Run(ctx, nil); err != nil && ctx.Err() == nil {
				log.Printf("realtime bridge stopped: %v", err)
			}
		}()
	} else {
		log.Printf("Using PostgreSQL for sessions; realtime stays in-process")
	}

	var files *storage.MinIO
	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		files, err = storage.New(storage.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatalf("minio client failed: %v", err)
		}
		if err := files.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: attachments bucket unavailable: %v", err)
		}
		deps.Files = files
	} else {
		log.Printf("MINIO_ENDPOINT not set; attachments disabled")
	}

	service := app.New(cfg, dataStore, deps)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("unknown timezone %q, using UTC: %v", cfg.Timezone, err)
		loc = time.UTC
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = hub
	}
	jobs := scheduler.New(loc)
	sweeper := scheduler.NewAutoDeleteSweeper(dataStore, publisher, searchService)
	if files != nil {
		sweeper.RemoveObjectsWith(files)
	}
	if _, err := jobs.Every(time.Duration(cfg.AutoDeleteIntervalSeconds)*time.Second, sweeper.Job()); err != nil {
		log.Fatalf("schedule auto-delete sweep: %v", err)
	}
	jobs.Start()
	defer jobs.Stop()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("VendaFlow API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
