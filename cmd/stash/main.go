package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"stash/internal/config"
	"stash/internal/s3"
	"stash/internal/upload"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

func Run(ctx context.Context) error {

	listen := flag.String("listen", "8000", "HTTP listen port")
	uploadDir := flag.String("upload-dir", "./data/upload", "directory for staged chunks and merged files")
	transferTimeout := flag.Duration("transfer-timeout", 5*time.Minute, "timeout for a single backend transfer")
	sessionTTL := flag.Duration("session-ttl", 24*time.Hour, "age after which abandoned upload sessions are reaped")
	reapInterval := flag.Duration("reap-interval", time.Hour, "how often to sweep for abandoned sessions")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	// Ensure the upload directory is absolute for easier debugging.
	absUploadDir, err := filepath.Abs(*uploadDir)
	if err != nil {
		return fmt.Errorf("failed to resolve upload directory: %w", err)
	}

	client := s3.NewClient(s3.Config{
		Endpoint:        cfg.Endpoint,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})

	manager, err := upload.NewManager(ctx, upload.Config{
		UploadDir:       absUploadDir,
		Bucket:          cfg.Bucket,
		KeyPrefix:       cfg.KeyPrefix,
		TransferTimeout: *transferTimeout,
	}, client)
	if err != nil {
		return fmt.Errorf("failed to create upload manager: %w", err)
	}
	defer manager.Close()

	server := upload.NewServer(manager)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listen),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      *transferTimeout + 30*time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		ticker := time.NewTicker(*reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n, err := manager.ReapExpired(ctx, *sessionTTL); err != nil {
					slog.Error("Session reap failed", "err", err)
				} else if n > 0 {
					slog.Info("Reaped abandoned sessions", "count", n)
				}
			}
		}
	})

	eg.Go(func() error {
		slog.Info("Starting Stash HTTP server", "port", *listen, "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	slog.Info("Stash started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Stash exited with error", "error", err)
	}
}
