package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/zhangzhuoran997997/OnlineChat/internal/config"
	"github.com/zhangzhuoran997997/OnlineChat/internal/httpserver"
	"github.com/zhangzhuoran997997/OnlineChat/internal/logging"
	"github.com/zhangzhuoran997997/OnlineChat/internal/storage"
	"github.com/zhangzhuoran997997/OnlineChat/internal/upload"
	"github.com/zhangzhuoran997997/OnlineChat/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("log init error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Info("starting", "httpAddr", cfg.HTTPAddr, "database", storage.RedactedDatabaseURL(cfg.DatabaseURL))

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	tokenValidator := &storeTokenValidator{store: store}
	images := upload.New(cfg.UploadDir)
	hub := ws.NewManager(logger, tokenValidator, store, images)
	handler := httpserver.NewHandler(logger, store, hub, httpserver.Options{
		UploadDir:          cfg.UploadDir,
		SessionTTL:         cfg.SessionTTL,
		SessionRememberTTL: cfg.SessionRememberTTL,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logging.StdLogger(logger),
	}

	go sweepExpiredTokens(ctx, store, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("listening", "httpAddr", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	}

	hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	if err := store.Close(); err != nil {
		logger.Error("db close error", "error", err)
	}

	logger.Info("stopped")
}

// sweepExpiredTokens clears expired sessions once an hour. Validation already
// rejects them lazily, the sweep just keeps the table from growing.
func sweepExpiredTokens(ctx context.Context, store *storage.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CleanExpiredTokens(ctx, time.Now().UnixMilli())
			if err != nil {
				logger.Warn("token sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired tokens cleaned", "count", n)
			}
		}
	}
}

type storeTokenValidator struct {
	store *storage.Store
}

func (v *storeTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	nowMs := time.Now().UnixMilli()
	authToken, err := v.store.ValidateToken(ctx, token, nowMs)
	if err != nil {
		return "", err
	}
	return authToken.UserID, nil
}
