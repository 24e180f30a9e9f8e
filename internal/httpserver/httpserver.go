package httpserver

import (
	"context"
	"net/http"
	"time"

	"log/slog"

	"github.com/zhangzhuoran997997/OnlineChat/internal/storage"
	"github.com/zhangzhuoran997997/OnlineChat/internal/ws"
)

// Store is the persistence surface the HTTP layer depends on. The realtime
// layer carries its own, wider interface.
type Store interface {
	Ready(ctx context.Context) error

	CreateUser(ctx context.Context, username, passwordHash, nickname, firstName, lastName, email string, nowMs int64) (storage.UserRow, error)
	GetUserByID(ctx context.Context, userID string) (storage.UserRow, error)
	GetUserByUsername(ctx context.Context, username string) (storage.UserRow, error)
	TouchLastLogin(ctx context.Context, userID string, nowMs int64) error

	CreateAuthToken(ctx context.Context, userID string, nowMs, expiresAtMs int64) (storage.AuthTokenRow, error)
	ValidateToken(ctx context.Context, token string, nowMs int64) (storage.AuthTokenRow, error)
	DeleteToken(ctx context.Context, token string) error
}

// Options carries the handler knobs that come from config.
type Options struct {
	UploadDir          string
	SessionTTL         time.Duration
	SessionRememberTTL time.Duration
}

func NewHandler(logger *slog.Logger, store Store, hub *ws.Manager, opts Options) http.Handler {
	mux := http.NewServeMux()
	api := newAPI(logger, store, hub, opts)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := store.Ready(r.Context()); err != nil {
			logger.Warn("ready check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("/ws", hub.Handler())
	mux.HandleFunc("/api/register", api.handleRegister)
	mux.HandleFunc("/api/login", api.handleLogin)
	mux.HandleFunc("/api/logout", api.handleLogout)

	// Serve uploaded files
	if opts.UploadDir != "" {
		fs := http.FileServer(http.Dir(opts.UploadDir))
		mux.Handle("/uploads/", http.StripPrefix("/uploads/", fs))
	}

	return chain(
		mux,
		recoverMiddleware(logger),
		requestLogMiddleware(logger),
		corsMiddleware(),
	)
}
