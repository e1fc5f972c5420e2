package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"credit-bot/internal/db"
)

type Server struct {
	server *http.Server
}

// NewServer поднимает /health (с проверкой БД) и /metrics
func NewServer(addr string, repo *db.Repository, metricsHandler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: newMux(repo, metricsHandler),
		},
	}
}

func newMux(repo *db.Repository, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if repo != nil {
			sqlDB, err := repo.DB().DB()
			if err == nil {
				ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				err = sqlDB.PingContext(ctx)
				cancel()
			}
			if err != nil {
				slog.Error("Health check failed", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("DB UNAVAILABLE"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

func (s *Server) Start() error {
	slog.Info("Health HTTP сервер запущен", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
