// Пакет server — HTTP-сервер Field Integrator с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/handlers"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/middleware"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/config"
)

// Routes — обработчики, монтируемые сервером.
type Routes struct {
	Health *handlers.HealthHandler
	// API, Auth и Validator заданы только при включённом admin API
	API       *handlers.APIHandler
	Auth      *middleware.JWTAuth
	Validator func(http.Handler) http.Handler
}

// Server — HTTP-сервер Field Integrator.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, routes Routes) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, routes),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты.
// Health и metrics проверяются Kubernetes напрямую, без JWT.
// /api/v1 монтируется, только если заданы API и Auth.
func NewRouter(logger *slog.Logger, routes Routes) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", routes.Health.HealthLive)
	router.Get("/health/ready", routes.Health.HealthReady)
	router.Get("/metrics", routes.Health.GetMetrics)

	if routes.API == nil || routes.Auth == nil {
		return router
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(routes.Auth.Middleware())
		if routes.Validator != nil {
			r.Use(routes.Validator)
		}
		routes.API.Routes(r)
	})
	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
