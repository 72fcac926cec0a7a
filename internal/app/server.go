package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/docbot/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/docbot/internal/api/middlewares"
	"github.com/markdave123-py/docbot/internal/config"
	"github.com/markdave123-py/docbot/internal/core/ingestion_engine"
	"github.com/markdave123-py/docbot/internal/metrics"
	"github.com/markdave123-py/docbot/internal/services"
)

// Deps are the services the HTTP layer is built from.
type Deps struct {
	Files      *services.FileService
	Chatbots   *services.ChatbotService
	Chat       *services.ChatService
	Dispatcher handlers.Verifier
	Ingestor   ingestion_engine.Ingestor
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewRouter builds and wires all routes. Streaming and long-running routes
// sit outside the request timeout.
func NewRouter(cfg *config.Config, d Deps) http.Handler {
	fileHandler := handlers.NewFileHandler(d.Files, cfg.MaxFileSize)
	ingestHandler := handlers.NewIngestHandler(d.Dispatcher, d.Ingestor, cfg.PublicBaseURL)
	chatbotHandler := handlers.NewChatbotHandler(d.Chatbots)
	chatHandler := handlers.NewChatHandler(d.Chat)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		// public endpoints
		api.Post("/ingest/callback", ingestHandler.Callback)
		api.Post("/public/chat/{shareToken}", chatHandler.PublicSend)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))
			protected.Post("/chatbots/{id}/chat", chatHandler.Send)
			protected.Get("/files/{id}/download", fileHandler.Download)
			protected.Post("/files/upload", fileHandler.Upload)

			protected.Group(func(timed chi.Router) {
				timed.Use(middleware.Timeout(60 * time.Second))

				timed.Post("/files/upload-url", fileHandler.CreateUploadURL)
				timed.Post("/files/finalize", fileHandler.Finalize)
				timed.Get("/files", fileHandler.List)
				timed.Get("/files/{id}", fileHandler.Get)
				timed.Post("/files/{id}/retry", fileHandler.Retry)
				timed.Delete("/files/{id}", fileHandler.Delete)

				timed.Post("/chatbots", chatbotHandler.Create)
				timed.Get("/chatbots/{id}", chatbotHandler.Get)
				timed.Get("/chatbots/{id}/files", chatbotHandler.ListFiles)
				timed.Post("/chatbots/{id}/files", chatbotHandler.AttachFile)
				timed.Delete("/chatbots/{id}/files/{fileId}", chatbotHandler.DetachFile)
				timed.Get("/chatbots/{id}/conversations/{sessionId}", chatbotHandler.History)
			})
		})
	})
	return r
}

func NewServer(cfg *config.Config, d Deps) *Server {
	return &Server{httpServer: &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, d),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
