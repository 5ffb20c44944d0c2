package main

import (
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mcdev12/veto/go/internal/config"
	"github.com/mcdev12/veto/go/internal/identity"
	"github.com/mcdev12/veto/go/internal/veto/coordinator"
	"github.com/mcdev12/veto/go/internal/veto/gateway"
	"github.com/mcdev12/veto/go/internal/veto/service"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func newServer(cfg config.Config, coord *coordinator.Coordinator, cm *gateway.ConnectionManager, resolver *identity.Resolver) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h2c.NewHandler(newRouter(cfg, coord, cm, resolver), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func newRouter(cfg config.Config, coord *coordinator.Coordinator, cm *gateway.ConnectionManager, resolver *identity.Resolver) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	gateway.NewWebSocketHandler(cm, coord, resolver).RegisterRoutes(r)

	path, handler := service.NewHandler(
		service.NewService(coord),
		connect.WithInterceptors(service.NewAuthInterceptor(resolver)),
	)
	r.Handle(path+"*", handler)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.AllowOrigins,
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Veto-Error-Kind"},
	})
	return c.Handler(r)
}
