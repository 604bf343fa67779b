package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/wargame-backend/internal/session"
	"github.com/DoyleJ11/wargame-backend/internal/ws"
)

// Pinger is satisfied by a Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

type GroupCounter interface {
	GroupCount() int
}

type Dependencies struct {
	Session  session.Deps
	Auth     ws.Authenticator
	WS       ws.Options
	Redis    Pinger // nil when running without Redis
	Registry GroupCounter
	Log      *zap.Logger
}

func SetupRoutes(d Dependencies) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(d.Log))

	// Public routes
	r.Get("/healthz", Healthz(d.Redis, d.Registry))
	r.Get("/ws/game-instances/{join_code}/", ws.Handler(d.Session, d.Auth, d.WS, d.Log))
	return r
}
