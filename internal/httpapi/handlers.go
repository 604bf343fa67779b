package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type health struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Groups int    `json:"groups"`
}

func Healthz(rdb Pinger, reg GroupCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := health{Status: "ok"}
		code := http.StatusOK

		if rdb != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := rdb.Ping(ctx)
			cancel()
			if err != nil {
				body.Status, body.Redis = "degraded", err.Error()
				code = http.StatusServiceUnavailable
			} else {
				body.Redis = "ok"
			}
		}
		if reg != nil {
			body.Groups = reg.GroupCount()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// RedisPinger adapts a go-redis client to Pinger.
type RedisPinger struct {
	Client redis.UniversalClient
}

func (p RedisPinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
