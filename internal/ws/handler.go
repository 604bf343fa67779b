package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/wargame-backend/internal/auth"
	"github.com/DoyleJ11/wargame-backend/internal/groups"
	"github.com/DoyleJ11/wargame-backend/internal/session"
)

const disconnectTimeout = 5 * time.Second

type Authenticator interface {
	Authenticate(r *http.Request) (auth.User, error)
}

type Options struct {
	OriginPatterns []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MessageRate    float64 // inbound frames per second
	MessageBurst   int
	ReadLimit      int64
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MessageRate <= 0 {
		o.MessageRate = 20
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 40
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	return o
}

// Handler serves /ws/game-instances/{join_code}/. The caller must already
// hold an access token; anonymous requests are refused before the upgrade.
func Handler(deps session.Deps, authn Authenticator, opts Options, log *zap.Logger) http.HandlerFunc {
	opts = opts.withDefaults()
	log = log.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "join_code")
		if code == "" {
			http.Error(w, "missing join code", http.StatusBadRequest)
			return
		}
		// Group ids and store keys embed the code, so it must not be able
		// to spell another game's or user's name.
		if !groups.ValidJoinCode(code) {
			http.Error(w, "invalid join code", http.StatusBadRequest)
			return
		}

		user, err := authn.Authenticate(r)
		if err != nil {
			log.Info("rejected unauthenticated connection", zap.String("join_code", code), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Subscribe before the upgrade completes so nothing sent after the
		// client sees the handshake is missed.
		sess := session.New(deps, user, code)
		sess.Connect(ctx)
		disconnect := func() {
			// The request context is usually gone by now.
			dctx, dcancel := context.WithTimeout(context.WithoutCancel(r.Context()), disconnectTimeout)
			defer dcancel()
			sess.Disconnect(dctx)
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Warn("websocket accept failed", zap.String("join_code", code), zap.Error(err))
			disconnect()
			return
		}
		// Roster cleanup finishes before the client sees the close frame.
		defer func() {
			disconnect()
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}()
		conn.SetReadLimit(opts.ReadLimit)

		// Writer goroutine
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			writeLoop(ctx, conn, sess, opts, log)
		}()

		// Reader loop
		limiter := rate.NewLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst)
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if ctx.Err() == nil {
						log.Debug("read failed", zap.String("session", sess.ID()), zap.Error(err))
					}
				}
				break
			}
			if typ != websocket.MessageText {
				continue
			}
			if !limiter.Allow() {
				log.Warn("rate limited frame dropped", zap.String("session", sess.ID()))
				continue
			}
			_ = sess.Receive(ctx, data)
		}

		cancel()
		wg.Wait()
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, opts Options, log *zap.Logger) {
	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case env := <-sess.Outbox():
			payload, err := json.Marshal(env)
			if err != nil {
				log.Error("encode envelope", zap.Error(err))
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, payload)
			wcancel()
			if err != nil {
				log.Debug("write failed", zap.String("session", sess.ID()), zap.Error(err))
				return
			}

		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				log.Debug("heartbeat failed", zap.String("session", sess.ID()), zap.Error(err))
				return
			}
		}
	}
}
