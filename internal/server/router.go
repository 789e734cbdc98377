package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nftmarket/internal/log"
	"nftmarket/internal/market"
	"nftmarket/internal/registry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// Accounts exposes the payment rail's balance book and the event journal.
type Accounts interface {
	Balance(ctx context.Context, account market.Address) (market.Amount, error)
	Events(ctx context.Context, afterID int64, limit int) ([]market.Event, error)
}

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RejectionObserver is told about every failed operation.
type RejectionObserver interface {
	ObserveRejection(op string, err error)
}

type Deps struct {
	Engine             *market.Engine
	Registry           *registry.Registry
	Accounts           Accounts
	Rejections         RejectionObserver
	Health             map[string]Pinger
	JWTSecret          string
	RateLimitPerMinute int
	Logger             *log.Logger
}

type ctxKey int

const callerKey ctxKey = iota

// SetupRouter mounts the marketplace API on r.
func SetupRouter(r *chi.Mux, d Deps) {
	if d.Logger == nil {
		d.Logger = log.NewNop()
	}
	h := &handlers{Deps: d, logger: d.Logger.Named("http")}
	if d.RateLimitPerMinute > 0 {
		r.Use(httprate.Limit(d.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(d.JWTSecret, h.logger))

		r.Get("/items", h.marketItems)
		r.Get("/items/unsold", h.unsold)
		r.Get("/items/{id}", h.item)
		r.Post("/items", h.listForSale)
		r.Post("/items/mint", h.createAndList)
		r.Post("/items/{id}/buy", h.buy)
		r.Post("/items/{id}/delist", h.delist)
		r.Post("/items/{id}/relist", h.relist)

		r.Get("/me/bought", h.bought)
		r.Get("/me/created", h.created)
		r.Get("/me/balance", h.balance)

		r.Get("/events", h.events)
		r.Get("/config", h.config)
		r.Put("/admin/fee-rate", h.updateFeeRate)

		r.Post("/registry/collections", h.createCollection)
		r.Put("/registry/collections/{collection}/owner", h.transferCollection)
		r.Post("/registry/approvals", h.setApproval)
		r.Get("/registry/tokens/{collection}/{token}", h.token)
	})
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Debug("Missing authorization token")
				writeError(w, http.StatusUnauthorized, "missing token")
				return
			}
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
			var claims jwt.RegisteredClaims
			token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Debug("Invalid JWT token", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "token has no subject")
				return
			}
			ctx := context.WithValue(r.Context(), callerKey, market.Address(claims.Subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Caller returns the authenticated address of the request.
func Caller(ctx context.Context) market.Address {
	caller, _ := ctx.Value(callerKey).(market.Address)
	return caller
}
