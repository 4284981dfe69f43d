// Package market_api exposes the marketplace operations over JSON/HTTP.
// Caller identity comes from headers set by the upstream auth gateway.
package market_api

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kculz/Qonvey-sub001/internal/cache/rediscache"
	"github.com/kculz/Qonvey-sub001/internal/services/assignment"
	"github.com/kculz/Qonvey-sub001/internal/services/bids"
	"github.com/kculz/Qonvey-sub001/internal/services/loads"
	"github.com/kculz/Qonvey-sub001/internal/services/quota"
	"github.com/kculz/Qonvey-sub001/internal/services/trips"
	"github.com/kculz/Qonvey-sub001/internal/services/vehicles"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderUserName = "X-User-Name"
)

type Role string

const (
	RoleCargoOwner Role = "CARGO_OWNER"
	RoleDriver     Role = "DRIVER"
	RoleFleetOwner Role = "FLEET_OWNER"
	RoleAdmin      Role = "ADMIN"
)

type Identity struct {
	UserID string
	Role   Role
	Name   string
}

type Services struct {
	Loads      *loads.Service
	Bids       *bids.Service
	Assignment *assignment.Transactor
	Trips      *trips.Service
	Vehicles   *vehicles.Service
	Quota      *quota.Gate
}

type RateLimiter interface {
	Allow(ctx context.Context, subject string, limit int64, window time.Duration, now time.Time) (rediscache.Verdict, error)
}

type MarketAPI struct {
	svc Services

	rl          RateLimiter
	rlPerMinute int64

	ready func(ctx context.Context) error
}

func New(svc Services) *MarketAPI {
	return &MarketAPI{svc: svc}
}

// WithRateLimit caps every user at perMinute requests per calendar minute.
func (a *MarketAPI) WithRateLimit(rl RateLimiter, perMinute int64) *MarketAPI {
	a.rl = rl
	a.rlPerMinute = perMinute
	return a
}

// WithReadiness sets the check behind /readyz.
func (a *MarketAPI) WithReadiness(check func(ctx context.Context) error) *MarketAPI {
	a.ready = check
	return a
}

// Handler builds the router serving health checks and /api/v1.
func (a *MarketAPI) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", a.readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(identify, a.rateLimit)

		r.Get("/me/quota/{action}", a.checkQuota)

		r.Route("/loads", func(r chi.Router) {
			r.With(requireRole(RoleCargoOwner, RoleAdmin)).Post("/", a.postLoad)
			r.Get("/", a.listOpenLoads)
			r.Get("/mine", a.listMyLoads)
			r.Get("/{loadID}", a.getLoad)
			r.Post("/{loadID}/cancel", a.cancelLoad)
			r.Get("/{loadID}/bids", a.listBidsForLoad)
			r.Get("/{loadID}/bids/stats", a.bidStats)
			r.With(requireRole(RoleDriver, RoleFleetOwner)).Post("/{loadID}/bids", a.placeBid)
		})

		r.Route("/bids", func(r chi.Router) {
			r.Get("/mine", a.listMyBids)
			r.Get("/{bidID}", a.getBid)
			r.Patch("/{bidID}", a.updateBid)
			r.Post("/{bidID}/withdraw", a.withdrawBid)
			r.Post("/{bidID}/reject", a.rejectBid)
			r.Post("/{bidID}/accept", a.acceptBid)
		})

		r.Route("/trips", func(r chi.Router) {
			r.Get("/mine", a.listMyTrips)
			r.Get("/{tripID}", a.getTrip)
			r.Post("/{tripID}/locations", a.appendLocation)
			r.Post("/{tripID}/complete", a.completeTrip)
			r.Post("/{tripID}/cancel", a.cancelTrip)
		})

		r.Route("/vehicles", func(r chi.Router) {
			r.Use(requireRole(RoleDriver, RoleFleetOwner, RoleAdmin))
			r.Post("/", a.registerVehicle)
			r.Get("/", a.listVehicles)
			r.Post("/{vehicleID}/deactivate", a.deactivateVehicle)
		})
	})
	return r
}

func (a *MarketAPI) readyz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			slog.Warn("readiness check failed", "error", err.Error())
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type identityKey struct{}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

func identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{
			UserID: r.Header.Get(HeaderUserID),
			Role:   Role(r.Header.Get(HeaderUserRole)),
			Name:   r.Header.Get(HeaderUserName),
		}
		if id.UserID == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing "+HeaderUserID+" header", "")
			return
		}
		switch id.Role {
		case RoleCargoOwner, RoleDriver, RoleFleetOwner, RoleAdmin:
		default:
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", fmt.Sprintf("unknown role %q", id.Role), "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func requireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := identityFrom(r.Context()).Role
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "FORBIDDEN_ROLE", fmt.Sprintf("role %s may not call this endpoint", role), "")
		})
	}
}

// rateLimit counts requests per user per minute. Redis failures let the
// request through.
func (a *MarketAPI) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.rl == nil || a.rlPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		id := identityFrom(r.Context())
		v, err := a.rl.Allow(r.Context(), "user:"+id.UserID, a.rlPerMinute, time.Minute, time.Now().UTC())
		if err != nil {
			slog.Warn("rate limiter unavailable", "user_id", id.UserID, "error", err.Error())
			next.ServeHTTP(w, r)
			return
		}
		if !v.Allowed {
			slog.Warn("rate limit exceeded", "user_id", id.UserID, "count", v.Count)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(v.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
