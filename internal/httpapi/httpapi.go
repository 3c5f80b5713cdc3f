// Package httpapi is the REST ingress: event submission, health, and the
// tenant-facing cost/usage analytics the Cost & Metric Sink accumulates
// (spec 6.1, 6.3).
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"companiond/internal/budget"
	"companiond/internal/config"
	"companiond/internal/domain"
	"companiond/internal/metrics"
)

// EventDispatcher is the subset of dispatcher.Dispatcher the ingress needs.
type EventDispatcher interface {
	Handle(ctx context.Context, event domain.Event) (domain.Response, error)
	HandleAsync(ctx context.Context, event domain.Event) error
}

// Authenticator validates the X-API-Key header against the external
// tenant/API-key store (out of scope; only the boundary interface lives here).
type Authenticator interface {
	Authenticate(apiKey, tenant string) bool
}

// costsResponse merges the Cost & Metric Sink's rollup with the Budget
// Governor's live ledger for the day, so a tenant sees both "what it cost"
// and "how close to the ceiling it is" in one call.
type costsResponse struct {
	metrics.TenantSnapshot
	Budget domain.BudgetBucket `json:"budget"`
}

type eventRequest struct {
	Game    string              `json:"game"`
	Player  string              `json:"player_id"`
	Kind    domain.EventKind    `json:"kind"`
	Payload domain.Payload      `json:"payload"`
	Context domain.EventContext `json:"context"`
	Seq     uint64              `json:"client_seq"`
	Async   bool                `json:"async"`
}

type Server struct {
	dispatcher EventDispatcher
	governor   budget.Governor
	sink       *metrics.Sink
	auth       Authenticator
	limiter    *tenantLimiter
}

func NewServer(dispatcher EventDispatcher, governor budget.Governor, sink *metrics.Sink, auth Authenticator, rl config.RateLimitConfig) *Server {
	return &Server{dispatcher: dispatcher, governor: governor, sink: sink, auth: auth, limiter: newTenantLimiter(rl.PerMinute)}
}

// tenantLimiter enforces the per-tenant, per-minute request ceiling (spec
// 6.1/7): a distinct 429 from the dispatcher-queue-saturation 429, gating
// request rate independent of the Budget Governor's cost ceiling. Each
// tenant gets its own token bucket, lazily created on first use.
type tenantLimiter struct {
	perMinute int
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
}

func newTenantLimiter(perMinute int) *tenantLimiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	return &tenantLimiter{perMinute: perMinute, buckets: make(map[string]*rate.Limiter)}
}

func (l *tenantLimiter) allow(tenant string) bool {
	l.mu.Lock()
	b, ok := l.buckets[tenant]
	if !ok {
		ratePerSec := rate.Limit(float64(l.perMinute) / 60.0)
		b = rate.NewLimiter(ratePerSec, l.perMinute)
		l.buckets[tenant] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Register wires every route onto an existing echo instance, mirroring the
// teacher's registerAPIEndpoints grouping convention.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/health", s.health)

	v1 := e.Group("/v1", s.apiKeyMiddleware, s.rateLimitMiddleware)
	v1.POST("/events", s.postEvent)
	v1.GET("/analytics/costs", s.tenantCosts)
	v1.GET("/analytics/platform", s.platformAnalytics)
}

func (s *Server) apiKeyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant := c.Request().Header.Get("X-Tenant")
		apiKey := c.Request().Header.Get("X-API-Key")
		if tenant == "" || s.auth == nil || !s.auth.Authenticate(apiKey, tenant) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "auth_failed"})
		}
		c.Set("tenant", tenant)
		return next(c)
	}
}

// rateLimitMiddleware enforces the per-tenant per-minute ceiling; it runs
// after apiKeyMiddleware so the tenant is already authenticated and known.
func (s *Server) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, _ := c.Get("tenant").(string)
		if !s.limiter.allow(tenant) {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": domain.ErrRateLimited.Error()})
		}
		return next(c)
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) postEvent(c echo.Context) error {
	tenant, _ := c.Get("tenant").(string)

	var req eventRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_event"})
	}
	if !domain.ValidEventKinds[req.Kind] || req.Player == "" || req.Game == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_event"})
	}

	event := domain.Event{
		Tenant:     tenant,
		Game:       req.Game,
		Player:     req.Player,
		Kind:       req.Kind,
		Payload:    req.Payload,
		Context:    req.Context,
		ClientSeq:  req.Seq,
		ReceivedAt: time.Now().UTC(),
	}

	if req.Async {
		if err := s.dispatcher.HandleAsync(c.Request().Context(), event); err != nil {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "queue_saturated"})
		}
		return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
	}

	resp, err := s.dispatcher.Handle(c.Request().Context(), event)
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, map[string]any{"error": "dispatch_failed", "detail": err.Error()})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) tenantCosts(c echo.Context) error {
	tenant, _ := c.Get("tenant").(string)

	var snapshot metrics.TenantSnapshot
	if s.sink != nil {
		snapshot = s.sink.TenantCosts(tenant)
	} else {
		snapshot = metrics.TenantSnapshot{Tenant: tenant}
	}

	var bucket domain.BudgetBucket
	if s.governor != nil {
		if b, err := s.governor.Snapshot(c.Request().Context(), tenant); err == nil {
			bucket = b
		}
	}

	return c.JSON(http.StatusOK, costsResponse{TenantSnapshot: snapshot, Budget: bucket})
}

func (s *Server) platformAnalytics(c echo.Context) error {
	if s.sink == nil {
		return c.JSON(http.StatusOK, metrics.PlatformSnapshot{})
	}
	return c.JSON(http.StatusOK, s.sink.Platform())
}
