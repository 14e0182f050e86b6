package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/partsdesk/api/internal/platform/httpx"
)

// RouteRegistrar adds one group's routes to the sub-router mounted at the group's path.
type RouteRegistrar func(r chi.Router)

// Group names a route group under /api/v1.
type Group string

const (
	GroupOrders   Group = "orders"
	GroupMe       Group = "me"
	GroupAdmin    Group = "admin"
	GroupWebhooks Group = "webhooks"
	GroupInternal Group = "internal"
)

// groups lists every group in mount order. Groups whose traffic comes from shoppers or staff
// accept Idempotency-Key replay; webhooks and internal calls bring their own dedupe.
var groups = []struct {
	name     Group
	mutating bool
}{
	{GroupOrders, true},
	{GroupMe, true},
	{GroupAdmin, true},
	{GroupWebhooks, false},
	{GroupInternal, false},
}

const (
	apiPrefix             = "/api/v1"
	defaultRequestTimeout = 60 * time.Second
)

type routeGroup struct {
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	timeout  time.Duration
	global   []func(http.Handler) http.Handler
	mutating []func(http.Handler) http.Handler
	health   *HealthHandlers
	groups   map[Group]*routeGroup
}

func (c *routerConfig) group(name Group) *routeGroup {
	if c.groups == nil {
		c.groups = make(map[Group]*routeGroup)
	}
	g, ok := c.groups[name]
	if !ok {
		g = &routeGroup{}
		c.groups[name] = g
	}
	return g
}

// Option customises the router.
type Option func(*routerConfig)

// NewRouter builds the HTTP surface: probes at the root and the route groups under /api/v1.
// A group without a registrar answers 501 so a partially wired deployment fails loudly.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{timeout: defaultRequestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	useAll(r, cfg.global)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, entry := range groups {
			g := cfg.group(entry.name)
			name := entry.name
			mutating := entry.mutating
			api.Route("/"+string(name), func(sub chi.Router) {
				if mutating {
					useAll(sub, cfg.mutating)
				}
				useAll(sub, g.middlewares)
				if g.registrar == nil {
					notImplemented(sub, name)
					return
				}
				g.registrar(sub)
			})
		}
	})
	return r
}

func useAll(r chi.Router, chain []func(http.Handler) http.Handler) {
	for _, mw := range chain {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// WithMiddlewares appends middleware run for every request, probes included.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

// WithRequestTimeout bounds every request context. Non-positive values keep the default.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithMutatingMiddlewares applies middleware to the orders, me and admin groups.
func WithMutatingMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.mutating = append(cfg.mutating, mw...) }
}

// WithRoutes installs the registrar for a group, replacing any earlier one.
func WithRoutes(name Group, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.group(name).registrar = reg }
}

// WithGroupMiddlewares appends middleware that runs only for one group, after the mutating chain.
func WithGroupMiddlewares(name Group, mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(name)
		g.middlewares = append(g.middlewares, mw...)
	}
}

func notImplemented(r chi.Router, name Group) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", string(name)+" routes are not wired in this deployment", http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
