package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"clubkit.org/internal/auth"
	"clubkit.org/internal/membership"
	"clubkit.org/internal/obs"
	"clubkit.org/internal/stream"
)

// ReadyProbe is a readiness check, e.g. a database ping.
type ReadyProbe func(ctx context.Context) error

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp == nil {
		return nil
	}
	return rp(ctx)
}

// Options configure API.
type Options struct {
	Version    string
	Ready      ReadyProbe
	Stream     *stream.Stream
	DevTokens  bool
	TokenTTL   time.Duration
	RateBurst  int
	RatePerSec float64
}

// API is the HTTP layer over the membership service.
type API struct {
	svc      *membership.Service
	opts     Options
	validate *validator.Validate
	router   chi.Router
}

func New(svc *membership.Service, opts Options) *API {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 50
	}
	a := &API{
		svc:      svc,
		opts:     opts,
		validate: newValidator(),
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(chimid.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(RateLimit(a.opts.RateBurst, a.opts.RatePerSec))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())
	if a.opts.DevTokens {
		r.Post("/v1/auth/token", a.handleAuthToken)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)

		r.With(requirePermission(auth.PermMembershipRead)).Get("/v1/catalog", a.getCatalog)

		r.Route("/v1/memberships", func(r chi.Router) {
			r.With(requirePermission(auth.PermMembershipRead)).Get("/", a.searchMemberships)
			r.With(requirePermission(auth.PermMembershipWrite)).Post("/", a.createMembership)
			r.With(requirePermission(auth.PermMembershipRead)).Get("/stream", a.Stream)

			r.Route("/{key}", func(r chi.Router) {
				r.With(requirePermission(auth.PermMembershipRead)).Get("/", a.getMembership)
				r.With(requirePermission(auth.PermMembershipRead)).Get("/thread", a.getThread)
				r.With(requirePermission(auth.PermMembershipRead)).Get("/comments", a.getComments)
				r.With(requirePermission(auth.PermMembershipWrite)).Post("/end", a.endMembership)
				r.With(requirePermission(auth.PermMembershipWrite)).Post("/category", a.changeCategory)
				r.With(requirePermission(auth.PermMembershipArchive)).Delete("/", a.archiveMembership)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.opts.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
