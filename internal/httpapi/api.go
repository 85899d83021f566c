package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"perimeter.org/internal/authz"
	"perimeter.org/internal/obs"
)

const serviceName = "perimeter-api"

// ReadyProbe pings the backing database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the knobs the HTTP layer needs beyond its services.
type Options struct {
	Version string
	// AuthSecret enables HS256 bearer token verification. When empty
	// the Authorization header is treated as a raw user id.
	AuthSecret string
	Ready      ReadyProbe
	// RateRPS/RateBurst configure the per-client limiter. RateRPS <= 0
	// disables it.
	RateRPS   float64
	RateBurst int
}

// API is the HTTP layer over the directory service and decision engine.
type API struct {
	svc    *authz.Service
	engine *authz.Engine
	ready  ReadyProbe

	version string
	secret  []byte
	router  chi.Router
}

func New(svc *authz.Service, engine *authz.Engine, opts Options) *API {
	a := &API{
		svc:     svc,
		engine:  engine,
		ready:   opts.Ready,
		version: opts.Version,
	}
	if opts.AuthSecret != "" {
		a.secret = []byte(opts.AuthSecret)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(Logging)
	r.Use(SecurityHeaders)
	r.Use(CORS)
	r.Use(maxBodyBytes(1 << 20))
	if opts.RateRPS > 0 {
		r.Use(RateLimit(opts.RateBurst, opts.RateRPS))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withSubject)

		r.Get("/info", a.handleInfo)

		r.Post("/authorization/access", a.handleAccess)
		r.Post("/authorization/actions", a.handleActions)

		r.Route("/organizations", func(r chi.Router) {
			r.Get("/", a.handleListOrganizations)
			r.Post("/", a.handleCreateOrganization)

			r.Route("/{orgID}", func(r chi.Router) {
				r.Get("/", a.handleGetOrganization)
				r.Put("/", a.handleUpdateOrganization)
				r.Delete("/", a.handleDeleteOrganization)

				r.Route("/users", func(r chi.Router) {
					r.Get("/", a.handleListUsers)
					r.Post("/", a.handleCreateUser)
					r.Get("/{userID}", a.handleGetUser)
					r.Put("/{userID}", a.handleUpdateUser)
					r.Delete("/{userID}", a.handleDeleteUser)
				})

				r.Route("/teams", func(r chi.Router) {
					r.Get("/", a.handleListTeams)
					r.Post("/", a.handleCreateTeam)
					r.Get("/{teamID}", a.handleGetTeam)
					r.Put("/{teamID}", a.handleUpdateTeam)
					r.Delete("/{teamID}", a.handleDeleteTeam)
					r.Put("/{teamID}/parent", a.handleMoveTeam)
					r.Delete("/{teamID}/parent", a.handleUnnestTeam)
					r.Get("/{teamID}/members", a.handleTeamMembers)
					r.Put("/{teamID}/members", a.handleAddTeamMembers)
					r.Post("/{teamID}/members", a.handleReplaceTeamMembers)
					r.Delete("/{teamID}/members/{userID}", a.handleRemoveTeamMember)
				})

				r.Route("/policies", func(r chi.Router) {
					r.Get("/", a.handleListPolicies)
					r.Post("/", a.handleCreatePolicy)
					r.Get("/{policyID}", a.handleGetPolicy)
					r.Put("/{policyID}", a.handleUpdatePolicy)
					r.Delete("/{policyID}", a.handleDeletePolicy)
					r.Get("/{policyID}/variables", a.handlePolicyVariables)
					r.Get("/{policyID}/instances", a.handlePolicyInstances)
				})

				r.Route("/{entity:organization|team|user}/{entityID}/policies", func(r chi.Router) {
					r.Get("/", a.handleListEntityPolicies)
					r.Post("/", a.handleAddEntityPolicies)
					r.Put("/", a.handleReplaceEntityPolicies)
					r.Delete("/", a.handleDeleteEntityPolicies)
					r.Delete("/{policyID}", a.handleDeleteEntityPolicy)
				})
			})
		})

		r.Route("/shared-policies", func(r chi.Router) {
			r.Get("/", a.handleListSharedPolicies)
			r.Post("/", a.handleCreateSharedPolicy)
			r.Get("/{policyID}", a.handleGetSharedPolicy)
			r.Put("/{policyID}", a.handleUpdateSharedPolicy)
			r.Delete("/{policyID}", a.handleDeleteSharedPolicy)
		})
	})

	a.router = r
	return a
}

// Handler returns the full handler chain, instrumented with metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
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

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
