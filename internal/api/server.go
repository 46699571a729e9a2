// Package api exposes the build pipeline over HTTP: starting and cancelling
// builds, DApp creation, build read-back and a WebSocket event stream.
package api

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"webforge/internal/dapp"
	"webforge/internal/events"
	"webforge/internal/logging"
	"webforge/internal/metrics"
	"webforge/internal/middleware"
	"webforge/internal/pipeline"
	"webforge/internal/store"
)

// BuildDriver runs builds.
type BuildDriver interface {
	Start(ctx context.Context, req pipeline.StartRequest) (string, error)
	Cancel(projectID string) error
	Status(projectID string) (pipeline.ProjectStatus, bool)
}

// DAppCreator creates contract-backed projects.
type DAppCreator interface {
	CreateFull(ctx context.Context, req dapp.FullRequest) (string, error)
	CreateFrontendOnly(ctx context.Context, req dapp.FrontendRequest) (string, error)
	Cancel(projectID string) error
}

// BuildStore reads persisted builds and contracts.
type BuildStore interface {
	GetBuild(ctx context.Context, buildID string) (*store.BuildRecord, error)
	LatestBuild(ctx context.Context, projectID string) (*store.BuildRecord, error)
	ListFiles(ctx context.Context, buildID string, withContent bool) ([]store.FileRecord, error)
	GetContract(ctx context.Context, projectID string) (*store.ContractRecord, error)
	Health(ctx context.Context) error
}

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Options configure the router.
type Options struct {
	Validator      *middleware.TokenValidator
	RateLimiter    *middleware.IPRateLimiter
	AllowedOrigins []string
	// AllowAnyOrigin accepts WebSocket upgrades from any origin.
	AllowAnyOrigin bool
}

// Server holds the API dependencies.
type Server struct {
	driver    BuildDriver
	dapps     DAppCreator
	store     BuildStore
	publisher *events.Publisher
	opts      Options
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewServer(driver BuildDriver, dapps DAppCreator, st BuildStore, publisher *events.Publisher, opts Options, log *zap.Logger) *Server {
	return &Server{
		driver:    driver,
		dapps:     dapps,
		store:     st,
		publisher: publisher,
		opts:      opts,
		log:       logging.OrDefault(log).With(zap.String("component", "api")),
		metrics:   metrics.Get(),
	}
}

// Router builds the Gin engine with every route and middleware.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(s.log),
		middleware.Logger(s.log),
		middleware.Security(),
		middleware.CORS(s.opts.AllowedOrigins),
		metrics.PrometheusMiddleware(),
	)

	r.GET("/health", s.Health)
	r.GET("/metrics", metrics.PrometheusHandler())

	v1 := r.Group("/api/v1")
	if s.opts.Validator != nil {
		v1.Use(middleware.RequireAuth(s.opts.Validator))
	}

	starts := v1.Group("")
	if s.opts.RateLimiter != nil {
		starts.Use(middleware.RateLimit(s.opts.RateLimiter))
	}
	starts.POST("/builds", s.StartBuild)
	starts.POST("/dapps", s.CreateDApp)
	starts.POST("/dapps/frontend", s.CreateFrontend)

	v1.DELETE("/projects/:project/build", s.CancelBuild)
	v1.GET("/projects/:project/status", s.ProjectStatus)
	v1.GET("/projects/:project/events", s.StreamEvents)
	v1.GET("/projects/:project/contract", s.GetContract)
	v1.GET("/builds/:id", s.GetBuild)
	v1.GET("/builds/:id/files", s.GetBuildFiles)
	v1.GET("/networks", s.ListNetworks)
	return r
}

// Health reports liveness and database reachability.
func (s *Server) Health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "healthy"}
	if s.store != nil {
		if err := s.store.Health(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body = gin.H{"status": "unhealthy", "database": err.Error()}
		} else {
			body["database"] = "connected"
		}
	}
	c.JSON(status, body)
}

func respondError(c *gin.Context, status int, msg, code string) {
	c.AbortWithStatusJSON(status, middleware.NewErrorResponse(c, msg, code))
}
