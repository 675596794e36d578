package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/tradegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tradegw/internal/health"
	"github.com/vyrodovalexey/tradegw/internal/middleware"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/router"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

// RouteTable is the mutable route table. *router.Router implements it.
type RouteTable interface {
	Register(rule router.RouteRule) error
	Unregister(pattern router.Pattern) error
	Rules() []router.RouteRule
}

// Breakers exposes circuit breaker state. *circuitbreaker.Registry
// implements it.
type Breakers interface {
	Stats() map[string]circuitbreaker.Stats
	Reset(name string) error
}

// LimitResetter clears the rate limit state of one key.
type LimitResetter interface {
	Reset(ctx context.Context, key string) error
}

// UpstreamLookup reports whether an upstream is configured.
// *proxy.Upstreams implements it.
type UpstreamLookup interface {
	URL(name string) (string, bool)
}

// Server is the admin API.
type Server struct {
	routes    RouteTable
	breakers  Breakers
	limiter   LimitResetter
	upstreams UpstreamLookup
	checker   *health.Checker
	logger    observability.Logger

	engine *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLimiter enables DELETE /admin/ratelimit/:key.
func WithLimiter(limiter LimitResetter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// WithUpstreams makes route registration reject unknown upstreams.
func WithUpstreams(upstreams UpstreamLookup) Option {
	return func(s *Server) {
		s.upstreams = upstreams
	}
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(checker *health.Checker) Option {
	return func(s *Server) {
		s.checker = checker
	}
}

// New creates the admin API over routes and breakers.
func New(routes RouteTable, breakers Breakers, opts ...Option) (*Server, error) {
	if routes == nil || breakers == nil {
		return nil, errors.New("admin: route table and breakers are required")
	}

	s := &Server{
		routes:   routes,
		breakers: breakers,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(middleware.Recovery(s.logger), middleware.RequestID())

	if s.checker != nil {
		s.checker.RegisterRoutes(s.engine)
	}

	api := s.engine.Group("/admin")
	api.GET("/routes", s.listRoutes)
	api.POST("/routes", s.registerRoute)
	api.DELETE("/routes", s.unregisterRoute)
	api.GET("/breakers", s.listBreakers)
	api.POST("/breakers/:name/reset", s.resetBreaker)
	if s.limiter != nil {
		api.DELETE("/ratelimit/:key", s.resetLimit)
	}

	return s, nil
}

// Handler returns the admin http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// RouteRequest is the body of POST /admin/routes.
type RouteRequest struct {
	Name          string `json:"name" binding:"required"`
	Method        string `json:"method"`
	Path          string `json:"path" binding:"required"`
	Match         string `json:"match" binding:"omitempty,oneof=exact prefix"`
	Upstream      string `json:"upstream" binding:"required"`
	RequiredScope string `json:"required_scope"`
}

func (r *RouteRequest) rule() router.RouteRule {
	return router.RouteRule{
		Name:          r.Name,
		Method:        strings.ToUpper(r.Method),
		Path:          r.Path,
		Match:         router.MatchKind(r.Match),
		Upstream:      r.Upstream,
		RequiredScope: r.RequiredScope,
	}
}

// PatternRequest is the body of DELETE /admin/routes.
type PatternRequest struct {
	Method string `json:"method"`
	Match  string `json:"match" binding:"omitempty,oneof=exact prefix"`
	Path   string `json:"path" binding:"required"`
}

// BreakerView is one entry of GET /admin/breakers.
type BreakerView struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Successes     int       `json:"successes"`
	Failures      int       `json:"failures"`
	FailureRatio  float64   `json:"failure_ratio"`
	Trips         int       `json:"trips"`
	Cooldown      string    `json:"cooldown,omitempty"`
	TrialInFlight bool      `json:"trial_in_flight"`
	TrippedAt     time.Time `json:"tripped_at,omitzero"`
}

func (s *Server) listRoutes(c *gin.Context) {
	rules := s.routes.Rules()
	c.JSON(http.StatusOK, gin.H{"routes": rules, "count": len(rules)})
}

func (s *Server) registerRoute(c *gin.Context) {
	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %w", util.ErrInvalidInput, err))
		return
	}
	if s.upstreams != nil {
		if _, ok := s.upstreams.URL(req.Upstream); !ok {
			s.fail(c, fmt.Errorf("%w: unknown upstream %q", util.ErrInvalidInput, req.Upstream))
			return
		}
	}

	rule := req.rule()
	if err := s.routes.Register(rule); err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("route registered via admin API",
		observability.String("name", rule.Name),
		observability.String("pattern", rule.Pattern().String()),
		observability.String("request_id", middleware.RequestIDFrom(c)),
	)
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) unregisterRoute(c *gin.Context) {
	var req PatternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %w", util.ErrInvalidInput, err))
		return
	}

	pattern := router.Pattern{
		Method: strings.ToUpper(req.Method),
		Match:  router.MatchKind(req.Match),
		Path:   req.Path,
	}
	if err := s.routes.Unregister(pattern); err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("route unregistered via admin API",
		observability.String("pattern", pattern.String()),
		observability.String("request_id", middleware.RequestIDFrom(c)),
	)
	c.Status(http.StatusNoContent)
}

func (s *Server) listBreakers(c *gin.Context) {
	stats := s.breakers.Stats()
	views := make([]BreakerView, 0, len(stats))
	for _, st := range stats {
		view := BreakerView{
			Name:          st.Name,
			State:         st.State.String(),
			Successes:     st.Successes,
			Failures:      st.Failures,
			FailureRatio:  st.FailureRatio(),
			Trips:         st.Trips,
			TrialInFlight: st.TrialInFlight,
			TrippedAt:     st.TrippedAt,
		}
		if st.Cooldown > 0 {
			view.Cooldown = st.Cooldown.String()
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })

	c.JSON(http.StatusOK, gin.H{"breakers": views})
}

func (s *Server) resetBreaker(c *gin.Context) {
	name := c.Param("name")
	if err := s.breakers.Reset(name); err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("circuit breaker reset via admin API",
		observability.String("upstream", name),
	)
	c.Status(http.StatusNoContent)
}

func (s *Server) resetLimit(c *gin.Context) {
	key := c.Param("key")
	if err := s.limiter.Reset(c.Request.Context(), key); err != nil {
		s.fail(c, err)
		return
	}

	s.logger.Info("rate limit reset via admin API",
		observability.String("key", key),
	)
	c.Status(http.StatusNoContent)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := util.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed",
			observability.String("path", c.Request.URL.Path),
			observability.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
