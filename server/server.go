// Package server exposes quotagate routers over HTTP.
//
// Every generation route accepts POST with a JSON body, requires a bearer
// token, and either streams the upstream bytes or returns the normalized
// completion. /health reports capacity store connectivity and is exempt from
// authentication.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ineyio/quotagate"
)

// Dispatcher serves one route. *quotagate.Router implements it.
type Dispatcher interface {
	Do(ctx context.Context, req quotagate.GenerateRequest) (*quotagate.Response, error)
}

// Pinger reports capacity store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Route binds a route configuration to its dispatcher.
type Route struct {
	Config     quotagate.RouteConfig
	Dispatcher Dispatcher
}

// Server is the HTTP surface.
type Server struct {
	engine      *gin.Engine
	store       Pinger
	tokens      [][]byte
	routes      []Route
	logger      log.FieldLogger
	development bool
	limiter     *clientLimiter
	metricsPath string
	metrics     http.Handler
	pingTimeout time.Duration
	now         func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l log.FieldLogger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTokens sets the accepted bearer tokens. Empty tokens are ignored.
func WithTokens(tokens ...string) Option {
	return func(s *Server) {
		for _, t := range tokens {
			if t != "" {
				s.tokens = append(s.tokens, []byte(t))
			}
		}
	}
}

// WithRoute registers a generation route.
func WithRoute(r Route) Option {
	return func(s *Server) { s.routes = append(s.routes, r) }
}

// WithDevelopment exposes internal error details in 500 responses.
func WithDevelopment(dev bool) Option {
	return func(s *Server) { s.development = dev }
}

// WithClientRateLimit limits each client address to perMinute requests with
// the given burst.
func WithClientRateLimit(perMinute, burst int) Option {
	return func(s *Server) {
		if perMinute > 0 {
			s.limiter = newClientLimiter(perMinute, burst)
		}
	}
}

// WithMetrics serves h at path without authentication.
func WithMetrics(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = h
	}
}

// New builds the HTTP surface over store and the configured routes.
func New(store Pinger, opts ...Option) *Server {
	s := &Server{
		store:       store,
		logger:      log.StandardLogger(),
		pingTimeout: 2 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	// Client addresses come from the socket, never from forwarding headers.
	_ = engine.SetTrustedProxies(nil)

	engine.Use(
		gin.CustomRecovery(s.recover),
		securityHeaders(),
		cors(),
		s.requestLogger(),
		s.rateLimit(),
	)
	engine.NoRoute(func(c *gin.Context) {
		s.writeJSONError(c, http.StatusNotFound, "Not found", "")
	})
	engine.NoMethod(func(c *gin.Context) {
		s.writeJSONError(c, http.StatusMethodNotAllowed, "Method not allowed", "")
	})

	engine.GET("/health", s.health)
	if s.metrics != nil && s.metricsPath != "" {
		engine.GET(s.metricsPath, gin.WrapH(s.metrics))
	}

	api := engine.Group("/", s.auth())
	for _, r := range s.routes {
		api.POST(r.Config.Path, s.generate(r))
	}

	s.engine = engine
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}
