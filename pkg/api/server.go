package api

import (
	"log/slog"
	"net/http"

	"github.com/stackpilot/core/pkg/approval"
	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/boundary"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/execution"
	"github.com/stackpilot/core/pkg/intent"
	"github.com/stackpilot/core/pkg/killswitch"
	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/registry"
	"github.com/stackpilot/core/pkg/simulation"
)

// Server wires the trust core services to the HTTP surface.
type Server struct {
	connections cloud.ConnectionSource
	parser      *intent.Parser
	generator   *plan.Generator
	simulator   *simulation.Engine
	approvals   *approval.Service
	executor    *execution.Engine
	kill        *killswitch.Switch
	auditLog    *audit.Log
	boundary    *boundary.Boundary
	store       registry.Store

	// adminToken guards kill-switch mutation. Empty disables the
	// endpoint entirely rather than leaving it open.
	adminToken string
	limiter    *RateLimiter
	logger     *slog.Logger
}

// Config carries the server's collaborators.
type Config struct {
	Connections cloud.ConnectionSource
	Parser      *intent.Parser
	Generator   *plan.Generator
	Simulator   *simulation.Engine
	Approvals   *approval.Service
	Executor    *execution.Engine
	KillSwitch  *killswitch.Switch
	AuditLog    *audit.Log
	Boundary    *boundary.Boundary
	Store       registry.Store
	AdminToken  string
	RateRPS     int
	RateBurst   int
	Logger      *slog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
	return &Server{
		connections: cfg.Connections,
		parser:      cfg.Parser,
		generator:   cfg.Generator,
		simulator:   cfg.Simulator,
		approvals:   cfg.Approvals,
		executor:    cfg.Executor,
		kill:        cfg.KillSwitch,
		auditLog:    cfg.AuditLog,
		boundary:    cfg.Boundary,
		store:       cfg.Store,
		adminToken:  cfg.AdminToken,
		limiter:     NewRateLimiter(cfg.RateRPS, cfg.RateBurst),
		logger:      cfg.Logger,
	}
}

// Routes returns the bare mux, without middleware. Tests use it
// directly; Handler wraps it for serving.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/intent", s.handleIntent)
	mux.HandleFunc("/v1/plan", s.handlePlan)
	mux.HandleFunc("/v1/simulate", s.handleSimulate)
	mux.HandleFunc("/v1/approve", s.handleApprove)
	mux.HandleFunc("/v1/execute", s.handleExecute)
	mux.HandleFunc("/v1/audit", s.handleAudit)
	mux.HandleFunc("/v1/audit/anchors", s.handleAuditAnchors)
	mux.HandleFunc("/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("/v1/actions", s.handleActions)
	mux.HandleFunc("/v1/boundaries", s.handleBoundaries)
	mux.HandleFunc("/v1/kill-switch", s.handleKillSwitch)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Handler is the full middleware chain around Routes.
func (s *Server) Handler() http.Handler {
	return RequestID(s.limiter.Middleware(Traced(s.Routes())))
}
