package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-automation/internal/audit"
	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/device"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/solar"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Logger is the logging surface the server needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Rules is the rule store behind the /automations endpoints.
type Rules interface {
	Get(id string) (*automation.Rule, error)
	List() []*automation.Rule
	Create(ctx context.Context, rule *automation.Rule) error
	Update(ctx context.Context, rule *automation.Rule) error
	SetEnabled(ctx context.Context, id string, enabled bool) (*automation.Rule, error)
	Delete(ctx context.Context, id string) error
}

// Runner fires rules by hand and reports scheduler state.
type Runner interface {
	Trigger(ctx context.Context, ruleID string, vars map[string]any) (*automation.Execution, error)
	Stats() automation.SchedulerStats
}

// ExecutionReader reads stored execution history.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*automation.Execution, error)
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]automation.Execution, error)
}

// DeviceCache is the read side of the device state cache.
type DeviceCache interface {
	Get(id string) (*device.Snapshot, bool)
	List() []device.Snapshot
}

// Commander sends device commands.
type Commander interface {
	SendCommand(ctx context.Context, deviceID, command string, params map[string]any) (device.Result, error)
}

// SunClock reports upcoming solar events at the site.
type SunClock interface {
	Next(e solar.Event, after time.Time) (time.Time, error)
}

// HealthChecker is a component that can report its health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server. Rules, Runner
// and Devices are required; the rest switch their endpoints off when nil.
type Deps struct {
	Config     config.APIConfig
	Logger     Logger
	Rules      Rules
	Runner     Runner
	Executions ExecutionReader
	Devices    DeviceCache
	Commands   Commander
	Audit      audit.Repository
	Hub        *Hub                  // created from Config.WebSocket when nil
	Gatherer   prometheus.Gatherer   // served on /metrics when set
	Registerer prometheus.Registerer // HTTP request metrics when set
	Health     map[string]HealthChecker
	Sun        SunClock // adds next sunrise/sunset to /system/stats when set
	Version    string
}

// Server is the HTTP API server.
type Server struct {
	cfg        config.APIConfig
	logger     Logger
	rules      Rules
	runner     Runner
	executions ExecutionReader
	devices    DeviceCache
	commands   Commander
	auditRepo  audit.Repository
	auditCh    chan *audit.AuditLog
	gatherer   prometheus.Gatherer
	health     map[string]HealthChecker
	sun        SunClock
	version    string
	startTime  time.Time
	metrics    *httpMetrics

	hub         *Hub
	externalHub bool
	handler     http.Handler
	server      *http.Server
	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a new API server. It is not listening until Start.
func New(deps Deps) (*Server, error) {
	if deps.Rules == nil {
		return nil, fmt.Errorf("rule registry is required")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device cache is required")
	}

	s := &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		rules:      deps.Rules,
		runner:     deps.Runner,
		executions: deps.Executions,
		devices:    deps.Devices,
		commands:   deps.Commands,
		auditRepo:  deps.Audit,
		gatherer:   deps.Gatherer,
		health:     deps.Health,
		sun:        deps.Sun,
		version:    deps.Version,
		startTime:  time.Now(),
		metrics:    newHTTPMetrics(deps.Registerer),
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.AuditLog, auditChanSize)
	}

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.Config.WebSocket, s.logger)
	}

	s.handler = s.buildRouter()
	return s, nil
}

// Hub returns the websocket hub. It satisfies automation.Broadcaster.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the bound listen address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves in the background. Binding errors
// (port in use) are returned directly.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.done = make(chan struct{})
	if s.auditCh != nil {
		go func() {
			defer close(s.done)
			s.drainAuditLog(srvCtx)
		}()
	} else {
		close(s.done)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	<-s.done
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
