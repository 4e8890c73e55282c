package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	httpapi "github.com/GriffinCanCode/livemap/internal/api/http"
	"github.com/GriffinCanCode/livemap/internal/api/middleware"
	"github.com/GriffinCanCode/livemap/internal/domain/session"
	"github.com/GriffinCanCode/livemap/internal/infrastructure/config"
	"github.com/GriffinCanCode/livemap/internal/infrastructure/logging"
	"github.com/GriffinCanCode/livemap/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/livemap/internal/providers/geolocation"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/sandbox"
	"github.com/GriffinCanCode/livemap/internal/shared/httpclient"
	"github.com/GriffinCanCode/livemap/internal/shared/id"
	"github.com/GriffinCanCode/livemap/internal/ws"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	sessions *session.Manager
	devices  *geolocation.Registry
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
	cancel   context.CancelFunc
}

// NewServer creates a new server instance with a logger built from cfg
func NewServer(cfg *config.Config) (*Server, error) {
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}
	return NewWithLogger(cfg, logger)
}

// NewWithLogger creates a server that logs to logger
func NewWithLogger(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	logger.Info("Initializing livemap server",
		zap.String("addr", cfg.Addr()),
		zap.String("default_provider", cfg.Geolocation.DefaultProvider),
		zap.Int("max_sessions", cfg.Sessions.Max),
	)

	profile, err := mapview.LoadProfile(cfg.Sandbox.ProfilePath)
	if err != nil {
		return nil, err
	}
	logger.Info("Map profile loaded",
		zap.String("sdk", profile.SDKName),
		zap.String("sdk_src", profile.SDKSource),
	)

	// Initialize metrics first (needed by other components)
	metrics := monitoring.NewMetrics()

	scripts := newClient("map-sdk", cfg, metrics)
	lookups := newClient("ip-geolocation", cfg, metrics)
	devices := geolocation.NewRegistry(logger.Component("device"))

	ctx, cancel := context.WithCancel(context.Background())
	factory := newFactory(cfg, profile, devices, scripts, lookups, metrics, logger)
	sessions := session.NewManager(ctx, factory, cfg.SessionConfig(), logger.Component("session"))

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID(logger.Component("http")))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins...)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		limits := middleware.DefaultRateLimitConfig()
		limits.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		limits.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(limits))
	}

	httpapi.NewHandlers(sessions, devices, metrics, cfg.Sessions.Max, logger.Component("api")).Register(router)
	ws.NewHandler(sessions, devices, metrics, logger.Component("ws")).Register(router)

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		sessions: sessions,
		devices:  devices,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		cancel:   cancel,
	}, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions returns the session manager
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Run serves until ctx is cancelled, then drains connections and unmounts
// every session.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}

// Close unmounts every session
func (s *Server) Close() {
	s.sessions.Shutdown()
	s.cancel()
	_ = s.logger.Sync()
}

func newClient(name string, cfg *config.Config, metrics *monitoring.Metrics) *httpclient.Client {
	opts := httpclient.DefaultOptions(name)
	if name == "map-sdk" {
		opts.Timeout = cfg.Sandbox.LoadTimeout
	}
	opts.OnBreakerChange = metrics.BreakerChanged
	return httpclient.New(opts)
}

// newFactory builds the collaborators for each provider
func newFactory(
	cfg *config.Config,
	profile mapview.Profile,
	devices *geolocation.Registry,
	scripts, lookups *httpclient.Client,
	metrics *monitoring.Metrics,
	logger *logging.Logger,
) session.Factory {
	var loaders []sandbox.ScriptLoader
	if len(cfg.Sandbox.AllowedScriptPrefixes) > 0 {
		loaders = append(loaders, sandbox.NewHTTPLoader(scripts, cfg.Sandbox.AllowedScriptPrefixes...))
	}

	return func(sessionID id.SessionID, req session.Request) (session.Deps, error) {
		opts, err := cfg.LocationOptions(req.Accuracy)
		if err != nil {
			return session.Deps{}, fmt.Errorf("%w: %w", session.ErrInvalidRequest, err)
		}

		provider := req.Provider
		if provider == "" {
			provider = cfg.Geolocation.DefaultProvider
		}
		sessionLogger := logger.With(zap.String("session_id", sessionID.String()))

		deps := session.Deps{
			Dialect: profile.Dialect(),
			Options: opts,
			Logger:  logger.Component("session"),
			Metrics: metrics,
		}

		switch provider {
		case "device":
			if req.DeviceID == "" {
				return session.Deps{}, fmt.Errorf("%w: device_id is required", session.ErrInvalidRequest)
			}
			device := devices.Device(req.DeviceID)
			deps.Platform, deps.Source = device, device
		case "ip":
			locator := geolocation.NewIPLocator(lookups, cfg.Geolocation.IPEndpoint, cfg.Geolocation.PollInterval, sessionLogger)
			deps.Platform, deps.Source = locator, locator
		case "simulator":
			simCfg := geolocation.DefaultSimulatorConfig()
			simCfg.StepMeters = cfg.Geolocation.SimulatorStep
			sim := geolocation.NewSimulator(simCfg)
			deps.Platform, deps.Source = sim, sim
		default:
			return session.Deps{}, fmt.Errorf("%w: unknown provider %q", session.ErrInvalidRequest, provider)
		}

		host := mapview.NewHost(profile, cfg.SandboxRuntime(), sessionLogger.Named("sandbox"), loaders...)
		deps.Sandbox = host
		deps.View = host.View
		return deps, nil
	}
}
