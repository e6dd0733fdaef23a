package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/security"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Service names resolved from the app context at Start.
const (
	ServiceWebhookDispatcher = "gateway.webhook_dispatcher"
	ServiceMetrics           = "gateway.metrics"
	ServiceReloader          = "reload.handler"
	ServiceConfigPath        = "config.path"
	ServiceAudit             = "security.audit"
	ServiceMaintenance       = "relay.maintenance"
	ServiceModuleHealth      = "core.health"
)

func init() {
	core.RegisterModule(&Gateway{})
}

// Reloader re-reads the configuration file and applies it.
type Reloader interface {
	HandleReload(ctx context.Context, configPath string) error
}

// Gateway is the HTTP gateway module. It exposes health, status, metrics,
// the admin API and webhook endpoints. Nothing imports it.
type Gateway struct {
	config      Config
	appCtx      *core.AppContext
	logger      *slog.Logger
	server      *http.Server
	metrics     *Metrics
	dispatcher  *WebhookDispatcher
	authLimiter *rate.Limiter
	startedAt   time.Time

	// Resolved lazily at Start() via service registry.
	engine      *engine.Engine
	reloader    Reloader
	configPath  string
	audit       *security.AuditLogger
	maintenance Maintenance
	modules     ModuleHealth
}

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "gateway.http",
		New: func() core.Module { return &Gateway{} },
	}
}

// Configure implements core.Configurable.
func (g *Gateway) Configure(node *yaml.Node) error {
	if err := node.Decode(&g.config); err != nil {
		return err
	}
	g.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.config.defaults()
	g.appCtx = ctx
	g.logger = ctx.Logger
	g.metrics = &Metrics{}
	g.dispatcher = NewWebhookDispatcher(g.logger)
	g.authLimiter = rate.NewLimiter(rate.Limit(g.config.AuthRate), g.config.AuthBurst)

	ctx.RegisterService(ServiceMetrics, g.metrics)
	ctx.RegisterService(ServiceWebhookDispatcher, g.dispatcher)

	creds, _ := core.Service[*security.CredentialStore](ctx, security.ServiceCredentials)
	creds.SetAll(map[string]string{
		security.CredGatewayToken: g.config.Auth.BearerToken,
		security.CredGatewayPass:  g.config.Auth.BasicPass,
	})

	for source, cfg := range g.config.Webhooks {
		if cfg.Secret != "" {
			g.dispatcher.SetSecret(source, cfg.Secret)
			creds.SetAll(map[string]string{"gateway.webhook." + source: cfg.Secret})
			g.logger.Info("gateway: webhook source configured", "source", source)
		}
	}
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	return g.config.validate()
}

// Start implements core.Starter. It resolves dependencies from the service
// registry (lazy binding) and starts the HTTP server.
func (g *Gateway) Start() error {
	g.resolve()
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway: listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: serve error", "error", err)
		}
	}()

	return nil
}

// resolve binds optional services. Missing services degrade the matching
// endpoints instead of failing the start.
func (g *Gateway) resolve() {
	if e, ok := core.Service[*engine.Engine](g.appCtx, engine.ServiceName); ok {
		g.engine = e
	}
	if r, ok := core.Service[Reloader](g.appCtx, ServiceReloader); ok {
		g.reloader = r
	}
	if p, ok := core.Service[string](g.appCtx, ServiceConfigPath); ok {
		g.configPath = p
	}
	if a, ok := core.Service[*security.AuditLogger](g.appCtx, ServiceAudit); ok {
		g.audit = a
	}
	if m, ok := core.Service[Maintenance](g.appCtx, ServiceMaintenance); ok {
		g.maintenance = m
	}
	if h, ok := core.Service[ModuleHealth](g.appCtx, ServiceModuleHealth); ok {
		g.modules = h
	}
}

// Stop implements core.Stopper. Graceful shutdown with configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway: shutting down")
	return g.server.Shutdown(shutdownCtx)
}
