package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flemzord/smartfolders/internal/channel"
	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/gateway"
	"github.com/flemzord/smartfolders/internal/security"
	"gopkg.in/yaml.v3"
)

// ServiceDialer is the service name under which the Bot API relay
// transport is registered.
const ServiceDialer = "remote.dialer"

// webhookSource is the gateway route, /webhooks/telegram.
const webhookSource = "telegram"

// controlUpdates are the update kinds the control bot subscribes to.
var controlUpdates = []string{"message"}

func init() {
	core.RegisterModule(&Telegram{})
}

// Compile-time interface guards.
var (
	_ core.Configurable = (*Telegram)(nil)
	_ core.Provisioner  = (*Telegram)(nil)
	_ core.Validator    = (*Telegram)(nil)
	_ core.Starter      = (*Telegram)(nil)
	_ core.Stopper      = (*Telegram)(nil)
)

// Telegram is the control bot users talk to, and the provider of the Bot
// API relay transport.
type Telegram struct {
	config    Config
	client    *Client
	logger    *slog.Logger
	allowList *channel.AllowList
	limiter   *security.CommandLimiter
	dialer    *Dialer
	appCtx    *core.AppContext
	commands  *commander

	// Set during Start() depending on mode.
	poller          *Poller
	webhookReceiver *WebhookReceiver
}

// ModuleInfo implements core.Module.
func (t *Telegram) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "channel.telegram",
		New: func() core.Module { return &Telegram{} },
	}
}

// Configure implements core.Configurable.
func (t *Telegram) Configure(node *yaml.Node) error {
	if err := node.Decode(&t.config); err != nil {
		return fmt.Errorf("telegram: decode config: %w", err)
	}
	return nil
}

// Provision implements core.Provisioner. It registers the relay dialer so
// the engine can be built before modules start.
func (t *Telegram) Provision(ctx *core.AppContext) error {
	t.config.defaults()
	t.appCtx = ctx
	t.logger = ctx.Logger
	t.client = NewClient(t.config.Token, t.config.APIURL)
	creds, _ := core.Service[*security.CredentialStore](ctx, security.ServiceCredentials)
	creds.SetAll(map[string]string{
		security.CredBotToken:      t.config.Token,
		security.CredWebhookSecret: t.config.WebhookSecret,
	})
	t.allowList = channel.NewAllowList(t.config.AllowUsers, t.config.AdminIDs, t.config.Public)
	t.limiter = security.NewCommandLimiter(t.config.CommandLimit, t.config.CommandWindow)
	t.dialer = NewDialer(t.config.APIURL, t.config.RelayPollingTimeout, t.logger)
	ctx.RegisterService(ServiceDialer, t.dialer)
	if !t.config.Public && len(t.config.AllowUsers) == 0 && len(t.config.AdminIDs) == 0 {
		t.logger.Warn("telegram: no allow_users or admin_ids and public is false, every command will be denied")
	}
	return nil
}

// Validate implements core.Validator.
func (t *Telegram) Validate() error {
	return t.config.validate()
}

// Limiter returns the command limiter so maintenance jobs can prune it.
func (t *Telegram) Limiter() *security.CommandLimiter { return t.limiter }

// Start implements core.Starter. getMe runs first so a revoked token
// fails startup instead of the first command.
func (t *Telegram) Start() error {
	e, ok := core.Service[*engine.Engine](t.appCtx, engine.ServiceName)
	if !ok {
		return fmt.Errorf("telegram: %s service not found", engine.ServiceName)
	}
	audit, _ := core.Service[*security.AuditLogger](t.appCtx, gateway.ServiceAudit)

	ctx := context.Background()
	me, err := t.client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: getMe failed (check token): %w", err)
	}
	t.logger.Info("telegram: control bot authenticated", "id", me.ID, "username", me.Username)

	t.commands = newCommander(e, t.client, t.allowList, t.limiter, audit, t.logger, t.config.MaxMessageLength)
	if t.config.Mode == ModeWebhook {
		return t.startWebhook(ctx)
	}
	t.startPolling(ctx)
	return nil
}

func (t *Telegram) startPolling(ctx context.Context) {
	// A leftover webhook makes getUpdates fail with 409.
	if err := t.client.DeleteWebhook(ctx); err != nil {
		t.logger.Warn("telegram: deleteWebhook failed", "error", err)
	}
	t.poller = NewPoller(t.client, t.commands.HandleUpdate, t.logger, t.config.PollingTimeout, controlUpdates)
	t.poller.Start()
	t.logger.Info("telegram: polling started", "timeout", t.config.PollingTimeout)
}

func (t *Telegram) startWebhook(ctx context.Context) error {
	dispatcher, ok := core.Service[*gateway.WebhookDispatcher](t.appCtx, gateway.ServiceWebhookDispatcher)
	if !ok {
		return fmt.Errorf("telegram: %s service not found (is the gateway module loaded?)", gateway.ServiceWebhookDispatcher)
	}
	if t.config.WebhookSecret == "" {
		t.logger.Warn("telegram: webhook running without webhook_secret, set one for production deployments")
	}
	t.webhookReceiver = NewWebhookReceiver(t.commands.HandleUpdate, t.config.WebhookSecret)
	dispatcher.Register(webhookSource, t.webhookReceiver, t.webhookReceiver.Verifier())

	err := t.client.SetWebhook(ctx, SetWebhookRequest{
		URL:            t.config.WebhookURL,
		SecretToken:    t.config.WebhookSecret,
		AllowedUpdates: controlUpdates,
	})
	if err != nil {
		dispatcher.Unregister(webhookSource)
		return fmt.Errorf("telegram: setWebhook failed: %w", err)
	}
	t.logger.Info("telegram: webhook configured", "url", t.config.WebhookURL)
	return nil
}

// Stop implements core.Stopper.
func (t *Telegram) Stop(ctx context.Context) error {
	if t.commands == nil {
		return nil
	}
	t.logger.Info("telegram: control bot stopping")

	if t.poller != nil {
		t.poller.Stop()
	}
	if t.webhookReceiver != nil {
		if dispatcher, ok := core.Service[*gateway.WebhookDispatcher](t.appCtx, gateway.ServiceWebhookDispatcher); ok {
			dispatcher.Unregister(webhookSource)
		}
		if err := t.client.DeleteWebhook(ctx); err != nil {
			t.logger.Warn("telegram: failed to delete webhook on shutdown", "error", err)
		}
	}
	t.commands.close()
	return nil
}
