package telegram

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/gateway"
	"github.com/flemzord/smartfolders/internal/remote"
	"github.com/flemzord/smartfolders/internal/security"
	"github.com/flemzord/smartfolders/internal/store"
	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

func configure(t *testing.T, tg *Telegram, cfgYAML string) {
	t.Helper()
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(cfgYAML), &node); err != nil {
		t.Fatalf("unmarshal yaml: %v", err)
	}
	// yaml.Unmarshal wraps in a document node; pass the first child.
	if err := tg.Configure(node.Content[0]); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
}

// TestLifecycle exercises Configure → Provision → Validate → Start → command
// → reply → Stop against a fake Bot API, with the engine built on the
// dialer the module registers.
func TestLifecycle(t *testing.T) {
	api := newFakeBotAPI(t)
	api.AddBot(controlToken, 111, "control_bot")

	tg := &Telegram{}
	configure(t, tg, `
token: "`+controlToken+`"
mode: "polling"
polling_timeout: 0
allow_users: [42]
api_url: "`+api.URL()+`"
`)
	if tg.config.Token != controlToken {
		t.Errorf("config.Token = %q, want %q", tg.config.Token, controlToken)
	}

	appCtx := core.NewAppContext(discardLogger(), t.TempDir())
	creds := security.NewCredentialStore()
	appCtx.RegisterService(security.ServiceCredentials, creds)
	if err := tg.Provision(appCtx); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if err := tg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if tok, _ := creds.Get(security.CredBotToken); tok != controlToken {
		t.Errorf("bot token not registered as a credential, got %q", tok)
	}

	dialer, ok := core.Service[remote.Dialer](appCtx, ServiceDialer)
	if !ok {
		t.Fatal("dialer service not registered during Provision")
	}

	// Start needs the engine.
	if err := tg.Start(); err == nil {
		t.Fatal("Start() should fail without the engine service")
	}

	cfg := engine.DefaultConfig()
	cfg.DataDir = t.TempDir()
	e, err := engine.New(cfg, engine.Deps{Dialer: dialer, Backend: store.NewMemory(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	appCtx.RegisterService(engine.ServiceName, e)

	if err := tg.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	api.Queue(controlToken, Update{Message: &Message{
		MessageID: 100,
		From:      &User{ID: 42, FirstName: "Alice", Username: "alice"},
		Chat:      Chat{ID: 42, Type: "private"},
		Text:      "/help",
		Date:      int(time.Now().Unix()),
	}})

	waitFor(t, "help reply", func() bool { return len(api.Replies(controlToken)) > 0 })
	if reply := api.Replies(controlToken)[0]; !strings.Contains(reply, "SmartFolders") {
		t.Errorf("reply = %q, want help text", reply)
	}

	if err := tg.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

func TestLifecycle_Webhook(t *testing.T) {
	api := newFakeBotAPI(t)
	api.AddBot(controlToken, 111, "control_bot")

	tg := &Telegram{}
	configure(t, tg, `
token: "`+controlToken+`"
mode: "webhook"
webhook_url: "https://example.com/webhooks/telegram"
webhook_secret: "s3cret"
public: true
api_url: "`+api.URL()+`"
`)

	appCtx := core.NewAppContext(discardLogger(), t.TempDir())
	if err := tg.Provision(appCtx); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	dispatcher := gateway.NewWebhookDispatcher(discardLogger())
	appCtx.RegisterService(gateway.ServiceWebhookDispatcher, dispatcher)

	dialer, _ := core.Service[remote.Dialer](appCtx, ServiceDialer)
	cfg := engine.DefaultConfig()
	cfg.DataDir = t.TempDir()
	e, err := engine.New(cfg, engine.Deps{Dialer: dialer, Backend: store.NewMemory(), Logger: discardLogger()})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	appCtx.RegisterService(engine.ServiceName, e)

	if err := tg.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if tg.webhookReceiver == nil {
		t.Fatal("webhook receiver not created")
	}

	router := chi.NewRouter()
	router.Post("/webhooks/{source}", dispatcher.ServeHTTP)
	for _, token := range []string{"wrong", "s3cret"} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", bytes.NewReader(privateUpdate("/help")))
		req.Header.Set(secretHeader, token)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}
	if len(api.Replies(controlToken)) != 1 {
		t.Errorf("replies = %v, want one help reply", api.Replies(controlToken))
	}

	if err := tg.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}

// TestModuleRegistered verifies the module is registered via init().
func TestModuleRegistered(t *testing.T) {
	info, ok := core.GetModule("channel.telegram")
	if !ok {
		t.Fatal("channel.telegram module not registered")
	}
	if info.ID != "channel.telegram" {
		t.Errorf("ID = %q, want %q", info.ID, "channel.telegram")
	}
	if info.New == nil {
		t.Fatal("New function is nil")
	}
	mod := info.New()
	if _, ok := mod.(*Telegram); !ok {
		t.Errorf("New() returned %T, want *Telegram", mod)
	}
}

func TestTelegram_Validate(t *testing.T) {
	tg := &Telegram{}
	tg.config.defaults()
	if err := tg.Validate(); err == nil {
		t.Error("Validate() accepted a config without token")
	}
	tg.config.Token = "123:abc"
	if err := tg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}
