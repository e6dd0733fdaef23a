package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/security"
	"gopkg.in/yaml.v3"
)

func TestGateway_ModuleInfo(t *testing.T) {
	t.Parallel()

	info := (&Gateway{}).ModuleInfo()
	if info.ID != "gateway.http" || info.New == nil {
		t.Fatalf("ModuleInfo = %+v", info)
	}
	if _, ok := info.New().(*Gateway); !ok {
		t.Error("New() should return *Gateway")
	}
}

func TestGateway_Configure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		yaml  string
		check func(t *testing.T, c Config)
	}{
		{
			name: "defaults",
			yaml: "{}",
			check: func(t *testing.T, c Config) {
				if c.Bind != "127.0.0.1:8080" {
					t.Errorf("Bind = %q", c.Bind)
				}
				if c.ReadTimeout != 10*time.Second || c.WriteTimeout != 30*time.Second || c.ShutdownTimeout != 5*time.Second {
					t.Errorf("timeouts = %v/%v/%v", c.ReadTimeout, c.WriteTimeout, c.ShutdownTimeout)
				}
				if c.AuthRate != 5 || c.AuthBurst != 10 {
					t.Errorf("auth rate = %v/%d, want 5/10", c.AuthRate, c.AuthBurst)
				}
				if c.ReadOnly {
					t.Error("ReadOnly should default to false")
				}
			},
		},
		{
			name: "operator overrides",
			yaml: `
bind: "0.0.0.0:9090"
read_timeout: 5s
read_only: true
auth:
  bearer_token: "relay-admin-token"
webhooks:
  alerting:
    secret: "0123456789abcdef"
`,
			check: func(t *testing.T, c Config) {
				if c.Bind != "0.0.0.0:9090" || c.ReadTimeout != 5*time.Second {
					t.Errorf("Bind/ReadTimeout = %q/%v", c.Bind, c.ReadTimeout)
				}
				if !c.ReadOnly {
					t.Error("ReadOnly not set")
				}
				if c.Auth.BearerToken != "relay-admin-token" {
					t.Errorf("BearerToken = %q", c.Auth.BearerToken)
				}
				if wh, ok := c.Webhooks["alerting"]; !ok || wh.Secret != "0123456789abcdef" {
					t.Errorf("Webhooks = %+v", c.Webhooks)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := &Gateway{}
			if err := g.Configure(mustYAMLNode(t, tt.yaml)); err != nil {
				t.Fatalf("Configure: %v", err)
			}
			tt.check(t, g.config)
		})
	}
}

func TestGateway_ProvisionRegistersServicesAndSecrets(t *testing.T) {
	t.Parallel()

	g := &Gateway{}
	g.config.defaults()
	g.config.Auth = AuthConfig{BearerToken: "relay-admin-token", BasicUser: "ops", BasicPass: "opensesame"}
	g.config.Webhooks = map[string]WebhookConfig{"alerting": {Secret: "0123456789abcdef"}}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	appCtx := core.NewAppContext(logger, "/data")
	creds := security.NewCredentialStore()
	appCtx.RegisterService(security.ServiceCredentials, creds)

	if err := g.Provision(appCtx); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if g.metrics == nil || g.dispatcher == nil || g.authLimiter == nil {
		t.Fatal("metrics, dispatcher and auth limiter should be initialized")
	}
	for _, name := range []string{ServiceMetrics, ServiceWebhookDispatcher} {
		if _, ok := appCtx.GetService(name); !ok {
			t.Errorf("%s not registered", name)
		}
	}

	want := []string{security.CredGatewayToken, security.CredGatewayPass, "gateway.webhook.alerting"}
	slices.Sort(want)
	if got := creds.Names(); !slices.Equal(got, want) {
		t.Errorf("credentials = %v, want %v", got, want)
	}
}

func TestGateway_ProvisionWithoutCredentialStore(t *testing.T) {
	t.Parallel()

	g := &Gateway{}
	g.config.defaults()
	g.config.Auth.BearerToken = "relay-admin-token"
	appCtx := core.NewAppContext(slog.New(slog.DiscardHandler), "/data")
	if err := g.Provision(appCtx); err != nil {
		t.Fatalf("Provision: %v", err)
	}
}

// freeAddr returns a free TCP address on localhost.
func freeAddr(t *testing.T) string {
	t.Helper()
	var lc net.ListenConfig
	ln, err := lc.Listen(t.Context(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}
	return addr
}

// doGet makes a GET request with context.
func doGet(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// doGetWithBearer makes a GET request with a bearer token.
func doGetWithBearer(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func newTestGateway(t *testing.T, addr string, auth AuthConfig) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	appCtx := core.NewAppContext(logger, "/data")

	g := &Gateway{}
	g.config = Config{
		Bind:            addr,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		Auth:            auth,
	}
	g.appCtx = appCtx
	g.logger = logger
	g.metrics = &Metrics{}
	g.dispatcher = NewWebhookDispatcher(logger)
	return g
}

func TestGateway_StartStop(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	g := newTestGateway(t, addr, AuthConfig{})

	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp := doGet(t, "http://"+addr+"/health")
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != healthUnavailable {
		t.Errorf("health.Status = %q, want %q", health.Status, healthUnavailable)
	}

	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestGateway_StartWithServices(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	appCtx := core.NewAppContext(logger, "/data")

	e, _ := newTestEngine(t, func(c *engine.Config) { c.EnableMetrics = true })
	appCtx.RegisterService(engine.ServiceName, e)
	appCtx.RegisterService(ServiceConfigPath, "/etc/smartfolders.yaml")

	g := &Gateway{}
	g.config = Config{
		Bind:            addr,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
	g.appCtx = appCtx
	g.logger = logger
	g.metrics = &Metrics{}
	g.dispatcher = NewWebhookDispatcher(logger)

	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = g.Stop(context.Background()) }()

	if g.engine != e {
		t.Error("engine not resolved from the service registry")
	}
	if g.configPath != "/etc/smartfolders.yaml" {
		t.Errorf("configPath = %q", g.configPath)
	}

	resp := doGet(t, "http://"+addr+"/health")
	defer func() { _ = resp.Body.Close() }()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || health.Status != healthOK {
		t.Errorf("health = %d %q, want 200 ok", resp.StatusCode, health.Status)
	}

	metricsResp := doGet(t, "http://"+addr+"/metrics")
	_ = metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", metricsResp.StatusCode)
	}
}

func TestGateway_AdminRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		auth  AuthConfig
		path  string
		token string
		want  []int
	}{
		{name: "no auth configured", path: "/status", want: []int{http.StatusNotFound, http.StatusMethodNotAllowed}},
		{name: "no auth configured sessions", path: "/api/sessions", want: []int{http.StatusNotFound, http.StatusMethodNotAllowed}},
		{name: "missing token", auth: AuthConfig{BearerToken: "test-token"}, path: "/status", want: []int{http.StatusUnauthorized}},
		{name: "wrong token", auth: AuthConfig{BearerToken: "test-token"}, path: "/status", token: "nope", want: []int{http.StatusUnauthorized}},
		{name: "valid token", auth: AuthConfig{BearerToken: "test-token"}, path: "/status", token: "test-token", want: []int{http.StatusOK}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			addr := freeAddr(t)
			g := newTestGateway(t, addr, tt.auth)
			if err := g.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer func() { _ = g.Stop(context.Background()) }()

			var resp *http.Response
			if tt.token != "" {
				resp = doGetWithBearer(t, "http://"+addr+tt.path, tt.token)
			} else {
				resp = doGet(t, "http://"+addr+tt.path)
			}
			_ = resp.Body.Close()
			if !slices.Contains(tt.want, resp.StatusCode) {
				t.Errorf("GET %s = %d, want one of %v", tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGateway_StopNilServer(t *testing.T) {
	t.Parallel()

	g := &Gateway{}
	if err := g.Stop(context.Background()); err != nil {
		t.Errorf("Stop on nil server should not error: %v", err)
	}
}

// mustYAMLNode parses YAML text into a *yaml.Node for Configure calls.
func mustYAMLNode(t *testing.T, text string) *yaml.Node {
	t.Helper()
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(text), &node); err != nil {
		t.Fatalf("YAML parse: %v", err)
	}
	if len(node.Content) > 0 {
		return node.Content[0]
	}
	return &node
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "basic auth pair", mutate: func(c *Config) { c.Auth.BasicUser, c.Auth.BasicPass = "admin", "hunter22" }},
		{name: "basic user without pass", mutate: func(c *Config) { c.Auth.BasicUser = "admin" }, wantErr: true},
		{name: "basic pass without user", mutate: func(c *Config) { c.Auth.BasicPass = "hunter22" }, wantErr: true},
		{name: "short webhook secret", mutate: func(c *Config) {
			c.Webhooks = map[string]WebhookConfig{"github": {Secret: "short"}}
		}, wantErr: true},
		{name: "webhook without secret", mutate: func(c *Config) {
			c.Webhooks = map[string]WebhookConfig{"github": {}}
		}},
		{name: "bad bind", mutate: func(c *Config) { c.Bind = "nowhere" }, wantErr: true},
		{name: "garbage bind", mutate: func(c *Config) { c.Bind = "not a valid address::" }, wantErr: true},
		{name: "empty webhook source", mutate: func(c *Config) {
			c.Webhooks = map[string]WebhookConfig{"": {Secret: "0123456789abcdef"}}
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var c Config
			c.defaults()
			tt.mutate(&c)
			if err := c.validate(); (err != nil) != tt.wantErr {
				t.Errorf("validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
