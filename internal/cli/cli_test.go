package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/ovh-sniper/internal/config"
	"github.com/rickgao/ovh-sniper/internal/cryptoutils"
	"github.com/rickgao/ovh-sniper/internal/model"
	"github.com/rickgao/ovh-sniper/internal/registry"
)

const testConfigYAML = `
instance:
  id: test-sniper
api:
  app_key: ak
  app_secret: as
  consumer_key: ck
catalog:
  enabled: true
notify:
  webhooks:
    - url: http://127.0.0.1:1/hook
      enabled: false
watches:
  - plan_code: 24ska01
    datacenter: GRA
  - plan_code: 24rise01
    datacenter: rbx
    auto_order: false
    notify_unavailable: true
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, body string) *rootOptions {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sniper.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &rootOptions{configPath: path, envFile: filepath.Join(dir, "missing.env")}
}

func TestTargetFromConfig(t *testing.T) {
	no := false
	tests := []struct {
		name       string
		in         config.WatchConfig
		autoOrder  bool
		notifyAvai bool
	}{
		{"defaults", config.WatchConfig{PlanCode: "p", Datacenter: "gra", Quantity: 1}, true, true},
		{"notify_only", config.WatchConfig{PlanCode: "p", Datacenter: "gra", Quantity: 1, AutoOrder: &no}, false, true},
		{"quiet", config.WatchConfig{PlanCode: "p", Datacenter: "gra", Quantity: 1, NotifyAvailable: &no}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := targetsFromConfig(tt.in)
			if len(got) != 1 {
				t.Fatalf("targetsFromConfig() = %d targets, want 1", len(got))
			}
			if got[0].AutoOrder != tt.autoOrder || got[0].NotifyAvailable != tt.notifyAvai || !got[0].Active {
				t.Errorf("targetsFromConfig() = %+v", got[0])
			}
		})
	}
}

func TestTargetsFromConfigExpandsDatacenters(t *testing.T) {
	got := targetsFromConfig(config.WatchConfig{
		PlanCode:    "24ska01",
		Datacenters: []string{"GRA", "rbx", "gra"},
		Memory:      "ram-32g",
		Quantity:    2,
	})
	if len(got) != 2 || got[0].Datacenter != "gra" || got[1].Datacenter != "rbx" {
		t.Fatalf("targets = %+v, want gra and rbx", got)
	}
	for _, tgt := range got {
		if tgt.Memory != "ram-32g" || tgt.DesiredQuantity != 2 {
			t.Errorf("target %s lost its options: %+v", tgt.Datacenter, tgt)
		}
	}

	all := targetsFromConfig(config.WatchConfig{PlanCode: "24ska01", Quantity: 1})
	if len(all) != len(model.Datacenters) {
		t.Errorf("targets without datacenter = %d, want one per known zone (%d)", len(all), len(model.Datacenters))
	}
}

func TestClearTargets(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	saved, err := upsertWatch(ctx, store, config.WatchConfig{
		PlanCode: "24ska01", Datacenters: []string{"gra", "rbx", "sbg"}, Quantity: 1,
	})
	if err != nil || len(saved) != 3 {
		t.Fatalf("upsertWatch() = %d targets, %v", len(saved), err)
	}

	n, err := clearTargets(ctx, store)
	if err != nil {
		t.Fatalf("clearTargets() error = %v", err)
	}
	if n != 3 {
		t.Errorf("cleared = %d, want 3", n)
	}
	if left, _ := store.List(ctx); len(left) != 0 {
		t.Errorf("targets left = %d, want 0", len(left))
	}
	if n, _ := clearTargets(ctx, store); n != 0 {
		t.Errorf("second clear = %d, want 0", n)
	}
}

func TestWatchClearNeedsConfirmation(t *testing.T) {
	opts := writeConfig(t, testConfigYAML)
	cmd := NewRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", opts.configPath, "--env-file", opts.envFile, "watch", "clear"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("Execute() error = %v, want confirmation requirement", err)
	}
}

func TestSeedWatches(t *testing.T) {
	opts := writeConfig(t, testConfigYAML)
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	store := registry.NewMemoryStore()
	ctx := context.Background()
	if err := seedWatches(ctx, store, cfg.Watches, quietLogger()); err != nil {
		t.Fatalf("seedWatches() error = %v", err)
	}
	// Seeding again keeps one target per natural key.
	if err := seedWatches(ctx, store, cfg.Watches, quietLogger()); err != nil {
		t.Fatalf("second seedWatches() error = %v", err)
	}

	targets, _ := store.List(ctx)
	if len(targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(targets))
	}
	byPlan := map[string]model.WatchTarget{}
	for _, tgt := range targets {
		byPlan[tgt.PlanCode] = tgt
	}
	if byPlan["24ska01"].Datacenter != "gra" || !byPlan["24ska01"].AutoOrder {
		t.Errorf("24ska01 = %+v", byPlan["24ska01"])
	}
	if byPlan["24rise01"].AutoOrder || !byPlan["24rise01"].NotifyUnavailable {
		t.Errorf("24rise01 = %+v", byPlan["24rise01"])
	}
}

func TestStatusRouter(t *testing.T) {
	opts := writeConfig(t, testConfigYAML)
	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	store := registry.NewMemoryStore()
	seedWatches(context.Background(), store, cfg.Watches, quietLogger())

	a, err := newApp(cfg, store, nil, quietLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	server := httptest.NewServer(newStatusRouter(a))
	defer server.Close()

	resp, err := http.Get(server.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status = %d", resp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.InstanceID != "test-sniper" || len(status.Targets) != 2 {
		t.Errorf("status = %+v", status)
	}
	if !strings.Contains(status.Credential.Credential, "AppSecret:****") {
		t.Errorf("credential not redacted: %q", status.Credential.Credential)
	}
	if !status.Credential.Valid || status.Credential.Version != 1 {
		t.Errorf("credential status = %+v", status.Credential)
	}

	health, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("GET /health = %d", health.StatusCode)
	}

	metrics, err := http.Get(server.URL + cfg.Metrics.Path)
	if err != nil {
		t.Fatalf("GET metrics error = %v", err)
	}
	body, _ := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics body missing Go collector output")
	}
}

func TestReloadCredential(t *testing.T) {
	opts := writeConfig(t, testConfigYAML)
	cfg, _ := loadConfig(opts)
	a, err := newApp(cfg, registry.NewMemoryStore(), nil, quietLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}

	if err := a.reloadCredential(cfg); err != nil {
		t.Fatalf("reloadCredential() error = %v", err)
	}
	if v := a.creds.Version(); v != 1 {
		t.Errorf("unchanged credential bumped version to %d", v)
	}

	rotated := *cfg
	rotated.API.ConsumerKey = "ck2"
	a.reloadCredential(&rotated)
	if v := a.creds.Version(); v != 2 {
		t.Errorf("version = %d, want 2 after rotation", v)
	}
	if got := a.creds.Get().Credential.ConsumerKey; got != "ck2" {
		t.Errorf("consumer key = %q, want ck2", got)
	}
}

func TestReloadCredentialResumesParkedTargets(t *testing.T) {
	opts := writeConfig(t, testConfigYAML)
	cfg, _ := loadConfig(opts)
	store := registry.NewMemoryStore()
	target, err := store.Upsert(context.Background(), model.WatchTarget{
		PlanCode: "24ska01", Datacenter: "gra", DesiredQuantity: 1, Active: true, AutoOrder: true,
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	store.SetState(context.Background(), target.ID, model.StateAvailable)

	// Orders placed after the rotation are rejected by a local provider.
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"Plan is not available"}`))
	}))
	defer provider.Close()
	cfg.API.Endpoint = provider.URL

	a, err := newApp(cfg, store, nil, quietLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if err := a.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.orch.Stop(context.Background())

	a.creds.Invalidate(a.creds.Version())
	a.orch.Offer(model.AvailabilityEvent{WatchID: target.ID, State: model.StateAvailable})
	waitForCond(t, "worker parked", func() bool {
		st := a.orch.Status()
		return len(st) == 1 && st[0].AuthParked
	})

	rotated := *cfg
	rotated.API.ConsumerKey = "ck2"
	if err := a.reloadCredential(&rotated); err != nil {
		t.Fatalf("reloadCredential() error = %v", err)
	}
	if st := a.orch.Status(); len(st) != 1 || st[0].AuthParked {
		t.Errorf("status = %+v, want the worker resumed", st)
	}
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSealCommand(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "seal", "--site-secret", "s3cret", "hunter2"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	sealed := strings.TrimSpace(out.String())
	if !strings.HasPrefix(sealed, config.SealedPrefix) {
		t.Fatalf("output = %q, want sealed prefix", sealed)
	}
	plain, err := cryptoutils.Open(strings.TrimPrefix(sealed, config.SealedPrefix), "s3cret")
	if err != nil || plain != "hunter2" {
		t.Errorf("Open() = %q, %v", plain, err)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "ovh-sniper dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestWatchCommandsNeedDatabase(t *testing.T) {
	opts := writeConfig(t, testConfigYAML)
	cmd := NewRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", opts.configPath, "--env-file", opts.envFile, "watch", "list"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "database.postgres.host") {
		t.Errorf("Execute() error = %v, want database requirement", err)
	}
}

func TestRenderTables(t *testing.T) {
	var buf bytes.Buffer
	renderTargets(&buf, []model.WatchTarget{{
		ID: "id-1", PlanCode: "24ska01", Datacenter: "gra", ServerName: "KS-A",
		DesiredQuantity: 2, Ordered: 1, Active: true, AutoOrder: false,
		LastKnownState: model.StateAvailable,
	}})
	out := buf.String()
	for _, want := range []string{"24ska01@gra (KS-A)", "available", "notify", "1/2"} {
		if !strings.Contains(out, want) {
			t.Errorf("targets table missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	renderAttempts(&buf, []model.OrderAttempt{{AttemptID: 3, Outcome: model.OutcomeFailed, Reason: "sold out"}})
	if !strings.Contains(buf.String(), "sold out") {
		t.Errorf("attempts table missing reason:\n%s", buf.String())
	}
}
