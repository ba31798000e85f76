package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/zulandar/onloc/internal/config"
	"github.com/zulandar/onloc/internal/device"
	"github.com/zulandar/onloc/internal/notify"
)

// --- Helpers ---

// fakeAPI records REST calls made by the CLI.
type fakeAPI struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []string
	lock  string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Username, Password string }
		json.NewDecoder(r.Body).Decode(&req)
		f.record("login " + req.Username)
		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Invalid credentials"}`))
			return
		}
		w.Write([]byte(`{"accessToken":"a1","refreshToken":"r1","user":{"id":1,"username":"` + req.Username + `"}}`))
	})
	mux.HandleFunc("DELETE /api/tokens", func(w http.ResponseWriter, r *http.Request) {
		f.record("revoke")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		f.record("devices " + r.Header.Get("Authorization"))
		w.Write([]byte(`[{"id":3,"user_id":1,"name":"phone","latest_location":{"device_id":3,"latitude":52.1,"longitude":4.3,"battery":80}},{"id":4,"user_id":1,"name":"tablet"}]`))
	})
	mux.HandleFunc("POST /api/devices/{id}/ring", func(w http.ResponseWriter, r *http.Request) {
		f.record("ring " + r.PathValue("id"))
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /api/devices/{id}/lock", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Message string }
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.lock = req.Message
		f.mu.Unlock()
		f.record("lock " + r.PathValue("id"))
		w.Write([]byte(`{}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) has(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

// writeConfig creates a config whose state lives in a temp dir.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "onloc.yaml")
	body := "data_dir: " + dir + "\nlog_level: disabled\n" + extra
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func login(t *testing.T, api *fakeAPI, cfg string) {
	t.Helper()
	out, err := runCLI(t, "secret\n", "login", api.srv.URL, "-c", cfg, "-u", "ada", "--password-stdin")
	if err != nil {
		t.Fatalf("login failed: %v\n%s", err, out)
	}
}

// --- login / logout ---

func TestLogin_PasswordStdin(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, "")

	out, err := runCLI(t, "secret\n", "login", api.srv.URL, "-c", cfg, "-u", "ada", "--password-stdin")
	if err != nil {
		t.Fatalf("login failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Logged in to "+api.srv.URL+" as ada") {
		t.Errorf("output = %q", out)
	}

	out, err = runCLI(t, "", "status", "-c", cfg)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, api.srv.URL) || !strings.Contains(out, "ada") {
		t.Errorf("status output = %q, want server and user", out)
	}
}

func TestLogin_ReusesStoredServer(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, "")
	login(t, api, cfg)

	out, err := runCLI(t, "secret\n", "login", "-c", cfg, "-u", "grace", "--password-stdin")
	if err != nil {
		t.Fatalf("login failed: %v\n%s", err, out)
	}
	if !api.has("login grace") {
		t.Error("expected login against the stored server")
	}
}

func TestLogin_NoServer(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := runCLI(t, "secret\n", "login", "-c", cfg, "-u", "ada", "--password-stdin")
	if err == nil || !strings.Contains(err.Error(), "onloc discover") {
		t.Errorf("error = %v, want hint to run discover", err)
	}
}

func TestLogin_BadPassword(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, "")
	_, err := runCLI(t, "wrong\n", "login", api.srv.URL, "-c", cfg, "-u", "ada", "--password-stdin")
	if err == nil || !strings.Contains(err.Error(), "Invalid credentials") {
		t.Errorf("error = %v, want server message", err)
	}
}

func TestLogin_RequiresUsername(t *testing.T) {
	cfg := writeConfig(t, "")
	if _, err := runCLI(t, "", "login", "http://x", "-c", cfg); err == nil {
		t.Fatal("expected error without --username")
	}
}

func TestLogout(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, "")
	login(t, api, cfg)

	out, err := runCLI(t, "", "logout", "-c", cfg)
	if err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if !strings.Contains(out, "Logged out") {
		t.Errorf("output = %q", out)
	}
	if !api.has("revoke") {
		t.Error("expected refresh token revocation")
	}

	out, _ = runCLI(t, "", "status", "-c", cfg)
	if !strings.Contains(out, "not logged in") {
		t.Errorf("status output = %q, want not logged in", out)
	}
}

// --- devices ---

func TestDevices_ListMarksSelected(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, "")
	login(t, api, cfg)

	if _, err := runCLI(t, "", "device", "select", "3", "-c", cfg); err != nil {
		t.Fatalf("device select failed: %v", err)
	}
	out, err := runCLI(t, "", "devices", "-c", cfg)
	if err != nil {
		t.Fatalf("devices failed: %v", err)
	}
	if !api.has("devices Bearer a1") {
		t.Error("expected authenticated devices request")
	}
	var phone string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "phone") {
			phone = line
		}
	}
	if !strings.HasPrefix(phone, "*") || !strings.Contains(phone, "80%") || !strings.Contains(phone, "52.10000,4.30000") {
		t.Errorf("phone line = %q", phone)
	}
}

func TestDeviceSelect_Unknown(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, "")
	login(t, api, cfg)

	_, err := runCLI(t, "", "device", "select", "99", "-c", cfg)
	if err == nil || !strings.Contains(err.Error(), "device 99 not found") {
		t.Errorf("error = %v", err)
	}
}

func TestDeviceSelect_InvalidID(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := runCLI(t, "", "device", "select", "abc", "-c", cfg)
	if err == nil || !strings.Contains(err.Error(), "invalid device ID") {
		t.Errorf("error = %v", err)
	}
}

func TestDeviceShowAndClear(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, "")
	login(t, api, cfg)

	out, _ := runCLI(t, "", "device", "show", "-c", cfg)
	if !strings.Contains(out, "No device selected") {
		t.Errorf("show output = %q", out)
	}
	runCLI(t, "", "device", "select", "4", "-c", cfg)
	out, _ = runCLI(t, "", "device", "show", "-c", cfg)
	if strings.TrimSpace(out) != "4" {
		t.Errorf("show output = %q, want 4", out)
	}
	if _, err := runCLI(t, "", "device", "clear", "-c", cfg); err != nil {
		t.Fatalf("device clear failed: %v", err)
	}
	out, _ = runCLI(t, "", "device", "show", "-c", cfg)
	if !strings.Contains(out, "No device selected") {
		t.Errorf("show output after clear = %q", out)
	}
}

// --- ring / lock ---

func TestRingAndLock(t *testing.T) {
	api := newFakeAPI(t)
	cfg := writeConfig(t, "")
	login(t, api, cfg)

	out, err := runCLI(t, "", "ring", "3", "-c", cfg)
	if err != nil {
		t.Fatalf("ring failed: %v", err)
	}
	if !api.has("ring 3") || !strings.Contains(out, "Ring sent to device 3") {
		t.Errorf("ring output = %q, calls = %v", out, api.calls)
	}

	if _, err := runCLI(t, "", "lock", "3", "-m", "call me", "-c", cfg); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	api.mu.Lock()
	msg := api.lock
	api.mu.Unlock()
	if !api.has("lock 3") || msg != "call me" {
		t.Errorf("lock message = %q", msg)
	}
}

func TestRing_NotLoggedIn(t *testing.T) {
	cfg := writeConfig(t, "")
	if _, err := runCLI(t, "", "ring", "3", "-c", cfg); err == nil {
		t.Fatal("expected error without a session")
	}
}

// --- interval ---

func TestInterval_ShowAndSet(t *testing.T) {
	cfg := writeConfig(t, "telemetry:\n  interval: 2m\n")

	out, err := runCLI(t, "", "interval", "-c", cfg)
	if err != nil {
		t.Fatalf("interval failed: %v", err)
	}
	if strings.TrimSpace(out) != "2m (default)" {
		t.Errorf("output = %q, want %q", out, "2m (default)")
	}

	out, err = runCLI(t, "", "interval", "90s", "-c", cfg)
	if err != nil {
		t.Fatalf("interval set failed: %v", err)
	}
	if !strings.Contains(out, "Interval set to 90s") {
		t.Errorf("output = %q", out)
	}
	out, _ = runCLI(t, "", "interval", "-c", cfg)
	if strings.TrimSpace(out) != "90s" {
		t.Errorf("output = %q, want 90s", out)
	}
}

func TestInterval_Invalid(t *testing.T) {
	cfg := writeConfig(t, "")
	for _, v := range []string{"5w", "0s", "abc"} {
		if _, err := runCLI(t, "", "interval", v, "-c", cfg); err == nil {
			t.Errorf("interval %q: expected error", v)
		}
	}
}

// --- status ---

func TestStatus_AgentNotRunning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	cfg := writeConfig(t, "status:\n  addr: "+addr+"\n")

	out, err := runCLI(t, "", "status", "-c", cfg)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "not running") {
		t.Errorf("output = %q, want agent not running", out)
	}
}

func TestStatus_LiveAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"server":"http://s","device_id":3,"channel":"connected","ringing":false,"interval":"1m","telemetry":true,"last_sample":{"latitude":1.5,"longitude":2.5,"battery":-1,"timestamp":"2026-01-01T10:00:00Z"}}`))
	}))
	defer srv.Close()
	cfg := writeConfig(t, "status:\n  addr: "+strings.TrimPrefix(srv.URL, "http://")+"\n")

	out, err := runCLI(t, "", "status", "-c", cfg)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"connected", "running every 1m", "1.50000,2.50000", "battery unknown"} {
		if !strings.Contains(out, want) {
			t.Errorf("output = %q, want %q", out, want)
		}
	}
}

// --- run ---

func TestRun_NotLoggedIn(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := runCLI(t, "", "run", "-c", cfg)
	if err == nil || !strings.Contains(err.Error(), "onloc login") {
		t.Errorf("error = %v, want login hint", err)
	}
}

func TestNewLocator(t *testing.T) {
	loc := newLocator(config.TelemetryConfig{Static: &config.StaticFix{Latitude: 1, Longitude: 2, Accuracy: 5}})
	static, ok := loc.(device.StaticLocator)
	if !ok {
		t.Fatalf("locator = %T, want StaticLocator", loc)
	}
	if static.Fix.Accuracy == nil || *static.Fix.Accuracy != 5 || static.Fix.Altitude != nil {
		t.Errorf("fix = %+v", static.Fix)
	}

	cmdLoc, ok := newLocator(config.TelemetryConfig{}).(device.CommandLocator)
	if !ok || cmdLoc.Command[0] != "termux-location" {
		t.Errorf("default locator = %+v", cmdLoc)
	}
}

func TestNewBattery(t *testing.T) {
	if b := newBattery(config.TelemetryConfig{}); b != nil {
		t.Errorf("battery = %T, want nil", b)
	}
	if _, ok := newBattery(config.TelemetryConfig{BatterySysfs: "/sys/x"}).(device.SysfsBattery); !ok {
		t.Error("expected SysfsBattery")
	}
	if _, ok := newBattery(config.TelemetryConfig{BatteryCommand: []string{"termux-battery-status"}}).(device.CommandBattery); !ok {
		t.Error("expected CommandBattery")
	}
}

func TestNewNotifier(t *testing.T) {
	n, err := newNotifier(config.NotifyConfig{})
	if err != nil || n != nil {
		t.Errorf("newNotifier(empty) = %v, %v; want nil", n, err)
	}
	n, err = newNotifier(config.NotifyConfig{
		SlackWebhookURL:   "https://hooks.slack.com/services/T/B/X",
		DiscordWebhookURL: "https://discord.com/api/webhooks/123/tok",
	})
	if err != nil {
		t.Fatalf("newNotifier: %v", err)
	}
	if multi, ok := n.(notify.Multi); !ok || len(multi) != 2 {
		t.Errorf("notifier = %#v, want two-target Multi", n)
	}
}

func TestParseDeviceID(t *testing.T) {
	if id, err := parseDeviceID("12"); err != nil || id != 12 {
		t.Errorf("parseDeviceID(12) = %d, %v", id, err)
	}
	if _, err := parseDeviceID("-2"); err == nil {
		t.Error("expected error for negative id")
	}
}
