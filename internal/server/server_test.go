package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/auricle/internal/config"
	"github.com/MrWong99/auricle/internal/gateway"
	"github.com/MrWong99/auricle/internal/server"
	vllmmock "github.com/MrWong99/auricle/pkg/provider/vllm/mock"
)

const waitTimeout = 3 * time.Second

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.WebsocketURL = "ws://gateway.test:8000/xiaozhi/v1/"
	return cfg
}

func newServer(t *testing.T, mutate func(*server.Options)) *server.Server {
	t.Helper()
	opts := server.Options{
		Config: testConfig(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := server.New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestOTA_Post(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	body := `{"application":{"version":"1.6.1"}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/xiaozhi/ota/", strings.NewReader(body))
	req.Header.Set("device-id", "aa:bb:cc:dd:ee:ff")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /xiaozhi/ota/: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	var out struct {
		ServerTime struct {
			Timestamp      int64 `json:"timestamp"`
			TimezoneOffset int   `json:"timezone_offset"`
		} `json:"server_time"`
		Firmware struct {
			Version string `json:"version"`
			URL     string `json:"url"`
		} `json:"firmware"`
		Websocket struct {
			URL string `json:"url"`
		} `json:"websocket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Firmware.Version != "1.6.1" {
		t.Errorf("firmware.version = %q, want echoed 1.6.1", out.Firmware.Version)
	}
	if out.Firmware.URL != "" {
		t.Errorf("firmware.url = %q, want empty", out.Firmware.URL)
	}
	if out.Websocket.URL != "ws://gateway.test:8000/xiaozhi/v1/" {
		t.Errorf("websocket.url = %q", out.Websocket.URL)
	}
	if out.ServerTime.Timestamp == 0 {
		t.Error("server_time.timestamp missing")
	}
}

func TestOTA_PostWithoutDeviceIDReturnsLegacyError(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/xiaozhi/ota/", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Legacy firmwares treat any non-200 as a network fault.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Success || out.Message != "request error." {
		t.Errorf("got %+v, want success=false message=%q", out, "request error.")
	}
}

func TestOTA_GetHealthLine(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/xiaozhi/ota/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ws://gateway.test:8000/xiaozhi/v1/") {
		t.Errorf("health line %q does not name the websocket endpoint", body)
	}
}

func TestVision_Post(t *testing.T) {
	t.Parallel()

	vp := &vllmmock.Provider{Answer: "a red cup on a table"}
	s := newServer(t, func(o *server.Options) { o.VLLM = vp })
	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("question", "what is on the table?"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "capture.jpg")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10})
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp/vision/explain", &buf)
	req.Header.Set("device-id", "aa:bb:cc:dd:ee:ff")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool   `json:"success"`
		Result  string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Result != "a red cup on a table" {
		t.Errorf("got %+v", out)
	}

	calls := vp.Calls()
	if len(calls) != 1 {
		t.Fatalf("Explain called %d times, want 1", len(calls))
	}
	if calls[0].Question != "what is on the table?" {
		t.Errorf("question = %q", calls[0].Question)
	}
	if calls[0].ImageLen == 0 {
		t.Error("image bytes not forwarded")
	}
}

func TestVision_WithoutProvider(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp/vision/explain", strings.NewReader(""))
	req.Header.Set("device-id", "aa:bb:cc:dd:ee:ff")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Success {
		t.Error("expected success=false without a configured provider")
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

// dialWS opens a device channel against the WS handler and completes the
// hello exchange.
func dialWS(t *testing.T, url, deviceID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url+"/xiaozhi/v1/", &websocket.DialOptions{
		HTTPHeader: http.Header{"device-id": []string{deviceID}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	hello := `{"type":"hello","version":1,"transport":"websocket","audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(hello)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read hello ack: %v", err)
	}
	var ack map[string]any
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("hello ack not JSON: %v", err)
	}
	if ack["type"] != "hello" || ack["transport"] != "websocket" {
		t.Fatalf("unexpected hello ack: %v", ack)
	}
	return conn
}

func TestWS_HelloOverRealSocket(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	srv := httptest.NewServer(s.WSHandler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialWS(t, wsURL, "aa:bb:cc:dd:ee:ff")

	deadline := time.Now().Add(waitTimeout)
	for s.Connection("aa:bb:cc:dd:ee:ff") == nil {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_ReconnectEvictsOldConnection(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	srv := httptest.NewServer(s.WSHandler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	first := dialWS(t, wsURL, "11:22:33:44:55:66")
	dialWS(t, wsURL, "11:22:33:44:55:66")

	// The first socket gets closed by the eviction.
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for {
		if _, _, err := first.Read(ctx); err != nil {
			return
		}
	}
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	srv := httptest.NewServer(s.WSHandler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := dialWS(t, wsURL, "aa:bb:cc:dd:ee:01")

	deadline := time.Now().Add(waitTimeout)
	for s.Connection("aa:bb:cc:dd:ee:01") == nil {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if sent := s.Broadcast(ctx, map[string]string{"type": "notice", "text": "maintenance at noon"}); sent != 1 {
		t.Fatalf("Broadcast() = %d, want 1", sent)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if !strings.Contains(string(data), "maintenance at noon") {
		t.Errorf("broadcast frame = %s", data)
	}
}

func TestUpdateConfig_AppliesHotChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(prompt, level string) {
		content := "server:\n  log_level: " + level + "\nprompt: " + prompt + "\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("old persona", "info")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	level := new(slog.LevelVar)
	s := newServer(t, func(o *server.Options) {
		o.Config = cfg
		o.ConfigPath = path
		o.LogLevel = level
	})

	write("new persona", "debug")
	if err := s.UpdateConfig(context.Background()); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
}

func TestUpdateConfig_WithoutPath(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	if err := s.UpdateConfig(context.Background()); err == nil {
		t.Error("expected error when no config path is configured")
	}
}

func TestScheduleRestart_UsesInjectedFn(t *testing.T) {
	t.Parallel()

	var restarts atomic.Int32
	s := newServer(t, func(o *server.Options) {
		o.RestartFn = func() { restarts.Add(1) }
	})

	s.ScheduleRestart()
	deadline := time.Now().Add(waitTimeout)
	for restarts.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("restart fn never invoked")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNew_RequiresConfig(t *testing.T) {
	t.Parallel()

	if _, err := server.New(server.Options{}); err == nil {
		t.Error("expected error for missing config")
	}
}

var _ gateway.Registrar = (*server.Server)(nil)
var _ gateway.ControlPlane = (*server.Server)(nil)
