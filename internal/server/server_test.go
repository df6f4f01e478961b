package server

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/intercept-sh/openrouter-proxy/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func mockUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	return &config.Config{
		Host:            "127.0.0.1",
		Port:            freePort(t),
		UpstreamBaseURL: upstreamURL,
		APIKeys:         []string{"k"},
		Models:          []string{"m"},
	}
}

func TestServer_StartServeStop(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := mockUpstream(t)

	srv := New()
	cfg := testConfig(t, upstream.URL)
	if err := srv.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = srv.Stop() }()

	if srv.Status() != StatusRunning {
		t.Fatalf("status=%s", srv.Status())
	}

	resp, err := http.Post(
		fmt.Sprintf("http://%s/chat/completions", srv.Addr()),
		"application/json",
		strings.NewReader(`{"messages":[]}`),
	)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	if got := gjson.GetBytes(body, "choices.0.message.content").String(); got != "hi" {
		t.Fatalf("content=%q", got)
	}

	if got := len(srv.Requests()); got != 1 {
		t.Fatalf("requests=%d", got)
	}

	if err = srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if srv.Status() != StatusStopped {
		t.Fatalf("status after stop=%s", srv.Status())
	}
}

func TestServer_StopIsIdempotent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := mockUpstream(t)

	srv := New()
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop before start: %v", err)
	}

	if err := srv.Start(testConfig(t, upstream.URL)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if srv.Status() != StatusStopped {
		t.Fatalf("status=%s", srv.Status())
	}
}

func TestServer_StartWhileRunningIsNoop(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := mockUpstream(t)

	srv := New()
	cfg := testConfig(t, upstream.URL)
	if err := srv.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = srv.Stop() }()

	addr := srv.Addr()
	if err := srv.Start(cfg); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if srv.Addr() != addr || srv.Status() != StatusRunning {
		t.Fatalf("addr=%s status=%s", srv.Addr(), srv.Status())
	}
}

func TestServer_BindConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := mockUpstream(t)

	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = blocker.Close() }()

	cfg := testConfig(t, upstream.URL)
	cfg.Port = blocker.Addr().(*net.TCPAddr).Port

	srv := New()
	if err = srv.Start(cfg); err == nil {
		_ = srv.Stop()
		t.Fatal("Start succeeded on an occupied port")
	}
	if srv.Status() != StatusStartFailed {
		t.Fatalf("status=%s", srv.Status())
	}
}

func TestServer_StartLeavesDebugModeOff(t *testing.T) {
	upstream := mockUpstream(t)

	gin.SetMode(gin.DebugMode)
	t.Cleanup(func() { gin.SetMode(gin.TestMode) })

	srv := New()
	if err := srv.Start(testConfig(t, upstream.URL)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = srv.Stop() }()

	if gin.Mode() != gin.ReleaseMode {
		t.Fatalf("gin mode=%q", gin.Mode())
	}
}

func TestServer_HistorySurvivesRestart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upstream := mockUpstream(t)

	srv := New()
	if err := srv.Start(testConfig(t, upstream.URL)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Post(
		fmt.Sprintf("http://%s/chat/completions", srv.Addr()),
		"application/json",
		strings.NewReader(`{"messages":[]}`),
	)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = resp.Body.Close()
	if err = srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err = srv.Start(testConfig(t, upstream.URL)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer func() { _ = srv.Stop() }()

	if got := len(srv.Requests()); got != 1 {
		t.Fatalf("requests after restart=%d", got)
	}
	srv.ClearRequests()
	if got := len(srv.Requests()); got != 0 {
		t.Fatalf("requests after clear=%d", got)
	}
}
