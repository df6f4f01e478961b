// Package server owns the proxy lifecycle: binding the listener, confirming
// readiness, and draining on shutdown. A Server can be stopped and restarted
// with a different configuration; the intercept history survives restarts.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/intercept-sh/openrouter-proxy/internal/api"
	"github.com/intercept-sh/openrouter-proxy/internal/config"
	"github.com/intercept-sh/openrouter-proxy/internal/intercept"
	"github.com/intercept-sh/openrouter-proxy/internal/metrics"
	"github.com/intercept-sh/openrouter-proxy/internal/record"
	"github.com/intercept-sh/openrouter-proxy/internal/rotation"
	"github.com/intercept-sh/openrouter-proxy/internal/upstream"
	"github.com/intercept-sh/openrouter-proxy/internal/usage"
)

// Status is the server lifecycle state.
type Status string

const (
	StatusStopped     Status = "stopped"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusStopping    Status = "stopping"
	StatusStartFailed Status = "start_failed"
)

const (
	readinessDeadline = 3 * time.Second
	readinessInterval = 50 * time.Millisecond
	shutdownTimeout   = 5 * time.Second
)

// bindBackoffs spaces the retry cycles after a failed bind-and-poll attempt.
var bindBackoffs = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Server hosts the proxy. Zero value is not usable; construct with New.
type Server struct {
	mu      sync.Mutex
	status  Status
	addr    string
	httpSrv *http.Server
	client  *upstream.Client
	store   *usage.Store

	sink    *intercept.Sink
	metrics *metrics.Metrics
}

// New builds a stopped server. The intercept sink and metrics registry are
// created once and shared across restarts.
func New() *Server {
	return &Server{
		status:  StatusStopped,
		sink:    intercept.NewSink(0),
		metrics: metrics.New(),
	}
}

// Start binds the configured address and serves until Stop. It only returns
// nil once a readiness probe against the listener has succeeded; bind or
// readiness failures are retried with backoff before giving up.
func (s *Server) Start(cfg *config.Config) error {
	s.mu.Lock()
	switch s.status {
	case StatusRunning:
		s.mu.Unlock()
		log.Warn("start ignored, server already running")
		return nil
	case StatusStarting, StatusStopping:
		s.mu.Unlock()
		return fmt.Errorf("server: start rejected while %s", s.status)
	}
	s.status = StatusStarting
	s.mu.Unlock()

	cfg = cfg.Clone()
	cfg.Sanitize()
	s.sink.SetMax(cfg.MaxRequests)

	client := upstream.New(cfg.UpstreamBaseURL, cfg.ConnectTimeout(), cfg.ReadTimeout())

	var store *usage.Store
	if cfg.UsageDBPath != "" {
		var err error
		store, err = usage.NewStore(cfg.UsageDBPath)
		if err != nil {
			log.Errorf("usage store unavailable, accounting disabled: %v", err)
			store = nil
		}
	}

	// Route logging goes through logrus; gin's own debug chatter stays off.
	// TestMode set by tests is left alone.
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	state := rotation.NewState(len(cfg.APIKeys), len(cfg.Models))
	handler := api.New(cfg, state, client, s.sink, store, s.metrics)
	engine := gin.New()
	engine.Use(gin.Recovery(), api.RequestLogger())
	handler.Register(engine)

	var lastErr error
	for attempt := 0; attempt <= len(bindBackoffs); attempt++ {
		if attempt > 0 {
			time.Sleep(bindBackoffs[attempt-1])
		}

		listener, err := net.Listen("tcp", cfg.Addr())
		if err != nil {
			lastErr = fmt.Errorf("server: bind %s: %w", cfg.Addr(), err)
			log.Warnf("bind attempt %d failed: %v", attempt+1, err)
			continue
		}

		httpSrv := &http.Server{Handler: engine}
		go func() {
			if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
				log.Errorf("serve loop exited: %v", serveErr)
			}
		}()

		addr := listener.Addr().String()
		if !waitReady(addr) {
			lastErr = fmt.Errorf("server: %s not ready within %s", addr, readinessDeadline)
			log.Warnf("readiness attempt %d failed on %s", attempt+1, addr)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = httpSrv.Shutdown(shutdownCtx)
			cancel()
			continue
		}

		s.mu.Lock()
		s.status = StatusRunning
		s.addr = addr
		s.httpSrv = httpSrv
		s.client = client
		s.store = store
		s.mu.Unlock()

		log.WithFields(log.Fields{
			"addr":   addr,
			"keys":   len(cfg.APIKeys),
			"models": len(cfg.Models),
		}).Info("proxy server running")
		return nil
	}

	client.Close()
	if store != nil {
		_ = store.Close()
	}
	s.mu.Lock()
	s.status = StatusStartFailed
	s.mu.Unlock()
	return lastErr
}

// Stop drains in-flight requests and releases the listener and upstream pool.
// Calling it when the server is not running is a logged no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.status != StatusRunning {
		log.Warnf("stop ignored, server is %s", s.status)
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	httpSrv := s.httpSrv
	client := s.client
	store := s.store
	s.httpSrv = nil
	s.client = nil
	s.store = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpSrv.Shutdown(ctx)
	client.Close()
	if store != nil {
		_ = store.Close()
	}

	s.mu.Lock()
	s.status = StatusStopped
	s.addr = ""
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	log.Info("proxy server stopped")
	return nil
}

// Status reports the current lifecycle state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Addr returns the bound listener address while running, empty otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Requests returns a snapshot of the intercept history.
func (s *Server) Requests() []*record.Exchange {
	return s.sink.All()
}

// ClearRequests empties the intercept history.
func (s *Server) ClearRequests() {
	s.sink.Clear()
}

// OnIntercept registers the per-exchange callback. Fired on the server's own
// goroutines; receivers marshal to their own context as needed.
func (s *Server) OnIntercept(fn intercept.Callback) {
	s.sink.OnIntercept(fn)
}

// OnStreamingUpdate registers the incremental streaming callback.
func (s *Server) OnStreamingUpdate(fn intercept.Callback) {
	s.sink.OnStreamingUpdate(fn)
}

// waitReady polls the liveness route until it answers or the deadline lapses.
// 404 counts as ready: the listener is up even if routing is surprising.
func waitReady(addr string) bool {
	probe := &http.Client{Timeout: readinessInterval * 4}
	deadline := time.Now().Add(readinessDeadline)
	url := "http://" + addr + "/"
	for time.Now().Before(deadline) {
		resp, err := probe.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
				return true
			}
		}
		time.Sleep(readinessInterval)
	}
	return false
}
