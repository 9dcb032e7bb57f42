package ops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "postpilot/pkg/logx"
)

func TestHandlerAuthAndEndpoints(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "postpilot_test_total", Help: "x"})
	reg.MustRegister(c)
	c.Inc()

	ready := errors.New("db down")
	s := New(Config{}, Deps{
		Registry: reg,
		Ready:    func(context.Context) error { return ready },
		Status:   func() any { return map[string]int{"due": 2} },
	}, logx.Nop())
	h := s.Handler(Config{Token: "secret", Pprof: true})

	tests := []struct {
		name   string
		path   string
		auth   string
		code   int
		substr string
	}{
		{"healthz is open", "/healthz", "", http.StatusOK, "ok"},
		{"metrics needs token", "/metrics", "", http.StatusUnauthorized, ""},
		{"metrics with bearer", "/metrics", "Bearer secret", http.StatusOK, "postpilot_test_total 1"},
		{"metrics with query token", "/metrics?token=secret", "", http.StatusOK, "postpilot_test_total"},
		{"wrong token", "/status", "Bearer nope", http.StatusUnauthorized, ""},
		{"status json", "/status", "Bearer secret", http.StatusOK, `"due": 2`},
		{"readyz reports failure", "/readyz", "Bearer secret", http.StatusServiceUnavailable, "db down"},
		{"pprof index", "/debug/pprof/", "Bearer secret", http.StatusOK, "goroutine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Fatalf("code=%d want %d body=%s", rec.Code, tt.code, rec.Body.String())
			}
			if tt.substr != "" && !strings.Contains(rec.Body.String(), tt.substr) {
				t.Fatalf("body missing %q: %s", tt.substr, rec.Body.String())
			}
		})
	}
}

func TestPprofDisabledByDefault(t *testing.T) {
	t.Parallel()
	h := New(Config{}, Deps{}, logx.Nop()).Handler(Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("server did not bind")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("still bound after stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.5:80":    false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v", addr, got)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled ignores addr", Config{Addr: "nonsense"}, true},
		{"loopback", Config{Enabled: true, Addr: "127.0.0.1:9464"}, true},
		{"public needs token", Config{Enabled: true, Addr: "0.0.0.0:9464"}, false},
		{"public with token", Config{Enabled: true, Addr: "0.0.0.0:9464", Token: "s"}, true},
		{"public insecure opt-in", Config{Enabled: true, Addr: "0.0.0.0:9464", AllowInsecure: true}, true},
		{"bad addr", Config{Enabled: true, Addr: "9464"}, false},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); (err == nil) != tt.ok {
			t.Fatalf("%s: err=%v", tt.name, err)
		}
	}
}
