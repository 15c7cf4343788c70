package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf).Info("hello")
	if !json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("json format produced %q", buf.String())
	}

	buf.Reset()
	newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "health"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
}

func TestGatewayHealth(t *testing.T) {
	status := "ok"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" || r.URL.Query().Get("probe") != "true" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"` + status + `","store":"memory","mode":{"mode":"local"}}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := gatewayHealth(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("gatewayHealth: %v", err)
	}
	if !strings.Contains(out.String(), `"store": "memory"`) {
		t.Errorf("unexpected output: %s", out.String())
	}

	status = "degraded"
	out.Reset()
	if err := gatewayHealth(context.Background(), srv.URL, &out); !errors.Is(err, errUnhealthy) {
		t.Errorf("degraded gateway returned %v, want errUnhealthy", err)
	}
}

func TestDirectHealth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer app-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"opening_statement":""}`))
	}))
	defer upstream.Close()

	cfg, err := config.Load("testdata/none.yaml")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Agent.BaseURL = upstream.URL
	cfg.Agent.APIKey = "app-key"
	cfg.Agent.MockMode = false

	var out bytes.Buffer
	if err := directHealth(context.Background(), cfg, &out); err != nil {
		t.Fatalf("directHealth: %v\n%s", err, out.String())
	}
	var report directReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Upstream != "ok" || report.Mode.Mode != "remote" {
		t.Errorf("unexpected report: %+v", report)
	}
	if strings.Contains(out.String(), "app-key") {
		t.Error("api key leaked into output")
	}

	cfg.Agent.APIKey = "wrong"
	out.Reset()
	if err := directHealth(context.Background(), cfg, &out); !errors.Is(err, errUnhealthy) {
		t.Errorf("rejected probe returned %v, want errUnhealthy", err)
	}
}
