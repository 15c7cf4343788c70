package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	difyapi "github.com/tjfontaine/casegen-gateway/internal/api/dify"
	"github.com/tjfontaine/casegen-gateway/internal/frontdoor/casegen"
	"github.com/tjfontaine/casegen-gateway/internal/mode"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
)

var (
	healthURL     string
	healthDirect  bool
	healthTimeout time.Duration
)

var errUnhealthy = errors.New("unhealthy")

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report mode, breaker and upstream state",
	Long: `Query a running gateway's /api/health endpoint with an upstream probe and
print the result.

With --direct no gateway is contacted: the upstream /parameters endpoint is
probed using the local configuration, and the configured mode is printed.

Exits non-zero when the gateway or upstream is unreachable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		if healthDirect {
			return directHealth(ctx, cfg, cmd.OutOrStdout())
		}
		url := healthURL
		if url == "" {
			url = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		return gatewayHealth(ctx, url, cmd.OutOrStdout())
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthURL, "url", "", "gateway base URL (default http://localhost:<server.port>)")
	healthCmd.Flags().BoolVar(&healthDirect, "direct", false, "probe the upstream agent directly")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 10*time.Second, "overall timeout")
}

func gatewayHealth(ctx context.Context, baseURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/health?probe=true", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway answered %s", resp.Status)
	}
	var health casegen.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	if err := printJSON(out, health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return errUnhealthy
	}
	return nil
}

type directReport struct {
	Mode          mode.Status `json:"mode"`
	Upstream      string      `json:"upstream"`
	UpstreamError string      `json:"upstream_error,omitempty"`
}

func directHealth(ctx context.Context, cfg *config.Config, out io.Writer) error {
	report := directReport{
		Mode:     mode.New(mode.SettingsFromConfig(cfg.Agent)).Status(),
		Upstream: "disabled",
	}

	var probeErr error
	if cfg.RemoteEnabled() {
		client := difyapi.NewClient(cfg.Agent)
		defer client.Close()

		if probeErr = client.Ping(ctx); probeErr != nil {
			report.Upstream = "unreachable"
			report.UpstreamError = probeErr.Error()
		} else {
			report.Upstream = "ok"
		}
	}

	if err := printJSON(out, report); err != nil {
		return err
	}
	if probeErr != nil {
		return errUnhealthy
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
