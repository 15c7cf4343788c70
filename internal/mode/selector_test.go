package mode

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
)

func remoteSettings() Settings {
	return Settings{
		Mode:        domain.ModeRemote,
		AllowRemote: true,
		Endpoint:    "https://user:pw@agent.example.com/v1?token=abc",
		APIKey:      "app-1234567890abcd",
	}
}

func TestSettingsFromConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AgentConfig
		want domain.Mode
	}{
		{name: "mock mode", cfg: config.AgentConfig{MockMode: true, AllowRemote: true, BaseURL: "http://x"}, want: domain.ModeLocal},
		{name: "remote", cfg: config.AgentConfig{AllowRemote: true, BaseURL: "http://x"}, want: domain.ModeRemote},
		{name: "remote disallowed", cfg: config.AgentConfig{BaseURL: "http://x"}, want: domain.ModeLocal},
		{name: "no endpoint", cfg: config.AgentConfig{AllowRemote: true}, want: domain.ModeLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SettingsFromConfig(tt.cfg).Mode)
		})
	}
}

func TestSelector_SwitchToLocalAudits(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := New(remoteSettings(), WithLogger(logger))

	assert.True(t, s.IsRemote())
	assert.True(t, s.SwitchToLocal(domain.ReasonServer, "five 500s"))
	assert.False(t, s.SwitchToLocal(domain.ReasonServer, "again"), "already local")
	assert.Equal(t, domain.ModeLocal, s.Mode())
	assert.Equal(t, domain.ReasonServer, s.Status().LastReason)

	out := buf.String()
	assert.Contains(t, out, `"reason":"server_error"`)
	assert.Contains(t, out, "agent.example.com/v1")
	assert.NotContains(t, out, "pw@")
	assert.NotContains(t, out, "token=abc")
	assert.NotContains(t, out, "1234567890")
}

func TestSelector_SwitchToRemote(t *testing.T) {
	s := New(remoteSettings())
	s.SwitchToLocal(domain.ReasonManual, "")
	assert.True(t, s.SwitchToRemote())
	assert.True(t, s.IsRemote())

	disallowed := New(Settings{Mode: domain.ModeRemote, AllowRemote: false})
	assert.Equal(t, domain.ModeLocal, disallowed.Mode(), "remote without permission starts local")
	assert.False(t, disallowed.SwitchToRemote())
	assert.Equal(t, domain.ModeLocal, disallowed.Mode())
}

func TestSelector_ForkIsOneWay(t *testing.T) {
	root := New(remoteSettings())
	fork := root.Fork()

	fork.SwitchToLocal(domain.ReasonTimeout, "")
	assert.Equal(t, domain.ModeLocal, fork.Mode())
	assert.Equal(t, domain.ModeRemote, root.Mode(), "parent is unaffected")

	assert.False(t, fork.SwitchToRemote())
	assert.Equal(t, domain.ModeLocal, fork.Mode())
}

func TestSelector_Reconfigure(t *testing.T) {
	s := New(remoteSettings())
	s.SwitchToLocal(domain.ReasonAuth, "401")

	s.Reconfigure(remoteSettings())
	assert.Equal(t, domain.ModeRemote, s.Mode())
	assert.Empty(t, s.Status().LastReason)

	s.Reconfigure(Settings{Mode: domain.ModeLocal})
	assert.Equal(t, domain.ModeLocal, s.Mode())
	assert.False(t, s.Status().AllowRemote)
}

func TestRedaction(t *testing.T) {
	assert.Equal(t, "https://agent.example.com/v1", RedactURL("https://u:p@agent.example.com/v1?k=v"))
	assert.Equal(t, "", RedactURL(""))
	assert.Equal(t, "****", MaskSecret("short"))
	assert.Equal(t, "app-****abcd", MaskSecret("app-1234567890abcd"))
	assert.Equal(t, "", MaskSecret(""))
}
