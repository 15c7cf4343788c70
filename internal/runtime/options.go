package runtime

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/tjfontaine/casegen-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, file.WithLogger(g.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithSessionStore uses store instead of the one named in the session config.
// The gateway closes it on Shutdown.
func WithSessionStore(store ports.SessionStore) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithListener serves on ln instead of listening on the configured port.
func WithListener(ln net.Listener) Option {
	return func(g *Gateway) error {
		g.listener = ln
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}
