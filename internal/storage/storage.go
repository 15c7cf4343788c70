// Package storage selects the session store backend.
package storage

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
	"github.com/tjfontaine/casegen-gateway/internal/storage/badger"
	"github.com/tjfontaine/casegen-gateway/internal/storage/memory"
	"github.com/tjfontaine/casegen-gateway/internal/storage/sqlite"
)

// Open returns the configured session store. When it cannot be opened the
// in-process store is returned instead, along with the error that caused it.
func Open(cfg config.SessionConfig, logger *slog.Logger) (ports.SessionStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := open(cfg, logger)
	if err != nil {
		logger.Warn("session store unavailable, using in-memory store",
			slog.String("store", cfg.Store),
			slog.String("path", cfg.Path),
			slog.String("error", err.Error()))
		return memory.New(), err
	}

	logger.Info("session store opened", slog.String("store", store.Name()))
	return store, nil
}

func open(cfg config.SessionConfig, logger *slog.Logger) (ports.SessionStore, error) {
	switch cfg.Store {
	case "", "memory":
		return memory.New(), nil
	case "badger":
		return badger.Open(badger.Config{Path: cfg.Path, Logger: logger})
	case "sqlite":
		return sqlite.New(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
