// Package gateway provides the public API for embedding the test case
// generation gateway. This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/casegen-gateway/internal/runtime"
)

// Gateway is the main entry point for running the gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	)
//	if err != nil { ... }
//	if err := gw.Start(ctx); err != nil { ... }
//	defer gw.Shutdown(context.Background())
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSessionStore = runtime.WithSessionStore

	// Advanced options
	WithListener = runtime.WithListener
	WithLogger   = runtime.WithLogger
)
