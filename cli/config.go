// This file re-exports store and config types for wrapper projects.
package cli

import (
	"github.com/zot/ctxstore/ctxstore"
	"github.com/zot/ctxstore/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	StoreConfig   = config.StoreConfig
	RetryConfig   = config.RetryConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
	Store         = ctxstore.Store
)

// Re-export config and store functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
	NewStore      = ctxstore.New
)
