package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// Config holds configuration for the status API handler
type Config struct {
	// Quota serves GET /usage. Optional; the route answers 404 when nil.
	Quota *gsmgate.QuotaTracker

	// Pool serves GET /resources. Optional.
	Pool *gsmgate.PoolManager

	// Orchestrator serves GET /sessions/{id}. Optional.
	Orchestrator *gsmgate.Orchestrator

	// GetUserID extracts user ID from HTTP request (required when Quota is set)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, not found, internal)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger records internal failures (default: NoopLogger)
	Logger gsmgate.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Quota == nil && c.Pool == nil && c.Orchestrator == nil {
		return fmt.Errorf("at least one of quota, pool or orchestrator is required")
	}
	if c.Quota != nil && c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new status API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &gsmgate.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
