// Package http provides the HTTP server utilities the scheduling service's
// API node runs on. This file contains the RunServer helper.
package http

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"eve.evalgo.org/common"
)

// RunServerConfig contains configuration for running the scheduling
// service's API node.
type RunServerConfig struct {
	ServiceID   string
	ServiceName string
	Version     string
	Description string

	// Server configuration
	Port            int
	Debug           bool
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64

	// Logger (optional, will create one if nil)
	Logger *common.ContextLogger
}

// DefaultRunServerConfig returns a RunServerConfig with sensible defaults
func DefaultRunServerConfig(serviceID, serviceName, version string) RunServerConfig {
	return RunServerConfig{
		ServiceID:       serviceID,
		ServiceName:     serviceName,
		Version:         version,
		Description:     fmt.Sprintf("%s service", serviceName),
		Port:            8080,
		Debug:           false,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
		RateLimit:       0,
	}
}

// SetupFunc is a function that sets up routes and handlers on an Echo instance
type SetupFunc func(*echo.Echo) error

// RunServer creates and runs an Echo server with standard middleware and
// signal-driven graceful shutdown. It registers no routes of its own, not
// even /health; setupFunc adds every route.
//
// Example usage:
//
//	cfg := http.DefaultRunServerConfig("scheduler", "Scheduling Service", "1.0.0")
//	cfg.Port = 8090
//
//	err := http.RunServer(cfg, func(e *echo.Echo) error {
//	    e.POST("/solve", handleSolve)
//	    return nil
//	})
func RunServer(config RunServerConfig, setupFunc SetupFunc) error {
	// Create logger if not provided
	logger := config.Logger
	if logger == nil {
		logger = common.ServiceLogger(config.ServiceID, config.Version)
	}

	// Create server configuration
	serverConfig := ServerConfig{
		Port:            config.Port,
		Debug:           config.Debug,
		BodyLimit:       config.BodyLimit,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		ShutdownTimeout: config.ShutdownTimeout,
		AllowedOrigins:  config.AllowedOrigins,
		RateLimit:       config.RateLimit,
	}

	// Create Echo server with standard middleware
	e := NewEchoServer(serverConfig)

	// Add custom error handler
	e.HTTPErrorHandler = CustomHTTPErrorHandler

	// The setup function registers its own /health with run-lifecycle
	// details (active run count, store/queue backend); this runner does
	// not pre-register a generic one.

	// Call setup function to add routes
	if setupFunc != nil {
		if err := setupFunc(e); err != nil {
			return fmt.Errorf("setup function failed: %w", err)
		}
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting %s on port %d", config.ServiceName, config.Port)
		if err := e.Start(fmt.Sprintf(":%d", config.Port)); err != nil {
			logger.WithError(err).Error("Server error")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Error during shutdown")
		return err
	}

	logger.Info("Server stopped")
	return nil
}
