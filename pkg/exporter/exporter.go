package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	DefaultListenAddress   = ":3456"
	DefaultTelemetryPath   = "/metrics"
	DefaultShutdownTimeout = 5 * time.Second
)

// Exporter is responsible for bringing up a web server that serves the
// metrics gathered by a given gatherer (e.g., see `pkg/collector`).
//
type Exporter struct {
	// ListenAddress is the full address used by prometheus
	// to listen for scraping requests.
	//
	// Examples:
	// - :3456
	// - 127.0.0.2:1313
	//
	listenAddress string

	// TelemetryPath configures the path under which
	// the prometheus metrics are reported.
	//
	// For instance:
	// - /metrics
	// - /telemetry
	//
	telemetryPath string

	shutdownTimeout time.Duration

	gatherer prometheus.Gatherer

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	log logr.Logger
}

// Option is a type used by functional arguments to override the exporter's
// defaults.
//
type Option func(e *Exporter)

func WithListenAddress(v string) Option {
	return func(e *Exporter) {
		e.listenAddress = v
	}
}

func WithTelemetryPath(v string) Option {
	return func(e *Exporter) {
		e.telemetryPath = v
	}
}

// WithShutdownTimeout bounds how long in-flight scrapes are given to
// complete once Run's context is cancelled.
//
func WithShutdownTimeout(v time.Duration) Option {
	return func(e *Exporter) {
		e.shutdownTimeout = v
	}
}

func WithLogger(v logr.Logger) Option {
	return func(e *Exporter) {
		e.log = v
	}
}

// New instantiates an exporter serving what `gatherer` collects.
//
func New(gatherer prometheus.Gatherer, opts ...Option) (*Exporter, error) {
	if gatherer == nil {
		return nil, errors.New("nil gatherer")
	}

	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	e := &Exporter{
		listenAddress:   DefaultListenAddress,
		telemetryPath:   DefaultTelemetryPath,
		shutdownTimeout: DefaultShutdownTimeout,
		gatherer:        gatherer,
		log:             zapr.NewLogger(defaultLogger.Named("exporter")),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Handler builds the HTTP handler: the telemetry path serves the text
// exposition, everything else is a 404.
//
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(e.telemetryPath, promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{
		ErrorLog:      &errorLogger{log: e.log},
		ErrorHandling: promhttp.ContinueOnError,
	}))

	return mux
}

// Run initiates the HTTP server to serve the metrics, shutting it down
// gracefully once `ctx` is cancelled.
//
// ps.: this is a BLOCKING method - make sure you either make use of goroutines
// to not block if needed.
//
func (e *Exporter) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return fmt.Errorf("listen on '%s': %w", e.listenAddress, err)
	}

	server := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	e.mu.Lock()
	e.listener, e.server = listener, server
	e.mu.Unlock()

	doneChan := make(chan error, 1)

	go func() {
		defer close(doneChan)

		e.log.WithValues(
			"addr", listener.Addr().String(),
			"path", e.telemetryPath,
		).Info("listening")

		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			doneChan <- fmt.Errorf(
				"failed listening on address %s: %w",
				e.listenAddress, err,
			)
		}
	}()

	select {
	case err = <-doneChan:
		if err != nil {
			return fmt.Errorf("donechan err: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
		defer cancel()

		e.log.Info("shutting down")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	return nil
}

// Addr is the address the server is listening on, or nil if it isn't
// running yet.
//
func (e *Exporter) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Close closes the server and its listener without waiting for in-flight
// requests.
//
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server == nil {
		return nil
	}

	e.log.Info("closing")
	if err := e.server.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return nil
}

// errorLogger lets promhttp report gathering and encoding errors through
// our logger.
//
type errorLogger struct {
	log logr.Logger
}

func (l *errorLogger) Println(v ...interface{}) {
	l.log.Error(fmt.Errorf("%s", fmt.Sprint(v...)), "promhttp")
}
