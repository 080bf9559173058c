// Package embedded supervises an in-process NATS server used when no
// external broker is configured.
package embedded

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/drblury/evalflow/internal/runtime/config"
	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
	"github.com/drblury/evalflow/internal/runtime/logging"
)

const defaultHost = "127.0.0.1"

// ServerFactory creates the server. Tests override it.
var ServerFactory = server.NewServer

// MkdirTemp creates the JetStream store directory. Tests override it.
var MkdirTemp = os.MkdirTemp

// Option customises Start.
type Option func(*options)

type options struct {
	jetStream    bool
	readyTimeout time.Duration
}

// WithJetStream enables JetStream backed by a temporary store directory that
// is removed on Stop.
func WithJetStream() Option {
	return func(o *options) { o.jetStream = true }
}

// WithReadyTimeout bounds the wait for the server to accept connections.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) { o.readyTimeout = d }
}

// Handle owns a running embedded broker, or nothing when the configuration
// points at an external broker. Whoever calls Start must call Stop.
type Handle struct {
	cfg      *config.Config
	srv      *server.Server
	storeDir string
	logger   logging.ServiceLogger

	once sync.Once
}

// Start launches the embedded broker when cfg.Embedded is set and waits until
// it accepts connections. Otherwise it returns a pass-through handle. On
// failure every resource acquired so far is released.
func Start(cfg *config.Config, logger logging.ServiceLogger, opts ...Option) (*Handle, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if !cfg.Embedded {
		return &Handle{cfg: cfg.Clone(), logger: logger}, nil
	}

	o := options{jetStream: cfg.EmbeddedJetStream, readyTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	host, port, err := listenAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	h := &Handle{logger: logger.With(logging.LogFields{"component": "embedded-broker"})}
	serverOpts := &server.Options{
		ServerName: "evalflow-embedded",
		Host:       host,
		Port:       port,
		NoSigs:     true,
		Username:   cfg.Username,
		Password:   cfg.Password,
	}
	if o.jetStream {
		dir, err := MkdirTemp("", "evalflow-jetstream-")
		if err != nil {
			return nil, fmt.Errorf("create jetstream store: %w", err)
		}
		h.storeDir = dir
		serverOpts.JetStream = true
		serverOpts.StoreDir = dir
	}

	srv, err := ServerFactory(serverOpts)
	if err != nil {
		h.Stop()
		return nil, fmt.Errorf("create embedded broker: %w", err)
	}
	srv.SetLogger(logging.NewNATSServerLogger(logger), false, false)
	h.srv = srv

	go srv.Start()
	if !srv.ReadyForConnections(o.readyTimeout) {
		h.Stop()
		return nil, fmt.Errorf("embedded broker not ready after %s", o.readyTimeout)
	}

	h.cfg = cfg.WithAddress(srv.ClientURL())
	h.logger.Info("Embedded broker started", logging.LogFields{
		"address":   h.cfg.Address,
		"jetstream": o.jetStream,
	})
	return h, nil
}

// Config returns the broker configuration to connect with. For an embedded
// broker the address is the bound client URL.
func (h *Handle) Config() *config.Config {
	return h.cfg.Clone()
}

// Embedded reports whether the handle owns a running server.
func (h *Handle) Embedded() bool {
	return h != nil && h.srv != nil
}

// StoreDir returns the JetStream store directory, if any.
func (h *Handle) StoreDir() string {
	return h.storeDir
}

// Stop shuts the broker down and removes its temporary storage. It is safe
// to call on a nil handle, more than once, and after a failed start.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.srv != nil {
			h.srv.Shutdown()
			h.srv.WaitForShutdown()
			h.logger.Info("Embedded broker stopped", nil)
		}
		if h.storeDir != "" {
			if err := os.RemoveAll(h.storeDir); err != nil {
				h.logger.Error("Removing jetstream store failed", err, logging.LogFields{"dir": h.storeDir})
			}
		}
	})
}

// listenAddress accepts "nats://host:port", "host:port" or "". An empty
// address or port 0 selects an ephemeral port.
func listenAddress(address string) (string, int, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return defaultHost, server.RANDOM_PORT, nil
	}
	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil {
			return "", 0, fmt.Errorf("embedded broker address %q: %w", address, err)
		}
		address = u.Host
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("embedded broker address %q: %w", address, err)
	}
	if host == "" {
		host = defaultHost
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("embedded broker address %q: invalid port", address)
	}
	if port == 0 {
		port = server.RANDOM_PORT
	}
	return host, port, nil
}
