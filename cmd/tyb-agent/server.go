package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tynkerbase/tynkerbase-agent/api"
	"github.com/tynkerbase/tynkerbase-agent/deps"
	"github.com/tynkerbase/tynkerbase-agent/diagnostics"
	"github.com/tynkerbase/tynkerbase-agent/docker"
	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/project"
	"github.com/tynkerbase/tynkerbase-agent/purge"
	"github.com/tynkerbase/tynkerbase-agent/session"
	"github.com/tynkerbase/tynkerbase-agent/stats"
	"github.com/tynkerbase/tynkerbase-agent/tunnel"
)

// ErrNotSealed is returned when the listener is started before bootstrap finished.
var ErrNotSealed = errors.New("refusing to listen before the session is sealed")

// httpServer is the agent's TLS listener.
type httpServer struct {
	addr     string
	rootDir  string
	fs       afero.Fs
	sessions *session.Store
	server   *http.Server
	logger   *log.Logger

	mu       sync.Mutex
	listener net.Listener
}

func newHTTPServer(lc fx.Lifecycle, config *viper.Viper, fs afero.Fs, sessions *session.Store, logger *log.Logger) *httpServer {
	s := &httpServer{
		addr:     config.GetString(ConfigHTTPAddr),
		rootDir:  config.GetString(ConfigRootDir),
		fs:       fs,
		sessions: sessions,
		server:   &http.Server{ReadHeaderTimeout: 30 * time.Second},
		logger:   logger.Named("HTTP"),
	}

	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})

	return s
}

// Handle sets the handler every request is served by.
func (s *httpServer) Handle(handler http.Handler) {
	s.server.Handler = handler
}

// Start binds the listener with the key material from the agent root.
func (s *httpServer) Start(ctx context.Context) error {
	if !s.sessions.Sealed() {
		return ErrNotSealed
	}

	cert, err := s.loadCertificate()
	if err != nil {
		return err
	}
	s.server.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", s.addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Infow("Start", "addr", ln.Addr().String())
	go func() {
		if err := s.server.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTPS Listener", zap.Error(err))
		}
	}()
	return nil
}

func (s *httpServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, or nil before Start.
func (s *httpServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *httpServer) loadCertificate() (tls.Certificate, error) {
	certPEM, err := afero.ReadFile(s.fs, deps.CertPath(s.rootDir))
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "read TLS certificate")
	}
	keyPEM, err := afero.ReadFile(s.fs, deps.KeyPath(s.rootDir))
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "read TLS key")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "load TLS key pair")
	}
	return cert, nil
}

// registerRoutes mounts the API on the TLS listener.
func registerRoutes(
	server *httpServer,
	config *viper.Viper,
	sessions *session.Store,
	projects *project.Store,
	client *docker.Client,
	purger *purge.Coordinator,
	prober *diagnostics.Prober,
	healthchecks *healthcheckManager,
	logger *log.Logger,
	st stats.Stats,
) {
	router := api.NewRouter(api.Server{
		Session:      sessions,
		Projects:     projects,
		Docker:       client,
		Purger:       purger,
		Diagnostics:  prober,
		PurgeRetries: config.GetInt(ConfigPurgeDefaultRetries),
	}, api.RouterOptions{
		BodyLimit:    config.GetInt64(ConfigHTTPBodyLimit),
		PprofEnabled: config.GetBool(ConfigPprofEnabled),
		Healthcheck:  healthchecks,
		Logger:       logger,
		Stats:        st,
	})
	server.Handle(router)
}

// runHeartbeat reports the healthcheck result to the service catalog at half
// its TTL.
func runHeartbeat(lc fx.Lifecycle, config *viper.Viper, manager *tunnel.Manager, healthchecks *healthcheckManager) {
	if config.GetString(ConfigDiscoveryType) == "none" {
		return
	}
	interval := config.GetDuration(ConfigDiscoveryHealthcheckTTL) / 2

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				heartbeat(ctx, interval, manager, healthchecks)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

type healthReporter interface {
	ReportHealth(ctx context.Context, healthErr error) error
}

func heartbeat(ctx context.Context, interval time.Duration, reporter healthReporter, healthchecks *healthcheckManager) {
	logger := log.Get().Named("Heartbeat")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
		if err := reporter.ReportHealth(checkCtx, healthchecks.CheckHealth(checkCtx)); err != nil {
			logger.Warnw("Could not report health", zap.Error(err))
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// listenPort extracts the port of a host:port listen address.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}
