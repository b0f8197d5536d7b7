package main

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	consul "github.com/hashicorp/consul/api"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/dig"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tynkerbase/tynkerbase-agent/bootstrap"
	"github.com/tynkerbase/tynkerbase-agent/controlplane"
	"github.com/tynkerbase/tynkerbase-agent/deps"
	"github.com/tynkerbase/tynkerbase-agent/diagnostics"
	"github.com/tynkerbase/tynkerbase-agent/docker"
	"github.com/tynkerbase/tynkerbase-agent/identity"
	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/project"
	"github.com/tynkerbase/tynkerbase-agent/prompt"
	"github.com/tynkerbase/tynkerbase-agent/purge"
	"github.com/tynkerbase/tynkerbase-agent/session"
	"github.com/tynkerbase/tynkerbase-agent/shell"
	"github.com/tynkerbase/tynkerbase-agent/stats"
	"github.com/tynkerbase/tynkerbase-agent/tunnel"
	"github.com/tynkerbase/tynkerbase-agent/tunnel/discovery"
	discoveryConsul "github.com/tynkerbase/tynkerbase-agent/tunnel/discovery/consul"
)

const (
	ConfigEnv           = "env"
	ConfigPriv          = "priv"
	ConfigRootDir       = "root_dir"
	ConfigHTTPAddr      = "http.addr"
	ConfigHTTPBodyLimit = "http.body_limit"
	ConfigPprofEnabled  = "pprof.enabled"

	ConfigProjectsRoot = "projects.root"

	ConfigControlPlaneEndpoint = "controlplane.endpoint"
	ConfigControlPlaneTimeout  = "controlplane.timeout"

	ConfigLoginEmail    = "login.email"
	ConfigLoginPassword = "login.password"

	ConfigTunnelCommand          = "tunnel.command"
	ConfigTunnelAdminURL         = "tunnel.admin_url"
	ConfigTunnelTarget           = "tunnel.target"
	ConfigTunnelDiscoveryTimeout = "tunnel.discovery_timeout"
	ConfigTunnelFetchTimeout     = "tunnel.fetch_timeout"
	ConfigTunnelSkipIfInstalled  = "tunnel.skip_if_installed"

	ConfigDiscoveryType           = "discovery.type"
	ConfigDiscoveryHealthcheckTTL = "discovery.healthcheck_ttl"

	ConfigPurgeDefaultRetries = "purge.default_retries"

	ConfigLogLevel   = "log.level"
	ConfigLogFormat  = "log.format"
	ConfigStatsdAddr = "statsd.addr"
)

const (
	envRelease = "release"
	envDebug   = "debug"
)

func initDefaults(config *viper.Viper) {
	config.SetDefault(ConfigEnv, envRelease)
	if config.GetString(ConfigEnv) == envRelease {
		config.SetDefault(ConfigRootDir, "/usr/share/tynkerbase-agent")
		config.SetDefault(ConfigProjectsRoot, "/var/tynkerbase-projects")
	} else {
		config.SetDefault(ConfigRootDir, ".")
		config.SetDefault(ConfigProjectsRoot, "./tynkerbase-projects")
	}

	config.SetDefault(ConfigHTTPAddr, "0.0.0.0:7462")
	config.SetDefault(ConfigHTTPBodyLimit, 20<<20)
	config.SetDefault(ConfigControlPlaneTimeout, 60*time.Second)
	config.SetDefault(ConfigTunnelCommand, "ngrok")
	config.SetDefault(ConfigTunnelAdminURL, "http://localhost:4040/api/tunnels/")
	config.SetDefault(ConfigTunnelTarget, "https://localhost:7462")
	config.SetDefault(ConfigTunnelDiscoveryTimeout, 10*time.Second)
	config.SetDefault(ConfigTunnelFetchTimeout, 5*time.Second)
	config.SetDefault(ConfigDiscoveryType, "none")
	config.SetDefault(ConfigDiscoveryHealthcheckTTL, 30*time.Second)
	config.SetDefault(ConfigPurgeDefaultRetries, purge.DefaultRetries)
	config.SetDefault(ConfigLogLevel, "info")
	config.SetDefault(ConfigLogFormat, "text")
}

// providers are the application's dependencies. Tests replace some of them
// with fx.Decorate.
func providers() fx.Option {
	return fx.Provide(
		// Viper configuration management.
		newConfig,
		// Logger.
		newLogger,
		// Report metrics and events to a statsd collector.
		newStats,

		// Host access.
		newFilesystem,
		newRunner,
		newPrompter,

		// TynkerBase control plane API.
		newControlPlane,
		// Write-once record of the logged-in user and this node.
		session.NewStore,
		newIdentityStore,
		newDependencyGate,

		// ngrok tunnel and optional service catalog registration.
		newTunnelDiscoveryService,
		newTunnelManager,

		newProjectStore,
		newDockerClient,
		newPurgeCoordinator,
		newDiagnostics,

		// TLS listener for the API. It binds once the session is sealed.
		newHTTPServer,
		// Healthcheck manager to detect broken agents. Reports status over HTTP.
		newHealthcheck,
	)
}

// startApplication boots the application dependency injection framework and executes the bootFuncs
func startApplication(options ...fx.Option) error {
	app := fx.New(append([]fx.Option{providers(), fx.NopLogger}, options...)...)
	if err := app.Err(); err != nil {
		return startupError(err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.Start(startCtx); err != nil {
		return startupError(err)
	}

	log.Get().Named("Agent").Infow("Start", zap.String("version", version))

	<-app.Done()

	log.Get().Named("Agent").Infow("Stop")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		return errors.Wrap(dig.RootCause(err), "shutdown error")
	}

	return nil
}

func startupError(err error) error {
	switch v := dig.RootCause(err).(type) {
	case configError:
		return errors.Wrap(v, "config error")
	case *bootstrap.ExitError:
		return v
	default:
		return errors.Wrap(v, "startup error")
	}
}

type configError struct {
	msg string
}

func (e configError) Error() string {
	return e.msg
}

func newConfigError(parts ...string) error {
	return configError{strings.Join(parts, " ")}
}

func newConfig() (*viper.Viper, error) {
	config := viper.New()
	config.AutomaticEnv()
	config.SetEnvPrefix("TYB")
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := config.BindPFlag(ConfigPriv, rootCmd.Flags().Lookup("priv")); err != nil {
		return nil, errors.Wrap(err, "bind --priv")
	}
	initDefaults(config)

	switch env := config.GetString(ConfigEnv); env {
	case envRelease, envDebug:
	default:
		return nil, newConfigError(ConfigEnv, "must be release or debug, got", env)
	}
	if ttl := config.GetDuration(ConfigDiscoveryHealthcheckTTL); ttl < time.Second {
		return nil, newConfigError(ConfigDiscoveryHealthcheckTTL, "must be at least 1s, got", ttl.String())
	}

	return config, nil
}

func newLogger(config *viper.Viper) *log.Logger {
	// Init new zap
	log.Init(config.GetString(ConfigLogLevel), config.GetString(ConfigLogFormat))
	return log.Get()
}

// newStats initializes a Stats client for the agent
func newStats(config *viper.Viper) (stats.Stats, error) {
	var statsdClient statsd.ClientInterface

	if statsdAddr := config.GetString(ConfigStatsdAddr); statsdAddr != "" {
		var err error
		statsdClient, err = statsd.New(statsdAddr, statsd.WithMaxBytesPerPayload(4096))
		if err != nil {
			return stats.Stats{}, errors.Wrap(err, "could not initialize statsd client")
		}
	} else {
		statsdClient = &statsd.NoOpClient{}
	}

	eventLogger := logrus.New()
	if config.GetString(ConfigLogFormat) == "json" {
		eventLogger.SetFormatter(&logrus.JSONFormatter{})
	}

	st := stats.New(statsdClient, eventLogger).WithPrefix("tyb_agent")
	if version != "" {
		st = st.WithTags(stats.Tags{"version": version})
	}
	return st, nil
}

func newFilesystem() afero.Fs {
	return afero.NewOsFs()
}

func newRunner() shell.Runner {
	return shell.Exec{}
}

func newPrompter() prompt.Prompter {
	return prompt.Terminal{}
}

func newControlPlane(config *viper.Viper) (*controlplane.Client, error) {
	endpoint := config.GetString(ConfigControlPlaneEndpoint)
	if endpoint == "" {
		return nil, newConfigError(ConfigControlPlaneEndpoint, "must be set")
	}
	return controlplane.NewClient(endpoint, &http.Client{
		Timeout: config.GetDuration(ConfigControlPlaneTimeout),
	}), nil
}

func newIdentityStore(config *viper.Viper, fs afero.Fs, cp *controlplane.Client, prompter prompt.Prompter) *identity.Store {
	return identity.NewStore(fs, config.GetString(ConfigRootDir), cp, prompter)
}

func newDependencyGate(config *viper.Viper, fs afero.Fs, runner shell.Runner, prompter prompt.Prompter) *deps.Gate {
	return deps.NewGate(deps.Config{
		RootDir: config.GetString(ConfigRootDir),
		Release: config.GetString(ConfigEnv) == envRelease,
		GOOS:    runtime.GOOS,
	}, fs, runner, prompter, os.Stdout)
}

func newTunnelDiscoveryService(config *viper.Viper) (discovery.Service, error) {
	switch discoveryType := config.GetString(ConfigDiscoveryType); discoveryType {
	case "none":
		return discovery.Noop{}, nil

	case "consul":
		consulApi, err := consul.NewClient(consul.DefaultConfig())
		if err != nil {
			return nil, errors.Wrap(err, "could not init Consul client")
		}
		hostAddress, err := sockaddr.GetPrivateIP()
		if err != nil {
			return nil, errors.Wrap(err, "could not determine private IP")
		}
		if hostAddress == "" {
			hostAddress = "127.0.0.1"
		}
		return discoveryConsul.Discovery{
			Consul:         consulApi,
			HostAddress:    hostAddress,
			HealthcheckTTL: config.GetDuration(ConfigDiscoveryHealthcheckTTL),
		}, nil

	default:
		return nil, newConfigError("unknown discovery type", discoveryType)
	}
}

func newTunnelManager(
	config *viper.Viper,
	runner shell.Runner,
	fs afero.Fs,
	cp *controlplane.Client,
	prompter prompt.Prompter,
	discoveryService discovery.Service,
	st stats.Stats,
) *tunnel.Manager {
	return tunnel.NewManager(tunnel.Config{
		Command:          config.GetString(ConfigTunnelCommand),
		AdminURL:         config.GetString(ConfigTunnelAdminURL),
		Target:           config.GetString(ConfigTunnelTarget),
		Port:             listenPort(config.GetString(ConfigHTTPAddr)),
		DiscoveryTimeout: config.GetDuration(ConfigTunnelDiscoveryTimeout),
		FetchTimeout:     config.GetDuration(ConfigTunnelFetchTimeout),
		SkipIfInstalled:  config.GetBool(ConfigTunnelSkipIfInstalled),
		Debug:            config.GetString(ConfigEnv) == envDebug,
	}, runner, fs, cp, prompter, discoveryService, st)
}

func newProjectStore(config *viper.Viper, fs afero.Fs) *project.Store {
	return project.NewStore(fs, config.GetString(ConfigProjectsRoot))
}

func newDockerClient(runner shell.Runner, projects *project.Store) *docker.Client {
	return docker.NewClient(runner, projects.Dir)
}

func newPurgeCoordinator(client *docker.Client, projects *project.Store, st stats.Stats) *purge.Coordinator {
	return purge.NewCoordinator(client, projects, st)
}

func newDiagnostics(runner shell.Runner, fs afero.Fs) *diagnostics.Prober {
	return diagnostics.NewProber(runner, fs)
}

// newHealthcheck provides a healthcheck registry with the agent's own checks.
func newHealthcheck(sessions *session.Store, client *docker.Client) *healthcheckManager {
	mgr := newHealthcheckManager()
	mgr.AddCheck("session", func(ctx context.Context) error {
		if !sessions.Sealed() {
			return errors.New("bootstrap has not finished")
		}
		return nil
	})
	mgr.AddCheck("docker", func(ctx context.Context) error {
		active, err := client.DaemonStatus(ctx)
		if err != nil {
			return err
		}
		if !active {
			return errors.New("daemon is not active")
		}
		return nil
	})
	return mgr
}
