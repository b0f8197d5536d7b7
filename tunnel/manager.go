// Package tunnel exposes the agent through ngrok and publishes its address.
package tunnel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/tynkerbase/tynkerbase-agent/bootstrap"
	"github.com/tynkerbase/tynkerbase-agent/crypt"
	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/prompt"
	"github.com/tynkerbase/tynkerbase-agent/session"
	"github.com/tynkerbase/tynkerbase-agent/shell"
	"github.com/tynkerbase/tynkerbase-agent/stats"
	"github.com/tynkerbase/tynkerbase-agent/tunnel/discovery"
	"github.com/tynkerbase/tynkerbase-agent/wire"
)

const tokenPrompt = "Please sign up for an ngrok account and get your auth token at " +
	"https://dashboard.ngrok.com/get-started/your-authtoken\nEnter that auth token here"

type Config struct {
	// Command is the ngrok executable.
	Command string

	// AdminURL is ngrok's local tunnels API.
	AdminURL string

	// Target is the local address ngrok forwards to.
	Target string

	// Port is the local listener port reported to service discovery.
	Port int

	DiscoveryTimeout time.Duration
	FetchTimeout     time.Duration

	// SkipIfInstalled trusts a token already present in the local ngrok
	// config instead of attaching one on every start.
	SkipIfInstalled bool

	// Debug treats an unreadable ngrok config as carrying a token.
	Debug bool
}

// ControlPlane stores tunnel tokens and node addresses.
type ControlPlane interface {
	GetTunnelToken(ctx context.Context, email, passSHA256 string) ([]byte, error)
	SaveTunnelToken(ctx context.Context, email, passSHA256 string, sealed []byte) error
	PublishNode(ctx context.Context, passSHA256 string, pub wire.NodePublication) error
}

// Manager drives the token state machine, runs ngrok and publishes the node.
type Manager struct {
	config       Config
	ngrok        ngrok
	controlPlane ControlPlane
	prompter     prompt.Prompter
	discovery    discovery.Service
	lifecycle    Lifecycle
	httpClient   *http.Client
	logger       *log.Logger

	mu       sync.Mutex
	status   Status
	process  shell.Process
	nodeID   string
	statuses chan Status
	closed   bool

	closeOnce sync.Once
	logged    chan struct{}
}

func NewManager(
	config Config,
	runner shell.Runner,
	fs afero.Fs,
	controlPlane ControlPlane,
	prompter prompt.Prompter,
	discoveryService discovery.Service,
	st stats.Stats,
) *Manager {
	if discoveryService == nil {
		discoveryService = discovery.Noop{}
	}

	m := &Manager{
		config:       config,
		ngrok:        ngrok{command: config.Command, runner: runner, fs: fs},
		controlPlane: controlPlane,
		prompter:     prompter,
		discovery:    discoveryService,
		lifecycle:    NewLifecycle(st),
		httpClient:   &http.Client{},
		logger:       log.Get().Named("Tunnel"),
		status:       Status{State: StateUnknown},
		statuses:     make(chan Status, 16),
		logged:       make(chan struct{}),
	}
	go func() {
		defer close(m.logged)
		statusLogger(m.logger, m.statuses)
	}()
	return m
}

// Status returns the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) transition(to State, message string) {
	m.mu.Lock()
	from := m.status.State
	m.status.State = to
	m.status.Message = message
	if !m.closed {
		select {
		case m.statuses <- m.status:
		default:
		}
	}
	m.mu.Unlock()

	m.lifecycle.Transition(from, to)
}

// Disable records that the tunnel was skipped by the operator.
func (m *Manager) Disable() {
	m.transition(StateDisabled, "tunnel disabled")
}

// Run makes sure ngrok has a token, starts it and publishes the node. Only a
// failure to attach a prompted token or to discover the public URL is fatal.
func (m *Manager) Run(ctx context.Context, state session.State) (string, error) {
	ctx = injectCtxLifecycle(ctx, m.lifecycle)

	if err := m.ensureToken(ctx, state); err != nil {
		m.fail(err)
		return "", err
	}
	m.transition(StateAttached, "token attached")

	process, err := m.ngrok.start(m.config.Target)
	if err != nil {
		err = bootstrap.Fatal(err, "could not start ngrok")
		m.fail(err)
		return "", err
	}
	m.mu.Lock()
	m.process = process
	m.mu.Unlock()

	publicURL, err := discoverPublicURL(ctx, m.httpClient, m.config.AdminURL, m.config.DiscoveryTimeout)
	if err != nil {
		err = bootstrap.Fatal(err, "could not discover the ngrok public URL")
		m.fail(err)
		_ = m.Stop()
		return "", err
	}

	m.mu.Lock()
	m.status.PublicURL = publicURL
	m.mu.Unlock()

	m.publish(ctx, state, publicURL)
	m.transition(StatePublic, publicURL)
	m.lifecycle.Open(publicURL)
	return publicURL, nil
}

func (m *Manager) fail(err error) {
	m.lifecycle.Error(err)
	m.transition(StateFailed, err.Error())
}

// ensureToken walks unknown -> (attached | fetch_remote -> (attach | prompt)).
func (m *Manager) ensureToken(ctx context.Context, state session.State) error {
	if m.config.SkipIfInstalled {
		installed, err := m.ngrok.tokenInstalled(ctx, m.config.Debug)
		if err != nil {
			m.lifecycle.BootError(err)
		}
		if installed {
			return nil
		}
	}

	cipher, err := crypt.NewCipher(state.APIKey)
	if err != nil {
		return bootstrap.Fatal(err, "could not derive tunnel token key")
	}

	m.transition(StateFetchRemote, "fetching stored token")
	token, err := m.fetchToken(ctx, state, cipher)
	if err == nil {
		m.transition(StateAttach, "attaching stored token")
		if err := m.ngrok.attach(ctx, token); err != nil {
			return bootstrap.Fatal(err, "could not attach ngrok token")
		}
		return nil
	}
	m.lifecycle.BootError(err)

	m.transition(StatePrompt, "prompting for token")
	token, err = m.prompter.Secret(tokenPrompt)
	if err != nil {
		if errors.Is(err, prompt.ErrAborted) {
			return bootstrap.Stop("An ngrok auth token is required.")
		}
		return bootstrap.Fatal(err, "could not read ngrok token")
	}
	return m.attachAndStore(ctx, state, cipher, token)
}

func (m *Manager) fetchToken(ctx context.Context, state session.State, cipher *crypt.Cipher) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.FetchTimeout)
	defer cancel()

	sealed, err := m.controlPlane.GetTunnelToken(ctx, state.Email, state.PassSHA256)
	if err != nil {
		return "", err
	}
	token, err := cipher.OpenString(sealed)
	if err != nil {
		return "", errors.Wrap(err, "open stored token")
	}
	if token == "" {
		return "", errors.New("stored token is empty")
	}
	return token, nil
}

// attachAndStore attaches the token locally while storing it remotely. Only
// the attach result matters.
func (m *Manager) attachAndStore(ctx context.Context, state session.State, cipher *crypt.Cipher, token string) error {
	var (
		g        errgroup.Group
		storeErr error
	)
	g.Go(func() error {
		return m.ngrok.attach(ctx, token)
	})
	g.Go(func() error {
		sealed, err := cipher.SealString(token)
		if err != nil {
			storeErr = err
			return nil
		}
		storeErr = m.controlPlane.SaveTunnelToken(ctx, state.Email, state.PassSHA256, sealed)
		return nil
	})

	if err := g.Wait(); err != nil {
		return bootstrap.Fatal(err, "could not attach ngrok token")
	}
	if storeErr != nil {
		m.logger.Warnw("Could not store ngrok token", "error", storeErr)
		m.lifecycle.BootError(storeErr)
	}
	return nil
}

// publish records the node with the control plane and service discovery.
// Failures are reported but not fatal.
func (m *Manager) publish(ctx context.Context, state session.State, publicURL string) {
	pub := wire.NodePublication{
		Email:  state.Email,
		NodeID: state.NodeID,
		Name:   state.Name,
		Addr:   publicURL,
	}
	err := m.controlPlane.PublishNode(ctx, state.PassSHA256, pub)
	log.Request(m.logger, "Publish node address", pub, nil, err)
	if err != nil {
		m.lifecycle.BootError(err)
	}

	node := discovery.Node{ID: state.NodeID, Name: state.Name, PublicURL: publicURL, Port: m.config.Port}
	if err := m.discovery.RegisterNode(ctx, node); err != nil {
		m.logger.Warnw("Could not register node with service discovery", "error", err)
		m.lifecycle.BootError(err)
	} else {
		m.mu.Lock()
		m.nodeID = state.NodeID
		m.mu.Unlock()
	}
}

// ReportHealth forwards a health result to service discovery.
func (m *Manager) ReportHealth(ctx context.Context, healthErr error) error {
	m.mu.Lock()
	nodeID := m.nodeID
	m.mu.Unlock()
	if nodeID == "" {
		return nil
	}

	if healthErr != nil {
		return m.discovery.UpdateHealth(ctx, nodeID, discovery.HealthcheckCritical, healthErr.Error())
	}
	return m.discovery.UpdateHealth(ctx, nodeID, discovery.HealthcheckPassing, "ok")
}

// Stop kills ngrok and removes the node from service discovery. Status
// changes after the first Stop are no longer logged.
func (m *Manager) Stop() error {
	m.mu.Lock()
	process, nodeID := m.process, m.nodeID
	m.process, m.nodeID = nil, ""
	m.mu.Unlock()

	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.statuses)
		m.mu.Unlock()
	})

	var result error
	if nodeID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.discovery.DeregisterNode(ctx, nodeID); err != nil {
			result = err
		}
	}
	if process != nil {
		m.lifecycle.Stop()
		if err := process.Stop(); err != nil {
			result = errors.Wrap(err, "stop ngrok")
		}
	}
	return result
}
