package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tynkerbase/tynkerbase-agent/bootstrap"
	"github.com/tynkerbase/tynkerbase-agent/crypt"
	"github.com/tynkerbase/tynkerbase-agent/prompt"
	"github.com/tynkerbase/tynkerbase-agent/session"
	"github.com/tynkerbase/tynkerbase-agent/shell"
	"github.com/tynkerbase/tynkerbase-agent/shell/shelltest"
	"github.com/tynkerbase/tynkerbase-agent/stats"
	"github.com/tynkerbase/tynkerbase-agent/tunnel/discovery"
	"github.com/tynkerbase/tynkerbase-agent/wire"
)

const testPublicURL = "https://a1b2.ngrok-free.app"

var testState = session.State{
	NodeID:     "0123456789abcdefghijklmnopqrstuv",
	Name:       "edge-1",
	Email:      "ops@example.com",
	PassSHA256: crypt.SHA256("hunter2"),
	PassSHA384: crypt.SHA384("hunter2"),
	APIKey:     crypt.GenAPIKey(crypt.SHA384("hunter2"), "salt"),
}

type fakeControlPlane struct {
	mu         sync.Mutex
	stored     []byte
	getErr     error
	saveErr    error
	publishErr error
	published  []wire.NodePublication
	saves      int
}

func (f *fakeControlPlane) GetTunnelToken(ctx context.Context, email, passSHA256 string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.stored == nil {
		return nil, errors.New("no token stored")
	}
	return f.stored, nil
}

func (f *fakeControlPlane) SaveTunnelToken(ctx context.Context, email, passSHA256 string, sealed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.stored = sealed
	return nil
}

func (f *fakeControlPlane) PublishNode(ctx context.Context, passSHA256 string, pub wire.NodePublication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, pub)
	return f.publishErr
}

type fakeDiscovery struct {
	discovery.Noop
	mu           sync.Mutex
	registered   []discovery.Node
	deregistered []string
	health       []discovery.HealthcheckStatus
}

func (f *fakeDiscovery) RegisterNode(ctx context.Context, node discovery.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, node)
	return nil
}

func (f *fakeDiscovery) DeregisterNode(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, nodeID)
	return nil
}

func (f *fakeDiscovery) UpdateHealth(ctx context.Context, nodeID string, status discovery.HealthcheckStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = append(f.health, status)
	return nil
}

// adminAPI serves the ngrok tunnels listing, empty for the first emptyPolls requests.
func adminAPI(t *testing.T, emptyPolls int32) (*httptest.Server, *int32) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		if n <= emptyPolls {
			fmt.Fprint(w, `{"tunnels":[],"uri":"/api/tunnels"}`)
			return
		}
		fmt.Fprintf(w, `{"tunnels":[{"name":"command_line","public_url":"%s","proto":"https"}],"uri":"/api/tunnels"}`, testPublicURL)
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

type managerFixture struct {
	runner       *shelltest.Runner
	fs           afero.Fs
	controlPlane *fakeControlPlane
	prompter     *prompt.Scripted
	discovery    *fakeDiscovery
	manager      *Manager
}

func newFixture(t *testing.T, adminURL string, configure func(*Config)) *managerFixture {
	f := &managerFixture{
		runner:       &shelltest.Runner{},
		fs:           afero.NewMemMapFs(),
		controlPlane: &fakeControlPlane{},
		prompter:     &prompt.Scripted{},
		discovery:    &fakeDiscovery{},
	}
	config := Config{
		Command:          "ngrok",
		AdminURL:         adminURL,
		Target:           "https://localhost:7462",
		Port:             7462,
		DiscoveryTimeout: 500 * time.Millisecond,
		FetchTimeout:     time.Second,
	}
	if configure != nil {
		configure(&config)
	}
	f.manager = NewManager(config, f.runner, f.fs, f.controlPlane, f.prompter, f.discovery, stats.Discard())
	return f
}

func sealedToken(t *testing.T, token string) []byte {
	cipher, err := crypt.NewCipher(testState.APIKey)
	require.NoError(t, err)
	b, err := cipher.SealString(token)
	require.NoError(t, err)
	return b
}

func TestManagerStoredToken(t *testing.T) {
	admin, _ := adminAPI(t, 2)
	f := newFixture(t, admin.URL, nil)
	f.controlPlane.stored = sealedToken(t, "2abcTOKEN")

	publicURL, err := f.manager.Run(context.Background(), testState)
	require.NoError(t, err)
	assert.Equal(t, testPublicURL, publicURL)

	assert.Equal(t, []string{
		"ngrok config add-authtoken 2abcTOKEN",
		"ngrok http https://localhost:7462",
	}, f.runner.Calls())
	assert.Empty(t, f.prompter.Asked())
	assert.Equal(t, 0, f.controlPlane.saves)

	require.Len(t, f.controlPlane.published, 1)
	assert.Equal(t, wire.NodePublication{
		Email:  testState.Email,
		NodeID: testState.NodeID,
		Name:   testState.Name,
		Addr:   testPublicURL,
	}, f.controlPlane.published[0])

	require.Len(t, f.discovery.registered, 1)
	assert.Equal(t, testPublicURL, f.discovery.registered[0].PublicURL)

	status := f.manager.Status()
	assert.Equal(t, StatePublic, status.State)
	assert.Equal(t, testPublicURL, status.PublicURL)
}

func TestManagerPromptsWhenNoStoredToken(t *testing.T) {
	admin, _ := adminAPI(t, 0)
	f := newFixture(t, admin.URL, nil)
	f.prompter.Secrets = []string{"2newTOKEN"}

	_, err := f.manager.Run(context.Background(), testState)
	require.NoError(t, err)

	assert.Equal(t, []string{tokenPrompt}, f.prompter.Asked())
	assert.Contains(t, f.runner.Calls(), "ngrok config add-authtoken 2newTOKEN")

	require.Equal(t, 1, f.controlPlane.saves)
	cipher, err := crypt.NewCipher(testState.APIKey)
	require.NoError(t, err)
	token, err := cipher.OpenString(f.controlPlane.stored)
	require.NoError(t, err)
	assert.Equal(t, "2newTOKEN", token)
}

func TestManagerStoreFailureIsNotFatal(t *testing.T) {
	admin, _ := adminAPI(t, 0)
	f := newFixture(t, admin.URL, nil)
	f.controlPlane.saveErr = errors.New("control plane unavailable")
	f.prompter.Secrets = []string{"2newTOKEN"}

	publicURL, err := f.manager.Run(context.Background(), testState)
	require.NoError(t, err)
	assert.Equal(t, testPublicURL, publicURL)
}

func TestManagerAttachFailureIsFatal(t *testing.T) {
	admin, _ := adminAPI(t, 0)
	f := newFixture(t, admin.URL, nil)
	f.prompter.Secrets = []string{"bogus"}
	f.runner.Handler = func(cmd shell.Cmd) ([]byte, error) {
		if shelltest.HasPrefix(cmd, "ngrok config add-authtoken") {
			return nil, shelltest.Fail(cmd, "ERROR: invalid authtoken")
		}
		return nil, nil
	}

	_, err := f.manager.Run(context.Background(), testState)
	require.Error(t, err)
	assert.Equal(t, 1, bootstrap.ExitCode(err))
	assert.NotContains(t, err.Error(), "bogus")
	assert.Equal(t, StateFailed, f.manager.Status().State)
	assert.Empty(t, f.runner.Started())
}

func TestManagerUndecryptableTokenFallsBackToPrompt(t *testing.T) {
	admin, _ := adminAPI(t, 0)
	f := newFixture(t, admin.URL, nil)
	f.controlPlane.stored = []byte("not a sealed message")
	f.prompter.Secrets = []string{"2newTOKEN"}

	_, err := f.manager.Run(context.Background(), testState)
	require.NoError(t, err)
	assert.Equal(t, []string{tokenPrompt}, f.prompter.Asked())
}

func TestManagerPlaintextTokenFallsBackToPrompt(t *testing.T) {
	admin, _ := adminAPI(t, 0)
	f := newFixture(t, admin.URL, nil)
	plain, err := wire.Marshal(crypt.Message{Data: []byte("2plainTOKEN")})
	require.NoError(t, err)
	f.controlPlane.stored = plain
	f.prompter.Secrets = []string{"2newTOKEN"}

	_, err = f.manager.Run(context.Background(), testState)
	require.NoError(t, err)
	assert.Equal(t, []string{tokenPrompt}, f.prompter.Asked())
	assert.NotContains(t, f.runner.Calls(), "ngrok config add-authtoken 2plainTOKEN")
	assert.Contains(t, f.runner.Calls(), "ngrok config add-authtoken 2newTOKEN")
}

func TestManagerPromptAborted(t *testing.T) {
	admin, _ := adminAPI(t, 0)
	f := newFixture(t, admin.URL, nil)
	f.manager.prompter = abortingPrompter{}

	_, err := f.manager.Run(context.Background(), testState)
	require.Error(t, err)
	assert.Equal(t, 0, bootstrap.ExitCode(err))
}

type abortingPrompter struct{}

func (abortingPrompter) Input(string) (string, error)  { return "", prompt.ErrAborted }
func (abortingPrompter) Secret(string) (string, error) { return "", prompt.ErrAborted }
func (abortingPrompter) Confirm(string) (bool, error)  { return false, prompt.ErrAborted }

func TestManagerSkipsWhenTokenInstalled(t *testing.T) {
	admin, _ := adminAPI(t, 0)
	f := newFixture(t, admin.URL, func(c *Config) { c.SkipIfInstalled = true })
	require.NoError(t, afero.WriteFile(f.fs, "/root/.config/ngrok/ngrok.yml", []byte("version: \"2\"\nauthtoken: 2abc\n"), 0600))
	f.runner.Handler = func(cmd shell.Cmd) ([]byte, error) {
		if shelltest.Is(cmd, "ngrok config check") {
			return []byte("Valid configuration file at /root/.config/ngrok/ngrok.yml\n"), nil
		}
		return nil, nil
	}

	_, err := f.manager.Run(context.Background(), testState)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ngrok config check",
		"ngrok http https://localhost:7462",
	}, f.runner.Calls())
}

func TestManagerPublishFailureStillProceeds(t *testing.T) {
	admin, _ := adminAPI(t, 1)
	f := newFixture(t, admin.URL, nil)
	f.controlPlane.stored = sealedToken(t, "2abcTOKEN")
	f.controlPlane.publishErr = errors.New("500 Internal Server Error")

	publicURL, err := f.manager.Run(context.Background(), testState)
	require.NoError(t, err)
	assert.Equal(t, testPublicURL, publicURL)
	assert.Equal(t, StatePublic, f.manager.Status().State)
}

func TestManagerDiscoveryTimeout(t *testing.T) {
	admin, polls := adminAPI(t, 1000)
	f := newFixture(t, admin.URL, func(c *Config) { c.DiscoveryTimeout = 500 * time.Millisecond })
	f.controlPlane.stored = sealedToken(t, "2abcTOKEN")

	_, err := f.manager.Run(context.Background(), testState)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDiscoveryTimeout))
	assert.Equal(t, 1, bootstrap.ExitCode(err))
	assert.EqualValues(t, discoveryPolls, atomic.LoadInt32(polls))

	started := f.runner.Started()
	require.Len(t, started, 1)
	assert.True(t, started[0].Stopped())
	assert.Empty(t, f.controlPlane.published)
}

func TestManagerStop(t *testing.T) {
	admin, _ := adminAPI(t, 0)
	f := newFixture(t, admin.URL, nil)
	f.controlPlane.stored = sealedToken(t, "2abcTOKEN")

	_, err := f.manager.Run(context.Background(), testState)
	require.NoError(t, err)

	require.NoError(t, f.manager.ReportHealth(context.Background(), nil))
	require.NoError(t, f.manager.ReportHealth(context.Background(), errors.New("docker down")))
	assert.Equal(t, []discovery.HealthcheckStatus{discovery.HealthcheckPassing, discovery.HealthcheckCritical}, f.discovery.health)

	require.NoError(t, f.manager.Stop())
	assert.Equal(t, []string{testState.NodeID}, f.discovery.deregistered)
	assert.True(t, f.runner.Started()[0].Stopped())

	// a second stop is a no-op
	require.NoError(t, f.manager.Stop())
	assert.Len(t, f.discovery.deregistered, 1)
}

func TestManagerStopEndsStatusLogger(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", nil)
	f.manager.Disable()

	require.NoError(t, f.manager.Stop())
	select {
	case <-f.manager.logged:
	case <-time.After(time.Second):
		t.Fatal("status logger still running after Stop")
	}

	assert.NotPanics(t, func() { f.manager.Disable() })
	assert.Equal(t, StateDisabled, f.manager.Status().State)
	require.NoError(t, f.manager.Stop())
}
