package deps

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tynkerbase/tynkerbase-agent/bootstrap"
	"github.com/tynkerbase/tynkerbase-agent/prompt"
	"github.com/tynkerbase/tynkerbase-agent/shell"
	"github.com/tynkerbase/tynkerbase-agent/shell/shelltest"
)

const root = "/usr/share/tynkerbase-agent"

// host fakes the tools the gate calls. openssl writes its -out file into fs.
type host struct {
	fs        afero.Fs
	installed map[string]bool
	failing   map[string]bool
}

func newHost(fs afero.Fs, installed ...string) *host {
	h := &host{fs: fs, installed: map[string]bool{}, failing: map[string]bool{}}
	for _, name := range installed {
		h.installed[name] = true
	}
	return h
}

func (h *host) handle(cmd shell.Cmd) ([]byte, error) {
	line := cmd.String()
	if h.failing[line] {
		return nil, shelltest.Fail(cmd, "failed")
	}

	switch cmd.Name {
	case "which":
		if h.installed[cmd.Args[0]] {
			return []byte("/usr/bin/" + cmd.Args[0]), nil
		}
		return nil, shelltest.Fail(cmd, "")

	case "sudo":
		// The last argument is the package being installed.
		pkg := cmd.Args[len(cmd.Args)-1]
		if pkg == "docker.io" {
			pkg = "docker"
		}
		if pkg != "-y" {
			h.installed[pkg] = true
		}
		return nil, nil

	case "openssl", "docker":
		if !h.installed[cmd.Name] {
			return nil, errors.Errorf("exec: %q: executable file not found in $PATH", cmd.Name)
		}
		for i, arg := range cmd.Args {
			if arg == "-out" {
				_ = afero.WriteFile(h.fs, cmd.Args[i+1], []byte("PEM"), 0o600)
			}
		}
		return nil, nil
	}
	return nil, errors.Errorf("unexpected command %s", line)
}

func newTestGate(fs afero.Fs, h *host, p prompt.Prompter) (*Gate, *shelltest.Runner, *bytes.Buffer) {
	runner := &shelltest.Runner{Handler: h.handle}
	out := &bytes.Buffer{}
	return NewGate(Config{RootDir: root, Release: true, GOOS: "linux"}, fs, runner, p, out), runner, out
}

func listKeys(t *testing.T, fs afero.Fs) []string {
	entries, err := afero.ReadDir(fs, root+"/keys")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRun_AllPresent(t *testing.T) {
	fs := afero.NewMemMapFs()
	gate, runner, _ := newTestGate(fs, newHost(fs, "openssl", "docker"), &prompt.Scripted{})

	require.NoError(t, gate.Run(context.Background()))
	assert.Equal(t, []string{"tls-cert.pem", "tls-key.pem"}, listKeys(t, fs))

	calls := runner.Calls()
	assert.Equal(t, "openssl version", calls[0])
	assert.Equal(t, "openssl ecparam -name secp256r1 -genkey -noout -out "+root+"/keys/tls-key.pem", calls[1])
	assert.Equal(t, "openssl req -x509 -new -key "+root+"/keys/tls-key.pem -out "+root+"/keys/tls-cert.pem -days 36500 -subj /CN=tynkerbase-agent", calls[2])
	assert.Equal(t, "docker --version", calls[3])

	// Second run finds the material and skips generation.
	require.NoError(t, gate.Run(context.Background()))
	assert.Len(t, runner.Calls(), 5)
}

func TestGenerateTLS_Idempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, root+"/keys/tls-csr.csr", []byte("stale"), 0o600))
	require.NoError(t, afero.WriteFile(fs, root+"/keys/tls-key.pem", []byte("stale"), 0o600))
	gate, _, _ := newTestGate(fs, newHost(fs, "openssl"), &prompt.Scripted{})

	require.NoError(t, gate.GenerateTLS(context.Background()))
	require.NoError(t, gate.GenerateTLS(context.Background()))

	assert.Equal(t, []string{"tls-cert.pem", "tls-key.pem"}, listKeys(t, fs))
	b, _ := afero.ReadFile(fs, root+"/keys/tls-key.pem")
	assert.Equal(t, "PEM", string(b))
}

func TestRun_NonLinuxRelease(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &shelltest.Runner{}
	gate := NewGate(Config{RootDir: root, Release: true, GOOS: "darwin"}, fs, runner, &prompt.Scripted{}, &bytes.Buffer{})

	err := gate.Run(context.Background())
	exitErr, ok := bootstrap.AsExitError(err)
	require.True(t, ok)
	assert.Equal(t, 0, exitErr.Code)
	assert.Contains(t, exitErr.Message, "only Linux is supported")
	assert.Empty(t, runner.Calls())
}

func TestRun_NonLinuxDebug(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := newHost(fs, "openssl", "docker")
	gate := NewGate(Config{RootDir: root, GOOS: "darwin"}, fs, &shelltest.Runner{Handler: h.handle}, &prompt.Scripted{}, &bytes.Buffer{})

	assert.NoError(t, gate.Run(context.Background()))
}

func TestRun_RootDirPermission(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	gate, _, _ := newTestGate(fs, newHost(fs), &prompt.Scripted{})

	err := gate.Run(context.Background())
	exitErr, ok := bootstrap.AsExitError(err)
	require.True(t, ok)
	assert.Equal(t, 0, exitErr.Code)
	assert.Contains(t, exitErr.Message, "root privileges")
}

func TestEnsureTLS_InstallDeclined(t *testing.T) {
	fs := afero.NewMemMapFs()
	gate, runner, out := newTestGate(fs, newHost(fs, "apt-get"), &prompt.Scripted{Confirms: []bool{false}})

	err := gate.EnsureTLS(context.Background())
	exitErr, ok := bootstrap.AsExitError(err)
	require.True(t, ok)
	assert.Equal(t, 0, exitErr.Code)
	assert.Contains(t, out.String(), "try restarting the terminal")
	assert.Equal(t, []string{"openssl version"}, runner.Calls())
}

func TestEnsureTLS_InstallAccepted(t *testing.T) {
	fs := afero.NewMemMapFs()
	gate, runner, _ := newTestGate(fs, newHost(fs, "yum"), &prompt.Scripted{Confirms: []bool{true}})

	require.NoError(t, gate.EnsureTLS(context.Background()))
	assert.Contains(t, runner.Calls(), "sudo yum install -y openssl")
	assert.True(t, gate.HasTLS())

	for _, cmd := range runner.Commands() {
		if cmd.Name == "sudo" {
			assert.True(t, cmd.Interactive)
		}
	}
}

func TestEnsureTLS_UnknownPackageManager(t *testing.T) {
	fs := afero.NewMemMapFs()
	gate, _, _ := newTestGate(fs, newHost(fs), &prompt.Scripted{Confirms: []bool{true}})

	err := gate.EnsureTLS(context.Background())
	exitErr, ok := bootstrap.AsExitError(err)
	require.True(t, ok)
	assert.Equal(t, 1, exitErr.Code)
	assert.ErrorIs(t, err, ErrNoPackageManager)
}

func TestEnsureTLS_GeneratorFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := newHost(fs, "openssl")
	h.failing["openssl req -x509 -new -key "+root+"/keys/tls-key.pem -out "+root+"/keys/tls-cert.pem -days 36500 -subj /CN=tynkerbase-agent"] = true
	gate, _, _ := newTestGate(fs, h, &prompt.Scripted{})

	err := gate.EnsureTLS(context.Background())
	assert.Equal(t, 1, bootstrap.ExitCode(err))
}

func TestEnsureDocker_Install(t *testing.T) {
	fs := afero.NewMemMapFs()
	gate, runner, out := newTestGate(fs, newHost(fs, "pacman", "apt-get"), &prompt.Scripted{Confirms: []bool{true}})

	require.NoError(t, gate.EnsureDocker(context.Background()))
	assert.Contains(t, out.String(), "Docker is not installed")
	assert.Equal(t, []string{
		"docker --version",
		"which apt-get",
		"sudo apt-get update -y",
		"sudo apt-get install -y docker.io",
	}, runner.Calls())
}

func TestEnsureDocker_InstallFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := newHost(fs, "dnf")
	h.failing["sudo dnf install -y docker"] = true
	gate, _, _ := newTestGate(fs, h, &prompt.Scripted{Confirms: []bool{true}})

	err := gate.EnsureDocker(context.Background())
	assert.Equal(t, 1, bootstrap.ExitCode(err))
}

func TestEnsureDocker_Declined(t *testing.T) {
	fs := afero.NewMemMapFs()
	gate, _, _ := newTestGate(fs, newHost(fs, "dnf"), &prompt.Scripted{Confirms: []bool{false}})

	err := gate.EnsureDocker(context.Background())
	exitErr, ok := bootstrap.AsExitError(err)
	require.True(t, ok)
	assert.Equal(t, 0, exitErr.Code)
}
