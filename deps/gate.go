// Package deps makes sure the host has what the agent needs before it serves.
package deps

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tynkerbase/tynkerbase-agent/bootstrap"
	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/prompt"
	"github.com/tynkerbase/tynkerbase-agent/shell"
)

const restartHint = "(If it's already installed, try restarting the terminal)"

// KeyPath is the TLS private key under root.
func KeyPath(root string) string {
	return filepath.Join(root, "keys", "tls-key.pem")
}

// CertPath is the TLS certificate under root.
func CertPath(root string) string {
	return filepath.Join(root, "keys", "tls-cert.pem")
}

func csrPath(root string) string {
	return filepath.Join(root, "keys", "tls-csr.csr")
}

type Config struct {
	// RootDir holds keys/ and data/.
	RootDir string

	// Release enables the host OS guard.
	Release bool

	// GOOS is the host operating system, normally runtime.GOOS.
	GOOS string
}

// Gate checks and, with the operator's consent, installs dependencies.
type Gate struct {
	config   Config
	fs       afero.Fs
	runner   shell.Runner
	prompter prompt.Prompter
	out      io.Writer
	logger   *log.Logger
}

func NewGate(config Config, fs afero.Fs, runner shell.Runner, prompter prompt.Prompter, out io.Writer) *Gate {
	return &Gate{
		config:   config,
		fs:       fs,
		runner:   runner,
		prompter: prompter,
		out:      out,
		logger:   log.Get().Named("Deps"),
	}
}

// Run performs every check in order. A *bootstrap.ExitError means the agent
// must exit with its code.
func (g *Gate) Run(ctx context.Context) error {
	if err := g.Preflight(); err != nil {
		return err
	}
	return g.Dependencies(ctx)
}

// Preflight checks the host OS and creates the agent root directory.
func (g *Gate) Preflight() error {
	if g.config.Release && g.config.GOOS != "linux" {
		return bootstrap.Stop("Unfortunately, only Linux is supported at the current time.")
	}
	return g.EnsureRootDir()
}

// Dependencies makes sure TLS material and docker are present.
func (g *Gate) Dependencies(ctx context.Context) error {
	if err := g.EnsureTLS(ctx); err != nil {
		return err
	}
	return g.EnsureDocker(ctx)
}

// EnsureRootDir creates the agent root directory.
func (g *Gate) EnsureRootDir() error {
	if err := g.fs.MkdirAll(g.config.RootDir, 0o755); err != nil {
		if os.IsPermission(err) {
			return bootstrap.Stop("TynkerBase Agent needs root privileges. Please re-run with `sudo`.")
		}
		return bootstrap.Fatal(err, "could not create agent root directory")
	}
	return nil
}

// HasTLS reports whether both the key and the certificate exist.
func (g *Gate) HasTLS() bool {
	keyExists, _ := afero.Exists(g.fs, KeyPath(g.config.RootDir))
	certExists, _ := afero.Exists(g.fs, CertPath(g.config.RootDir))
	return keyExists && certExists
}

// EnsureTLS generates a self-signed certificate unless one is present.
func (g *Gate) EnsureTLS(ctx context.Context) error {
	if g.HasTLS() {
		return nil
	}

	if !g.succeeds(ctx, shell.Cmd{Name: "openssl", Args: []string{"version"}}) {
		fmt.Fprintf(g.out, "In order to enable TLS encryption, you need to install OpenSSL. %s\n", restartHint)
		if err := g.install(ctx, "OpenSSL", openSSLInstall); err != nil {
			return err
		}
	}

	if err := g.GenerateTLS(ctx); err != nil {
		return bootstrap.Fatal(err, "could not generate TLS key and certificate")
	}
	return nil
}

// GenerateTLS removes any stale key material and creates a fresh EC P-256 key
// and a self-signed certificate valid for 36500 days.
func (g *Gate) GenerateTLS(ctx context.Context) error {
	if err := g.clearTLS(); err != nil {
		return err
	}

	root := g.config.RootDir
	g.logger.Infow("Generating TLS key and certificate", "dir", filepath.Dir(KeyPath(root)))

	if _, err := g.runner.Output(ctx, shell.Cmd{
		Name: "openssl",
		Args: []string{"ecparam", "-name", "secp256r1", "-genkey", "-noout", "-out", KeyPath(root)},
	}); err != nil {
		return errors.Wrap(err, "generate private key")
	}

	if _, err := g.runner.Output(ctx, shell.Cmd{
		Name: "openssl",
		Args: []string{
			"req", "-x509", "-new",
			"-key", KeyPath(root),
			"-out", CertPath(root),
			"-days", "36500",
			"-subj", "/CN=tynkerbase-agent",
		},
	}); err != nil {
		return errors.Wrap(err, "generate certificate")
	}

	if !g.HasTLS() {
		return errors.New("openssl did not produce both key and certificate")
	}
	return nil
}

func (g *Gate) clearTLS() error {
	root := g.config.RootDir
	if err := g.fs.MkdirAll(filepath.Join(root, "keys"), 0o700); err != nil {
		return errors.Wrap(err, "create keys directory")
	}
	for _, p := range []string{KeyPath(root), CertPath(root), csrPath(root)} {
		if err := g.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove stale %s", p)
		}
	}
	return nil
}

// EnsureDocker installs docker unless `docker --version` succeeds.
func (g *Gate) EnsureDocker(ctx context.Context) error {
	if g.succeeds(ctx, shell.Cmd{Name: "docker", Args: []string{"--version"}}) {
		return nil
	}

	fmt.Fprintf(g.out, "Docker is not installed. %s\n", restartHint)
	return g.install(ctx, "Docker", dockerInstall)
}

// install asks for consent, then runs the package manager's install commands.
func (g *Gate) install(ctx context.Context, what string, commands func(pm string) [][]string) error {
	ok, err := g.prompter.Confirm(fmt.Sprintf("Would you like to install %s now?", what))
	if err != nil {
		if errors.Is(err, prompt.ErrAborted) {
			return bootstrap.Stop(fmt.Sprintf("%s is required.", what))
		}
		return bootstrap.Fatal(err, "could not read answer")
	}
	if !ok {
		return bootstrap.Stop(fmt.Sprintf("%s is required. Install it and restart the agent.", what))
	}

	pm, err := g.PackageManager(ctx)
	if err != nil {
		return bootstrap.Fatal(err, fmt.Sprintf("Failed to install %s, install manually", what))
	}

	for _, args := range commands(pm) {
		cmd := shell.Cmd{Name: "sudo", Args: args, Interactive: true}
		if _, err := g.runner.Output(ctx, cmd); err != nil {
			return bootstrap.Fatal(err, fmt.Sprintf("Failed to install %s, install manually", what))
		}
	}

	fmt.Fprintf(g.out, "Successfully installed %s!\n", what)
	return nil
}

// ErrNoPackageManager is returned when no supported package manager is found.
var ErrNoPackageManager = errors.New("no supported package manager found")

var packageManagers = []string{"apt-get", "yum", "dnf", "pacman"}

// PackageManager returns the first supported package manager on PATH.
func (g *Gate) PackageManager(ctx context.Context) (string, error) {
	for _, pm := range packageManagers {
		if g.succeeds(ctx, shell.Cmd{Name: "which", Args: []string{pm}}) {
			return pm, nil
		}
	}
	return "", ErrNoPackageManager
}

func (g *Gate) succeeds(ctx context.Context, cmd shell.Cmd) bool {
	_, err := g.runner.Output(ctx, cmd)
	return err == nil
}

func openSSLInstall(pm string) [][]string {
	switch pm {
	case "apt-get":
		return [][]string{{"apt-get", "install", "-y", "openssl"}}
	case "yum":
		return [][]string{{"yum", "install", "-y", "openssl"}}
	case "dnf":
		return [][]string{{"dnf", "install", "-y", "openssl"}}
	case "pacman":
		return [][]string{{"pacman", "-S", "--noconfirm", "openssl"}}
	}
	return nil
}

func dockerInstall(pm string) [][]string {
	switch pm {
	case "apt-get":
		return [][]string{
			{"apt-get", "update", "-y"},
			{"apt-get", "install", "-y", "docker.io"},
		}
	case "yum":
		return [][]string{{"yum", "install", "-y", "docker"}}
	case "dnf":
		return [][]string{{"dnf", "install", "-y", "docker"}}
	case "pacman":
		return [][]string{{"pacman", "-Syu", "--noconfirm", "docker"}}
	}
	return nil
}
