package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/tynkerbase/tynkerbase-agent/bootstrap"
	"github.com/tynkerbase/tynkerbase-agent/controlplane"
	"github.com/tynkerbase/tynkerbase-agent/credentials"
	"github.com/tynkerbase/tynkerbase-agent/deps"
	"github.com/tynkerbase/tynkerbase-agent/identity"
	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/prompt"
	"github.com/tynkerbase/tynkerbase-agent/session"
	"github.com/tynkerbase/tynkerbase-agent/tunnel"
)

type dependencyGate interface {
	Preflight() error
	Dependencies(ctx context.Context) error
}

type identityStore interface {
	LoadOrCreate(ctx context.Context, email, passSHA256 string) (identity.Node, error)
}

type tunnelManager interface {
	Run(ctx context.Context, state session.State) (string, error)
	Disable()
}

// bootstrapper brings the host from a cold start to a sealed session.
type bootstrapper struct {
	Priv          bool
	LoginEmail    string
	LoginPassword string

	Prompter prompt.Prompter
	Auth     credentials.Authenticator
	Identity identityStore
	Gate     dependencyGate
	Tunnel   tunnelManager
	Session  *session.Store
	Out      io.Writer

	logger *log.Logger
}

// Run performs every bootstrap step in order and seals the session. Any
// returned error is a *bootstrap.ExitError.
func (b *bootstrapper) Run(ctx context.Context) (session.State, error) {
	if b.logger == nil {
		b.logger = log.Get().Named("Bootstrap")
	}

	if err := b.Gate.Preflight(); err != nil {
		return session.State{}, exitError(err, "preflight failed")
	}

	email, password, err := credentials.Ask(b.Prompter, b.LoginEmail, b.LoginPassword)
	if err != nil {
		return session.State{}, exitError(err, "could not read login")
	}

	creds, err := credentials.Exchange(ctx, b.Auth, email, password)
	if errors.Is(err, controlplane.ErrUnauthorized) {
		return session.State{}, bootstrap.Stop("Incorrect authorization.")
	} else if err != nil {
		return session.State{}, bootstrap.Fatal(err, "could not log in")
	}
	b.logger.Infow("Logged in", "email", creds.Email)

	node, err := b.Identity.LoadOrCreate(ctx, creds.Email, creds.PassSHA256)
	if err != nil {
		return session.State{}, exitError(err, "could not load node identity")
	}
	b.logger.Infow("Node identity", "id", node.ID, "name", node.Name)

	if err := b.Gate.Dependencies(ctx); err != nil {
		return session.State{}, exitError(err, "dependency check failed")
	}

	state := session.State{
		NodeID:     node.ID,
		Name:       node.Name,
		Email:      creds.Email,
		PassSHA256: creds.PassSHA256,
		PassSHA384: creds.PassSHA384,
		APIKey:     creds.APIKey,
	}

	if b.Priv {
		b.Tunnel.Disable()
		b.logger.Info("Private mode, not opening a public tunnel")
	} else {
		publicURL, err := b.Tunnel.Run(ctx, state)
		if err != nil {
			return session.State{}, exitError(err, "could not open tunnel")
		}
		fmt.Fprintf(b.Out, "TynkerBase Agent running publicly on: %s\n", publicURL)
	}

	if err := b.Session.Seal(state); err != nil {
		return session.State{}, bootstrap.Fatal(err, "could not seal session")
	}
	return state, nil
}

// exitError keeps an *bootstrap.ExitError as-is, turns an aborted prompt into
// a clean stop and anything else into a hard failure.
func exitError(err error, message string) error {
	if _, ok := bootstrap.AsExitError(err); ok {
		return err
	}
	if errors.Is(err, prompt.ErrAborted) {
		return bootstrap.Stop("Bootstrap cancelled.")
	}
	return bootstrap.Fatal(err, message)
}

// runBootstrap seals the session before the application starts, so the
// listener's OnStart hook finds it complete.
func runBootstrap(
	lc fx.Lifecycle,
	config *viper.Viper,
	prompter prompt.Prompter,
	cp *controlplane.Client,
	identities *identity.Store,
	gate *deps.Gate,
	manager *tunnel.Manager,
	sessions *session.Store,
) error {
	b := &bootstrapper{
		Priv:          config.GetBool(ConfigPriv),
		LoginEmail:    config.GetString(ConfigLoginEmail),
		LoginPassword: config.GetString(ConfigLoginPassword),
		Prompter:      prompter,
		Auth:          cp,
		Identity:      identities,
		Gate:          gate,
		Tunnel:        manager,
		Session:       sessions,
		Out:           os.Stdout,
	}

	// Stop ngrok and deregister on shutdown.
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return manager.Stop()
		},
	})

	_, err := b.Run(context.Background())
	if err != nil {
		_ = manager.Stop()
	}
	return err
}
