package tunnel

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tynkerbase/tynkerbase-agent/shell"
)

// ngrok wraps the ngrok CLI.
type ngrok struct {
	command string
	runner  shell.Runner
	fs      afero.Fs
}

// configPath asks ngrok where its config file lives. `ngrok config check`
// prints a line such as "Valid configuration file at /root/.config/ngrok/ngrok.yml".
func (n ngrok) configPath(ctx context.Context) (string, error) {
	out, err := n.runner.Output(ctx, shell.Cmd{Name: n.command, Args: []string{"config", "check"}})
	if err != nil {
		return "", errors.Wrap(err, "ngrok config check")
	}

	line := strings.TrimSpace(string(out))
	i := strings.Index(line, "/")
	if i < 0 {
		return "", errors.Errorf("no config path in %q", line)
	}
	path := line[i:]
	if j := strings.IndexAny(path, "\r\n"); j >= 0 {
		path = path[:j]
	}
	return strings.TrimSpace(path), nil
}

// tokenInstalled reports whether the local config already carries an auth
// token. assumeOnUnreadable is returned when the config exists but cannot be read.
func (n ngrok) tokenInstalled(ctx context.Context, assumeOnUnreadable bool) (bool, error) {
	path, err := n.configPath(ctx)
	if err != nil {
		return false, err
	}

	b, err := afero.ReadFile(n.fs, path)
	if err != nil {
		if assumeOnUnreadable {
			return true, nil
		}
		return false, errors.Wrap(err, "read ngrok config")
	}
	return strings.Contains(string(b), "authtoken:"), nil
}

func (n ngrok) attach(ctx context.Context, token string) error {
	_, err := n.runner.Output(ctx, shell.Cmd{Name: n.command, Args: []string{"config", "add-authtoken", token}})
	if err != nil {
		// The token is in argv; keep it out of the error.
		if exitErr, ok := shell.AsExitError(err); ok {
			return errors.Errorf("ngrok config add-authtoken exited with status %d: %s", exitErr.ExitCode, strings.TrimSpace(exitErr.Stderr))
		}
		return errors.New("could not launch ngrok config add-authtoken")
	}
	return nil
}

func (n ngrok) start(target string) (shell.Process, error) {
	return n.runner.Start(shell.Cmd{Name: n.command, Args: []string{"http", target}, DiscardStdout: true})
}
