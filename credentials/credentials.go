// Package credentials turns the operator's login into a session API key.
package credentials

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/tynkerbase/tynkerbase-agent/crypt"
	"github.com/tynkerbase/tynkerbase-agent/prompt"
)

// Credentials are the derived secrets of a logged-in user. The plaintext
// password is not kept.
type Credentials struct {
	Email      string
	PassSHA256 string
	PassSHA384 string
	APIKey     string
}

// Authenticator exchanges a password hash for a salt.
type Authenticator interface {
	Login(ctx context.Context, email, passSHA256 string) (salt string, err error)
}

// Exchange hashes the password, logs in and derives the API key from the
// returned salt. Rejected credentials surface as controlplane.ErrUnauthorized.
func Exchange(ctx context.Context, auth Authenticator, email, password string) (Credentials, error) {
	creds := Credentials{
		Email:      email,
		PassSHA256: crypt.SHA256(password),
		PassSHA384: crypt.SHA384(password),
	}

	salt, err := auth.Login(ctx, creds.Email, creds.PassSHA256)
	if err != nil {
		return Credentials{}, err
	}

	creds.APIKey = crypt.GenAPIKey(creds.PassSHA384, salt)
	return creds, nil
}

// Ask returns the login to use. Preset values are used as-is; missing ones
// are prompted for.
func Ask(p prompt.Prompter, email, password string) (string, string, error) {
	var err error
	for strings.TrimSpace(email) == "" {
		if email, err = p.Input("Enter your email"); err != nil {
			return "", "", errors.Wrap(err, "read email")
		}
	}
	for password == "" {
		if password, err = p.Secret("Enter your password"); err != nil {
			return "", "", errors.Wrap(err, "read password")
		}
	}
	return strings.TrimSpace(email), password, nil
}
