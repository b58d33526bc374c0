package engine

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// passwordEntropyBytes is the entropy of generated account passwords.
const passwordEntropyBytes = 24

// GeneratePassword returns a cryptographically random base64 password.
// The admin bot uses it too when (re)setting its own credentials.
func GeneratePassword() (string, error) {
	buf := make([]byte, passwordEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newAccountPassword picks the password for a freshly registered user:
// random in production, the configured fixed test password otherwise.
// Real user passwords are set later by the out-of-band signup flow.
func (e *Engine) newAccountPassword() (string, error) {
	if e.cfg.Env == EnvProd {
		return GeneratePassword()
	}
	if e.cfg.DefaultTestPassword == "" {
		return "", fmt.Errorf("no default test password configured for env %q", e.cfg.Env)
	}
	return e.cfg.DefaultTestPassword, nil
}
