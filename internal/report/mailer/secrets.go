package mailer

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var ErrSecretNotFound = errors.New("secret not found")

// Secrets resolves credential references of the form "env:<VAR>" or
// "secret:<name>". Named secrets come from configuration and can be replaced
// at runtime.
type Secrets struct {
	mu        sync.RWMutex
	named     map[string]string
	lookupEnv func(string) (string, bool)
}

func NewSecrets(named map[string]string) *Secrets {
	s := &Secrets{lookupEnv: os.LookupEnv}
	s.Set(named)
	return s
}

// Set replaces the named secrets.
func (s *Secrets) Set(named map[string]string) {
	cp := make(map[string]string, len(named))
	for k, v := range named {
		cp[k] = v
	}
	s.mu.Lock()
	s.named = cp
	s.mu.Unlock()
}

// Resolve returns the secret value for ref. An empty ref resolves to "".
func (s *Secrets) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	scheme, name, ok := strings.Cut(ref, ":")
	if !ok || name == "" {
		return "", fmt.Errorf("malformed password_ref")
	}
	switch scheme {
	case "env":
		v, ok := s.lookupEnv(name)
		if !ok {
			return "", fmt.Errorf("env %s: %w", name, ErrSecretNotFound)
		}
		return v, nil
	case "secret":
		s.mu.RLock()
		v, ok := s.named[name]
		s.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("secret %s: %w", name, ErrSecretNotFound)
		}
		return v, nil
	default:
		return "", fmt.Errorf("unknown password_ref scheme %q", scheme)
	}
}
