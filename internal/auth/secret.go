package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dreamware/rebootd/internal/system"
)

// SecretProvider returns the secret shared by all cluster members.
// Implementations may rotate the value; callers fetch it for every
// handshake and never cache it.
type SecretProvider interface {
	Secret(ctx context.Context) (string, error)
}

// StaticSecret is a fixed in-memory secret.
type StaticSecret string

// Secret returns the fixed value.
func (s StaticSecret) Secret(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty shared secret")
	}
	return string(s), nil
}

// CephKeyProvider reads a cephx key with `ceph auth get-or-create`.
// The key is created by the first caller and shared through the
// monitors, so every node holding the admin keyring sees the same value.
// Deleting the entity rotates the secret.
type CephKeyProvider struct {
	Run    system.Runner
	Entity string
}

// NewCephKeyProvider returns a provider for the given cephx entity,
// defaulting to client.reboottest.
func NewCephKeyProvider(entity string) *CephKeyProvider {
	if entity == "" {
		entity = "client.reboottest"
	}
	return &CephKeyProvider{Entity: entity, Run: system.ExecRunner}
}

// Secret returns the key value of the entity.
func (p *CephKeyProvider) Secret(ctx context.Context) (string, error) {
	out, err := p.Run(ctx, "ceph", "auth", "get-or-create", p.Entity)
	if err != nil {
		return "", fmt.Errorf("fetch shared secret: %w", err)
	}
	return parseKeyring(string(out))
}

// parseKeyring extracts the value of the "key = ..." line of a keyring.
func parseKeyring(txt string) (string, error) {
	for _, line := range strings.Split(txt, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "key" && fields[1] == "=" {
			return fields[2], nil
		}
	}
	return "", errors.New("keyring output format not understood")
}

// FileSecretProvider keeps the secret in a file, creating it with random
// contents on first use. The file must be distributed to every member by
// the operator (or live on shared storage).
type FileSecretProvider struct {
	Path string
	mu   sync.Mutex
}

// Secret reads the secret file, creating it when missing.
func (p *FileSecretProvider) Secret(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.Path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", p.Path)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read secret file: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(buf)
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o700); err != nil {
		return "", fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(p.Path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write secret file: %w", err)
	}
	return secret, nil
}

// ProviderFromSpec builds a provider from a config value:
// "ceph", "ceph:<entity>", "file:<path>" or "static:<value>".
func ProviderFromSpec(spec string) (SecretProvider, error) {
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case "ceph":
		return NewCephKeyProvider(arg), nil
	case "file":
		if arg == "" {
			return nil, errors.New("file secret requires a path")
		}
		return &FileSecretProvider{Path: arg}, nil
	case "static":
		if arg == "" {
			return nil, errors.New("static secret requires a value")
		}
		return StaticSecret(arg), nil
	default:
		return nil, fmt.Errorf("unknown secret provider %q", spec)
	}
}
