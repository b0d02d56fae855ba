package main

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// minSigningSecretLen is the minimum usable secret length in bytes. Shorter
// values from the environment are ignored rather than weakening every token.
const minSigningSecretLen = 16

// SecretProvider resolves the HMAC signing secret once per process and caches
// it. Resolution order: PAYMINT_SIGNING_SECRET from the environment, then the
// secret file, then a freshly generated secret persisted to the file so that
// tokens stay valid across restarts.
type SecretProvider struct {
	file   string
	logger *zap.Logger

	once   sync.Once
	secret string
}

// NewSecretProvider creates a provider backed by the given secret file path.
func NewSecretProvider(file string, logger *zap.Logger) *SecretProvider {
	return &SecretProvider{file: file, logger: logger}
}

// Secret returns the process signing secret, resolving it on first use.
func (p *SecretProvider) Secret() string {
	p.once.Do(func() {
		p.secret = p.resolve()
	})
	return p.secret
}

func (p *SecretProvider) resolve() string {
	if env := os.Getenv("PAYMINT_SIGNING_SECRET"); len(env) >= minSigningSecretLen {
		return env
	}

	if data, err := os.ReadFile(p.file); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read failing means the platform CSPRNG is broken; nothing
		// sane can be signed, so give up loudly.
		p.logger.Fatal("Failed to generate signing secret", zap.Error(err))
	}
	s := base64.RawURLEncoding.EncodeToString(buf)

	// O_EXCL keeps two racing processes from clobbering each other: the
	// loser re-reads the winner's secret so both agree.
	f, err := os.OpenFile(p.file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			if data, readErr := os.ReadFile(p.file); readErr == nil {
				if existing := strings.TrimSpace(string(data)); existing != "" {
					return existing
				}
			}
		}
		p.logger.Warn("Using ephemeral signing secret (file write failed)",
			zap.String("file", p.file),
			zap.Error(err),
		)
		return s
	}
	defer f.Close()

	if _, err := f.WriteString(s); err != nil {
		p.logger.Warn("Using ephemeral signing secret (file write failed)",
			zap.String("file", p.file),
			zap.Error(err),
		)
		return s
	}

	p.logger.Info("Created signing secret file", zap.String("file", p.file))
	return s
}
