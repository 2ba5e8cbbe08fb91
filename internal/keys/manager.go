package keys

import (
	"crypto/rsa"
	"fmt"
	"os"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Manager owns the asymmetric key pair used to sign access tokens. Keys are
// read from disk on first use and cached until Invalidate is called, so a key
// rotation on disk becomes visible on the next access without a restart.
type Manager struct {
	privateKeyPath string
	publicKeyPath  string

	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	publicPEM  []byte
}

// NewManager constructs a Manager reading PEM encoded keys from the given paths.
func NewManager(privateKeyPath, publicKeyPath string) *Manager {
	return &Manager{
		privateKeyPath: privateKeyPath,
		publicKeyPath:  publicKeyPath,
	}
}

// SignKey returns the cached private key, loading it from disk if needed.
func (m *Manager) SignKey() (*rsa.PrivateKey, error) {
	m.mu.RLock()
	key := m.privateKey
	m.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.privateKey != nil {
		return m.privateKey, nil
	}

	data, err := os.ReadFile(m.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("keys: read private key: %w", err)
	}
	parsed, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	m.privateKey = parsed
	return parsed, nil
}

// VerifyKey returns the cached public key, loading it from disk if needed.
func (m *Manager) VerifyKey() (*rsa.PublicKey, error) {
	m.mu.RLock()
	key := m.publicKey
	m.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publicKey != nil {
		return m.publicKey, nil
	}

	data, err := os.ReadFile(m.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("keys: read public key: %w", err)
	}
	parsed, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("keys: parse public key: %w", err)
	}
	m.publicKey = parsed
	m.publicPEM = data
	return parsed, nil
}

// PublicPEM returns the raw public key PEM for the key retrieval endpoint.
func (m *Manager) PublicPEM() ([]byte, error) {
	m.mu.RLock()
	pem := m.publicPEM
	m.mu.RUnlock()
	if pem != nil {
		return pem, nil
	}
	if _, err := m.VerifyKey(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publicPEM, nil
}

// Invalidate drops the cached keys. The next access re-reads from disk.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.privateKey = nil
	m.publicKey = nil
	m.publicPEM = nil
	m.mu.Unlock()
}
