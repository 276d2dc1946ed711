package agent

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	privateKeyFile = "client.key"
	publicKeyFile  = "client.pub"
	tokenFile      = "client_token"

	rsaKeyBits = 2048
)

// Credentials manages the agent's on-disk identity under auth_dir:
// the RSA keypair generated at first install and the bearer token
// returned by registration.
type Credentials struct {
	dir string
}

func NewCredentials(dir string) *Credentials {
	return &Credentials{dir: dir}
}

// EnsureKeypair generates and persists a keypair when none exists.
func (c *Credentials) EnsureKeypair() error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(c.dir, privateKeyFile)); err == nil {
		if _, err := c.loadPrivateKey(); err == nil {
			return nil
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(filepath.Join(c.dir, privateKeyFile), privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(c.dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func (c *Credentials) loadPrivateKey() (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

func (c *Credentials) PublicKeyPEM() (string, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, publicKeyFile))
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return strings.TrimSpace(string(data)) + "\n", nil
}

// Sign produces the base64 PKCS#1 v1.5 SHA-256 signature over the
// canonical registration string.
func (c *Credentials) Sign(canonical string) (string, error) {
	key, err := c.loadPrivateKey()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(canonical))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (c *Credentials) SaveToken(token string) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, tokenFile), []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// LoadToken returns the persisted bearer, or "" when the agent has
// never registered.
func (c *Credentials) LoadToken() (string, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, tokenFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
