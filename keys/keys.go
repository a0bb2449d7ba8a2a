// Package keys loads and generates the SSH key material used to reach an SFTP backing store.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
)

// GeneratesRSAKeys generates a new RSA key pair and returns the private and public keys in PEM format.
func GeneratesRSAKeys(bitSize int) (privateKeyFile, publicKeyFile []byte, err error) {
	switch bitSize {
	case 2048, 3072, 4096:
	default:
		return nil, nil, fmt.Errorf("invalid bit size: %d", bitSize)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating RSA private key: %w", err)
	}
	privateKeyFile = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	publicKeyDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error marshaling RSA public key: %w", err)
	}
	publicKeyFile = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyDER})
	return privateKeyFile, publicKeyFile, nil
}

// GeneratesED25519Keys generates a new EdDSA key pair and returns the private and public keys in PEM format.
func GeneratesED25519Keys() (privateKeyFile, publicKeyFile []byte, err error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("error generating ed25519 key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error marshaling ed25519 private key: %w", err)
	}
	privateKeyFile = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateKeyBytes})

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error marshaling ed25519 public key: %w", err)
	}
	publicKeyFile = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})
	return privateKeyFile, publicKeyFile, nil
}

// NewSigner generates a fresh ed25519 ssh.Signer.
func NewSigner() (ssh.Signer, error) {
	pk, _, err := GeneratesED25519Keys()
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(pk)
}

// LoadSigner reads a PEM private key from file.
func LoadSigner(file string) (ssh.Signer, error) {
	pk, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("error reading private key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pk)
	if err != nil {
		return nil, fmt.Errorf("error parsing private key: %w", err)
	}
	return signer, nil
}

// ErrHostKeyMismatch is returned when the server presents an unexpected host key.
var ErrHostKeyMismatch = errors.New("host key mismatch")

// PinnedHostKey accepts only a host key whose SHA256 fingerprint equals fingerprint,
// in the "SHA256:..." form printed by ssh-keygen -l.
// An empty fingerprint accepts any key.
func PinnedHostKey(fingerprint string) ssh.HostKeyCallback {
	if fingerprint == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		if got := ssh.FingerprintSHA256(key); got != fingerprint {
			return fmt.Errorf("%s presented %s: %w", hostname, got, ErrHostKeyMismatch)
		}
		return nil
	}
}
