package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

const keyBits = 2048

// GenerateKey creates a new RSA keypair for a peer.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}
	return key, nil
}

// ParsePublicKey parses a PEM-encoded RSA public key in either PKIX or
// PKCS#1 form.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in public key")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PEM: %w", err)
	}
	return rsaKey, nil
}

// ParsePrivateKey parses a PEM-encoded RSA private key in either PKCS#8 or
// PKCS#1 form.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PEM: %w", err)
	}
	return rsaKey, nil
}

// EncodePublicKey renders a public key as PKIX PEM.
func EncodePublicKey(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("could not marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// EncodePrivateKey renders a private key as PKCS#8 PEM.
func EncodePrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("could not marshal private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// LoadOrGenerateKey reads the private key at privatePath, or, when the file
// does not exist, generates a fresh keypair and writes both PEM files so the
// daemon is usable on first boot.
func LoadOrGenerateKey(privatePath, publicPath string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(privatePath)
	if err == nil {
		return ParsePrivateKey(pemBytes)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read private key file: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	privPEM, err := EncodePrivateKey(key)
	if err != nil {
		return nil, err
	}
	pubPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(privatePath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key to disk: %w", err)
	}
	if err := os.WriteFile(publicPath, pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to save key to disk: %w", err)
	}

	return key, nil
}

// challengeBytes is the entropy of a handshake challenge. 256 random bytes
// makes replay require breaking the CSPRNG.
const challengeBytes = 256

// GenerateChallenge produces a handshake challenge: 256 cryptographically
// random bytes formatted as uppercase hex.
func GenerateChallenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate challenge: %w", err)
	}

	return strings.ToUpper(hex.EncodeToString(buf)), nil
}
