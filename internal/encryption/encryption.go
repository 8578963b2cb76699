// Package encryption implements the JWE envelope every Aesterisk frame
// travels in: an RSA-OAEP key-wrapped, A256GCM-encrypted JWT whose claims
// carry the sender role (iss), a 60 second validity window (iat/exp) and
// the packet itself under the "p" claim.
//
// The envelope is symmetric between roles: each side decrypts with its own
// RSA private key and encrypts per-peer with the peer's public key. Issuer
// strings are fixed per role and validated on every decrypt.
package encryption

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/aesterisk/aesterisk/internal/packet"
)

// Issuer strings, one per sender role.
const (
	IssuerServer = "aesterisk/server"
	IssuerDaemon = "aesterisk/daemon"
	IssuerWeb    = "aesterisk/web"
)

// tokenLifetime bounds both how far in the future a token expires and how
// old its iat may be before it is rejected.
const tokenLifetime = 60 * time.Second

type packetClaim struct {
	P packet.Packet `json:"p"`
}

// Encrypter seals packets for one peer with that peer's RSA public key. It
// is built once per handshake and read-only afterwards.
type Encrypter struct {
	encrypter jose.Encrypter
	issuer    string

	// now is overridable in tests to mint tokens at a chosen time.
	now func() time.Time
}

// NewEncrypter builds an Encrypter from a peer's PEM public key. The issuer
// identifies the local sender role and ends up in the token's iss claim.
func NewEncrypter(publicKeyPEM []byte, issuer string) (*Encrypter, error) {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	return NewEncrypterFromKey(key, issuer)
}

// NewEncrypterFromKey is NewEncrypter for an already-parsed key.
func NewEncrypterFromKey(key *rsa.PublicKey, issuer string) (*Encrypter, error) {
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP, Key: key},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create encrypter: %w", err)
	}

	return &Encrypter{
		encrypter: enc,
		issuer:    issuer,
		now:       time.Now,
	}, nil
}

// EncryptPacket seals a packet into the compact JWE form carried in a text
// WebSocket frame.
func (e *Encrypter) EncryptPacket(p packet.Packet) (string, error) {
	now := e.now()

	claims := jwt.Claims{
		Issuer:   e.issuer,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(tokenLifetime)),
	}

	raw, err := jwt.Encrypted(e.encrypter).Claims(claims).Claims(packetClaim{P: p}).Serialize()
	if err != nil {
		return "", fmt.Errorf("could not encrypt token: %w", err)
	}

	return raw, nil
}

// Decrypter opens packets sealed for this process. One instance exists per
// process, wrapping its RSA private key.
type Decrypter struct {
	key *rsa.PrivateKey

	now func() time.Time
}

// NewDecrypter builds a Decrypter from a PEM private key.
func NewDecrypter(privateKeyPEM []byte) (*Decrypter, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	return NewDecrypterFromKey(key), nil
}

// NewDecrypterFromKey is NewDecrypter for an already-parsed key.
func NewDecrypterFromKey(key *rsa.PrivateKey) *Decrypter {
	return &Decrypter{
		key: key,
		now: time.Now,
	}
}

// DecryptPacket opens a frame and validates its claims: the issuer must
// equal the expected sender role, iat must lie within the last 60 seconds
// and not in the future, and the token must not be expired. Only RSA-OAEP
// with A256GCM content encryption is accepted.
func (d *Decrypter) DecryptPacket(msg, issuer string) (packet.Packet, error) {
	// The JWE layer is opened directly: go-jose's jwt helper refuses
	// asymmetric key algorithms such as RSA-OAEP.
	obj, err := jose.ParseEncrypted(
		msg,
		[]jose.KeyAlgorithm{jose.RSA_OAEP},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return packet.Packet{}, fmt.Errorf("could not decrypt message: %w", err)
	}

	plaintext, err := obj.Decrypt(d.key)
	if err != nil {
		return packet.Packet{}, fmt.Errorf("could not decrypt message: %w", err)
	}

	var claims jwt.Claims
	var pc packetClaim
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return packet.Packet{}, fmt.Errorf("could not decode claims: %w", err)
	}
	if err := json.Unmarshal(plaintext, &pc); err != nil {
		return packet.Packet{}, fmt.Errorf("could not decode claims: %w", err)
	}

	now := d.now()

	if claims.Issuer != issuer {
		return packet.Packet{}, fmt.Errorf("invalid token: issuer %q, expected %q", claims.Issuer, issuer)
	}

	if claims.IssuedAt == nil {
		return packet.Packet{}, fmt.Errorf("invalid token: missing iat")
	}
	iat := claims.IssuedAt.Time()
	if iat.Before(now.Add(-tokenLifetime)) {
		return packet.Packet{}, fmt.Errorf("invalid token: issued too long ago")
	}
	if iat.After(now) {
		return packet.Packet{}, fmt.Errorf("invalid token: issued in the future")
	}

	if claims.Expiry == nil {
		return packet.Packet{}, fmt.Errorf("invalid token: missing exp")
	}
	if !claims.Expiry.Time().After(now) {
		return packet.Packet{}, fmt.Errorf("invalid token: expired")
	}

	if pc.P.Version != packet.V0_1_0 {
		return packet.Packet{}, fmt.Errorf("unknown packet version: %d", pc.P.Version)
	}

	return pc.P, nil
}
