// Package sessiontoken signs and verifies the session id carried in the
// session cookie so that a forged or tampered cookie is treated like a missing
// one.
package sessiontoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned by Verify for any token that does not verify.
var ErrInvalidToken = errors.New("invalid session token")

// Codec turns a session id into a cookie value and back.
type Codec interface {
	Sign(sessionID string) (string, error)
	Verify(token string) (sessionID string, err error)
}

// Plain stores the id verbatim. Only suitable for development.
type Plain struct{}

func (Plain) Sign(sessionID string) (string, error) { return sessionID, nil }

func (Plain) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

// HMACSigner signs ids as HS256 JWTs with a secret shared by every node.
type HMACSigner struct {
	secret []byte
}

// NewHMAC returns an HMACSigner. The secret must be at least 32 bytes.
func NewHMAC(secret []byte) (*HMACSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("hmac secret too short: %d bytes", len(secret))
	}
	return &HMACSigner{secret: append([]byte(nil), secret...)}, nil
}

func (s *HMACSigner) Sign(sessionID string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ID: sessionID})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

func (s *HMACSigner) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return "", ErrInvalidToken
	}
	return claims.ID, nil
}

// Ed25519Signer signs ids as compact JWS using a designated active key and
// verifies against any registered key, allowing key rotation.
type Ed25519Signer struct {
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

func NewEd25519() *Ed25519Signer {
	return &Ed25519Signer{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// AddKey registers a key pair under kid. The active key is unchanged.
func (s *Ed25519Signer) AddKey(kid string, priv ed25519.PrivateKey) {
	s.privKeys[kid] = priv
	s.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (s *Ed25519Signer) SetActive(kid string) error {
	if _, ok := s.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	s.activeKid = kid
	return nil
}

func (s *Ed25519Signer) Sign(sessionID string) (string, error) {
	if s.activeKid == "" {
		return "", fmt.Errorf("no active kid configured")
	}
	priv := s.privKeys[s.activeKid]
	opts := (&jose.SignerOptions{}).WithHeader("kid", s.activeKid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign([]byte(sessionID))
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

func (s *Ed25519Signer) Verify(token string) (string, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(jws.Signatures) != 1 {
		return "", ErrInvalidToken
	}
	pub, ok := s.pubKeys[jws.Signatures[0].Protected.KeyID]
	if !ok {
		return "", fmt.Errorf("%w: unknown kid", ErrInvalidToken)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(payload) == 0 {
		return "", ErrInvalidToken
	}
	return string(payload), nil
}

var (
	_ Codec = Plain{}
	_ Codec = (*HMACSigner)(nil)
	_ Codec = (*Ed25519Signer)(nil)
)
