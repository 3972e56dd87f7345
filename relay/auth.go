package relay

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/VanDung-dev/eventnet/network"
)

// Authentication errors
var (
	ErrAuthRequired    = errors.New("authentication required")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrSubjectMismatch = errors.New("token subject does not match node id")
)

// DefaultIssuer is the iss claim of relay tokens.
const DefaultIssuer = "eventnet"

// AuthConfig holds authentication configuration. An empty Secret disables
// authentication.
type AuthConfig struct {
	Secret string        `yaml:"secret" env:"SECRET"`
	Issuer string        `yaml:"issuer" env:"ISSUER"`
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
}

// Authenticator issues and validates HS256 node tokens whose subject is
// the NodeID.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewAuthenticator creates a new Authenticator with the given config.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Authenticator{secret: []byte(cfg.Secret), issuer: issuer, ttl: cfg.TTL}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Issue signs a token for node. A zero TTL issues a token without expiry.
func (a *Authenticator) Issue(node network.NodeID) (string, error) {
	if !a.Enabled() {
		return "", errors.New("auth secret not configured")
	}
	if !node.Valid() {
		return "", network.ErrInvalidNodeID
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  node.String(),
		Issuer:   a.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate checks token for node. Always nil when auth is disabled.
func (a *Authenticator) Validate(token string, node network.NodeID) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return ErrAuthRequired
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if claims.Subject != node.String() {
		return ErrSubjectMismatch
	}
	return nil
}

// GenerateSecret generates a cryptographically secure random secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
