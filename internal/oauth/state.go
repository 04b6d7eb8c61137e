package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tokenbroker/pkg/logging"
)

// stateIssuer is the iss claim on composite state tokens.
const stateIssuer = "tokenbroker"

// ErrInvalidState is returned for composite state that is malformed, forged
// or expired.
var ErrInvalidState = errors.New("invalid composite state")

// CompositeState carries the caller's context through the provider round
// trip.
type CompositeState struct {
	TxnID       string
	CallerState string
	RedirectURI string
	SessionID   string
}

type stateClaims struct {
	Txn string `json:"txn"`
	St  string `json:"st,omitempty"`
	Ru  string `json:"ru"`
	Sid string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// StateCodec signs and verifies composite state with HS256.
type StateCodec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateCodec creates a codec. Tokens expire after ttl, which should match
// the transaction lifetime.
func NewStateCodec(key []byte, ttl time.Duration) (*StateCodec, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("state signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("state ttl must be positive")
	}
	return &StateCodec{key: key, ttl: ttl, now: time.Now}, nil
}

// Encode signs s.
func (c *StateCodec) Encode(s CompositeState) (string, error) {
	now := c.now()
	claims := stateClaims{
		Txn: s.TxnID,
		St:  s.CallerState,
		Ru:  s.RedirectURI,
		Sid: s.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Decode verifies and unpacks a composite state token.
func (c *StateCodec) Decode(token string) (*CompositeState, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if claims.Txn == "" || claims.Ru == "" {
		return nil, fmt.Errorf("%w: missing transaction or redirect", ErrInvalidState)
	}

	return &CompositeState{
		TxnID:       claims.Txn,
		CallerState: claims.St,
		RedirectURI: claims.Ru,
		SessionID:   claims.Sid,
	}, nil
}

// ResolveStateKey picks the composite state signing key. An explicit state
// key wins; otherwise the key is derived from the storage encryption key so
// every instance sharing storage also shares state. With neither, a random
// per-process key is generated, which only works for a single instance.
func ResolveStateKey(stateKey, encryptionKey string) ([]byte, error) {
	switch {
	case stateKey != "":
		sum := sha256.Sum256([]byte(stateKey))
		return sum[:], nil
	case encryptionKey != "":
		sum := sha256.Sum256([]byte("tokenbroker-state-v1:" + encryptionKey))
		return sum[:], nil
	default:
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate state key: %w", err)
		}
		logging.Warn("OAuth", "No state key or encryption key configured; using a random per-process state key. Callbacks handled by other instances will fail.")
		return key, nil
	}
}
